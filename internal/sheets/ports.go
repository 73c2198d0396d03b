package sheets

import (
	"context"
	"errors"

	"ratedash/internal/core"
)

// ErrReadOnly is returned by sources that cannot accept uploaded workbooks.
var ErrReadOnly = errors.New("data source is read-only")

// Ports for outbound adapters.
type (
	// WorkbookReader loads every table of the configured source.
	WorkbookReader interface {
		ReadWorkbook(ctx context.Context) (core.Workbook, error)
	}

	// WorkbookWriter replaces the source contents, e.g. after an upload.
	WorkbookWriter interface {
		ReplaceWorkbook(ctx context.Context, wb core.Workbook) error
	}

	// RefreshRequester asks the source to re-pull from upstream, possibly asynchronously.
	RefreshRequester interface {
		RequestRefresh(ctx context.Context, reason string) error
	}

	// VersionReporter tells which revision of the data ReadWorkbook would
	// return. An unchanged version means a cached workbook is still current.
	VersionReporter interface {
		Version(ctx context.Context) (string, error)
	}
)
