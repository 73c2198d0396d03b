package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"ratedash/internal/core"
	"ratedash/internal/sheets"
	"ratedash/internal/storage"
)

// SnapshotRepository is the subset of storage used by the adapter.
type SnapshotRepository interface {
	LatestSnapshot(ctx context.Context) (core.Workbook, error)
	SaveSnapshot(ctx context.Context, wb core.Workbook) (int64, error)
	Prune(ctx context.Context, keep int) (int64, error)
	LatestID(ctx context.Context) (int64, error)
}

// SQLiteAdapter serves the latest stored snapshot and hands refresh requests
// to the worker over AMQP, so the HTTP layer never talks to Google directly.
type SQLiteAdapter struct {
	storage   SnapshotRepository
	refresher sheets.RefreshRequester
	retention int
}

var (
	_ sheets.WorkbookReader   = (*SQLiteAdapter)(nil)
	_ sheets.WorkbookWriter   = (*SQLiteAdapter)(nil)
	_ sheets.RefreshRequester = (*SQLiteAdapter)(nil)
	_ sheets.VersionReporter  = (*SQLiteAdapter)(nil)
)

// NewSQLiteAdapter wires the repository with an optional refresher; nil disables refresh.
func NewSQLiteAdapter(storage SnapshotRepository, refresher sheets.RefreshRequester, retention int) *SQLiteAdapter {
	return &SQLiteAdapter{storage: storage, refresher: refresher, retention: retention}
}

// ReadWorkbook implements sheets.WorkbookReader
func (a *SQLiteAdapter) ReadWorkbook(ctx context.Context) (core.Workbook, error) {
	wb, err := a.storage.LatestSnapshot(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return core.Workbook{}, fmt.Errorf("%w: no snapshot yet, upload a workbook or wait for the worker", core.ErrNoRows)
	}
	return wb, err
}

// Version implements sheets.VersionReporter with the latest snapshot id, so a
// snapshot written by the worker is seen on the next read.
func (a *SQLiteAdapter) Version(ctx context.Context) (string, error) {
	id, err := a.storage.LatestID(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// ReplaceWorkbook implements sheets.WorkbookWriter by storing an uploaded workbook as a snapshot.
func (a *SQLiteAdapter) ReplaceWorkbook(ctx context.Context, wb core.Workbook) error {
	if _, err := a.storage.SaveSnapshot(ctx, wb); err != nil {
		return err
	}
	if _, err := a.storage.Prune(ctx, a.retention); err != nil {
		slog.WarnContext(ctx, "Failed to prune snapshots after upload", "error", err)
	}
	return nil
}

// RequestRefresh implements sheets.RefreshRequester
func (a *SQLiteAdapter) RequestRefresh(ctx context.Context, reason string) error {
	if a.refresher == nil {
		return errors.New("refresh unavailable: AMQP is not configured")
	}
	return a.refresher.RequestRefresh(ctx, reason)
}
