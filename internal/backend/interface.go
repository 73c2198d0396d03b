package backend

import (
	"context"

	"ratedash/internal/layout"
	"ratedash/internal/sheets"
)

// Backend is the data source the dashboard reads, replaces on upload and
// asks to refresh.
type Backend interface {
	sheets.WorkbookReader
	sheets.WorkbookWriter
	sheets.RefreshRequester
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the backend instance and optional cleanup function
type BackendResult struct {
	Backend Backend
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// Layout names the tables and the tabs that hold them.
	Layout *layout.Layout

	// SQLite specific
	SQLiteDBPath      string
	SnapshotRetention int
	AMQPURL           string
	AMQPExchange      string
	AMQPQueue         string

	// Google Sheets specific
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string

	// Memory backend specific
	DataDirectory  string
	MaxUploadBytes int64
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	SheetsBackend BackendType = "sheets"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// ReadOnly reports whether uploads are rejected by this backend.
func (bt BackendType) ReadOnly() bool {
	return bt == SheetsBackend
}
