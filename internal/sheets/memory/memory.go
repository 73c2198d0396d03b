package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"ratedash/internal/core"
	ports "ratedash/internal/sheets"
)

// Store keeps the current workbook in memory. Uploads replace it wholesale.
type Store struct {
	mu sync.RWMutex
	wb core.Workbook
}

var (
	_ ports.WorkbookReader   = (*Store)(nil)
	_ ports.WorkbookWriter   = (*Store)(nil)
	_ ports.RefreshRequester = (*Store)(nil)
)

func New(wb core.Workbook) *Store {
	return &Store{wb: wb}
}

// Loader reads seed data from a directory.
type Loader interface {
	ParseDir(dir string) (core.Workbook, error)
}

// NewFromDir seeds the store from dir. Missing seed files leave the store
// empty so the dashboard can still accept an upload.
func NewFromDir(l Loader, dir string) (*Store, error) {
	wb, err := l.ParseDir(dir)
	if errors.Is(err, core.ErrTableNotFound) {
		return New(core.Workbook{Source: dir}), nil
	}
	if err != nil {
		return nil, err
	}
	return New(wb), nil
}

// ReadWorkbook returns the current workbook.
func (s *Store) ReadWorkbook(_ context.Context) (core.Workbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wb.Empty() {
		return core.Workbook{}, core.ErrNoRows
	}
	return s.wb, nil
}

// ReplaceWorkbook swaps in an uploaded workbook.
func (s *Store) ReplaceWorkbook(_ context.Context, wb core.Workbook) error {
	if wb.Empty() {
		return core.ErrNoRows
	}
	if wb.LoadedAt.IsZero() {
		wb.LoadedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wb = wb
	return nil
}

// RequestRefresh is a no-op: memory data only changes on upload.
func (s *Store) RequestRefresh(_ context.Context, _ string) error {
	return nil
}
