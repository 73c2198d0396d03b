package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ratedash/internal/amqp"
	"ratedash/internal/core"
	"ratedash/internal/sheets"
	"ratedash/internal/storage"
)

// SnapshotStore persists pulled workbooks.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, wb core.Workbook) (int64, error)
	Prune(ctx context.Context, keep int) (int64, error)
	LatestAt(ctx context.Context) (time.Time, error)
}

// RefreshWorker pulls the upstream spreadsheet and stores it as a snapshot.
type RefreshWorker struct {
	source    sheets.WorkbookReader
	store     SnapshotStore
	retention int
	maxAge    time.Duration

	mu       sync.Mutex
	lastPull time.Time
	now      func() time.Time
}

func NewRefreshWorker(source sheets.WorkbookReader, store SnapshotStore, retention int, maxAge time.Duration) *RefreshWorker {
	if retention < 1 {
		retention = 1
	}
	return &RefreshWorker{
		source:    source,
		store:     store,
		retention: retention,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Refresh pulls the source once and stores the result.
func (w *RefreshWorker) Refresh(ctx context.Context, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshLocked(ctx, reason)
}

func (w *RefreshWorker) refreshLocked(ctx context.Context, reason string) error {
	start := w.now()
	wb, err := w.source.ReadWorkbook(ctx)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	id, err := w.store.SaveSnapshot(ctx, wb)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	pruned, err := w.store.Prune(ctx, w.retention)
	if err != nil {
		// The new snapshot is stored; old ones are retried next time.
		slog.WarnContext(ctx, "Failed to prune snapshots", "error", err)
	}
	w.lastPull = start

	slog.InfoContext(ctx, "Refreshed snapshot",
		"reason", reason,
		"snapshot_id", id,
		"tables", wb.Names(),
		"pruned", pruned,
		"duration", w.now().Sub(start))
	return nil
}

// HandleRefreshMessage processes a refresh request from AMQP. Requests made
// before the last completed pull are coalesced into it.
func (w *RefreshWorker) HandleRefreshMessage(ctx context.Context, msg *amqp.RefreshMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.lastPull.IsZero() && msg.RequestedAt.Before(w.lastPull) {
		slog.InfoContext(ctx, "Skipping refresh already covered by a newer pull",
			"reason", msg.Reason,
			"requested_at", msg.RequestedAt,
			"last_pull", w.lastPull)
		return nil
	}
	return w.refreshLocked(ctx, msg.Reason)
}

// StartupCheck refreshes when no snapshot exists or the newest is older than maxAge.
func (w *RefreshWorker) StartupCheck(ctx context.Context) error {
	at, err := w.store.LatestAt(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		slog.InfoContext(ctx, "No snapshot found on startup, refreshing")
		return w.Refresh(ctx, "startup")
	case err != nil:
		return fmt.Errorf("latest snapshot: %w", err)
	}

	age := w.now().Sub(at)
	if w.maxAge > 0 && age > w.maxAge {
		slog.InfoContext(ctx, "Snapshot is stale on startup, refreshing", "age", age, "max_age", w.maxAge)
		return w.Refresh(ctx, "startup-stale")
	}
	slog.InfoContext(ctx, "Snapshot is fresh on startup", "age", age)
	return nil
}

// RunInterval refreshes on every tick until ctx ends. Failures are logged and retried on the next tick.
func (w *RefreshWorker) RunInterval(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Refresh(ctx, "interval"); err != nil {
				slog.ErrorContext(ctx, "Interval refresh failed", "error", err)
			}
		}
	}
}
