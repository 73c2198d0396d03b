// Package services runs the dashboard pipeline: load the workbook, turn
// widget state into filters, and build the views, charts and exports of one
// table.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ratedash/internal/cache"
	"ratedash/internal/core"
	"ratedash/internal/layout"
	applog "ratedash/internal/log"
	"ratedash/internal/sheets"
	"ratedash/internal/workbook"
)

const (
	workbookKey  = "workbook"
	loadTimeout  = 15 * time.Second
	chartEntries = 200
)

// Source is the data backend the dashboard reads from and uploads into.
type Source interface {
	sheets.WorkbookReader
	sheets.WorkbookWriter
	sheets.RefreshRequester
}

// Options tunes caching and display limits.
type Options struct {
	CacheTTL       time.Duration
	MaxDisplayRows int
	MaxUploadBytes int64
}

// DashboardService orchestrates reads, filters, views and exports over a Source.
type DashboardService struct {
	source Source
	layout *layout.Layout
	parser *workbook.Parser
	opts   Options

	workbooks *cache.LRUCache[cachedWorkbook]
	charts    *cache.LRUCache[[]byte]
	loads     singleflight.Group
}

func NewDashboardService(source Source, l *layout.Layout, opts Options) *DashboardService {
	if opts.MaxDisplayRows <= 0 {
		opts.MaxDisplayRows = 500
	}
	return &DashboardService{
		source:    source,
		layout:    l,
		parser:    workbook.NewParser(workbook.Targets(l), opts.MaxUploadBytes),
		opts:      opts,
		workbooks: cache.NewLRUCache[cachedWorkbook](1, opts.CacheTTL),
		charts:    cache.NewLRUCache[[]byte](chartEntries, opts.CacheTTL),
	}
}

// RegisterCaches hands the service caches to m for periodic expiry.
func (s *DashboardService) RegisterCaches(m *cache.Manager) {
	m.Register("workbook", s.workbooks)
	m.Register("charts", s.charts)
}

// Layout returns the dashboard layout.
func (s *DashboardService) Layout() *layout.Layout {
	return s.layout
}

// cachedWorkbook is a loaded workbook tagged with the source version it was
// read at; the version is empty for sources that do not report one.
type cachedWorkbook struct {
	wb      core.Workbook
	version string
}

// version asks a versioned source which revision it currently serves.
func (s *DashboardService) version(ctx context.Context) (string, bool) {
	vr, ok := s.source.(sheets.VersionReporter)
	if !ok {
		return "", false
	}
	v, err := vr.Version(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Source version check failed", applog.FieldError, err)
		return "", false
	}
	return v, true
}

// Workbook returns the cached workbook, reading the source on a miss or when
// a versioned source has moved on. Concurrent misses share one read.
func (s *DashboardService) Workbook(ctx context.Context) (core.Workbook, error) {
	if s.opts.CacheTTL > 0 {
		if c, ok := s.workbooks.Get(workbookKey); ok {
			v, versioned := s.version(ctx)
			if !versioned || v == c.version {
				return c.wb, nil
			}
		}
	}
	res, err, _ := s.loads.Do(workbookKey, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		start := time.Now()
		// Read the version first so a snapshot saved mid-read is picked up next time.
		v, _ := s.version(cctx)
		wb, err := s.source.ReadWorkbook(cctx)
		if err != nil {
			return core.Workbook{}, err
		}
		if s.opts.CacheTTL > 0 {
			s.workbooks.Set(workbookKey, cachedWorkbook{wb: wb, version: v})
		}
		slog.InfoContext(ctx, "Workbook loaded",
			applog.FieldComponent, applog.ComponentDashboard,
			applog.FieldOperation, applog.OpRead,
			applog.FieldSource, wb.Source,
			"tables", wb.Names(),
			"version", v,
			applog.FieldDuration, time.Since(start).Milliseconds())
		return wb, nil
	})
	if err != nil {
		return core.Workbook{}, fmt.Errorf("load workbook: %w", err)
	}
	return res.(core.Workbook), nil
}

// table resolves the layout and the loaded data of the named table and checks
// its required columns.
func (s *DashboardService) table(ctx context.Context, name string) (layout.Table, *core.Table, core.Workbook, error) {
	lt, ok := s.layout.Table(name)
	if !ok {
		return layout.Table{}, nil, core.Workbook{}, fmt.Errorf("%w: %s", core.ErrTableNotFound, name)
	}
	wb, err := s.Workbook(ctx)
	if err != nil {
		return layout.Table{}, nil, core.Workbook{}, err
	}
	t, err := wb.Table(name)
	if err != nil {
		return layout.Table{}, nil, core.Workbook{}, err
	}
	if err := t.Require(lt.Required...); err != nil {
		return layout.Table{}, nil, core.Workbook{}, err
	}
	return lt, t, wb, nil
}

// Upload parses a spreadsheet file and replaces the tables it carries. Tables
// the file lacks keep their current data.
func (s *DashboardService) Upload(ctx context.Context, r io.Reader, filename string) (core.Workbook, error) {
	wb, err := s.parser.Parse(r, filename)
	if err != nil {
		return core.Workbook{}, err
	}
	for _, t := range wb.Tables {
		lt, ok := s.layout.Table(t.Name)
		if !ok {
			continue
		}
		if err := t.Require(lt.Required...); err != nil {
			return core.Workbook{}, err
		}
	}

	if current, err := s.Workbook(ctx); err == nil {
		wb = merge(current, wb)
	} else if !errors.Is(err, core.ErrNoRows) {
		slog.WarnContext(ctx, "Replacing workbook without current data", applog.FieldError, err)
	}

	if err := s.source.ReplaceWorkbook(ctx, wb); err != nil {
		return core.Workbook{}, fmt.Errorf("store upload: %w", err)
	}
	s.Invalidate()

	slog.InfoContext(ctx, "Workbook uploaded",
		applog.FieldComponent, applog.ComponentUpload,
		applog.FieldOperation, applog.OpUpload,
		applog.FieldSource, wb.Source,
		"tables", wb.Names())
	return wb, nil
}

// merge keeps the tables of current that next does not replace.
func merge(current, next core.Workbook) core.Workbook {
	out := next
	out.Tables = append([]*core.Table(nil), next.Tables...)
	for _, t := range current.Tables {
		if _, err := next.Table(t.Name); err != nil {
			out.Tables = append(out.Tables, t)
		}
	}
	return out
}

// Refresh asks the backend for fresh data and drops cached views.
func (s *DashboardService) Refresh(ctx context.Context, reason string) error {
	if err := s.source.RequestRefresh(ctx, reason); err != nil {
		return fmt.Errorf("request refresh: %w", err)
	}
	s.Invalidate()
	slog.InfoContext(ctx, "Refresh requested",
		applog.FieldComponent, applog.ComponentDashboard,
		applog.FieldOperation, applog.OpRefresh,
		"reason", reason)
	return nil
}

// Invalidate drops the cached workbook and rendered charts.
func (s *DashboardService) Invalidate() {
	s.workbooks.Purge()
	s.charts.Purge()
}

// Ready reports whether the source currently yields a workbook.
func (s *DashboardService) Ready(ctx context.Context) error {
	_, err := s.Workbook(ctx)
	return err
}
