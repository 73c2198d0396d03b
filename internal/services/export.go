package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"ratedash/internal/chart"
	"ratedash/internal/core"
	"ratedash/internal/layout"
	applog "ratedash/internal/log"
	"ratedash/internal/report"
	"ratedash/internal/workbook"
)

// ErrUnknownChart is returned for a chart id the table's layout lacks.
var ErrUnknownChart = errors.New("unknown chart")

// RenderChart draws chart id of the named table under widget state q.
// Rendered bytes are cached per source version, table, chart, state and format.
func (s *DashboardService) RenderChart(ctx context.Context, table, id string, q url.Values, format chart.Format) ([]byte, error) {
	key := strings.Join([]string{table, id, string(format), widgetQuery(q).Encode()}, "|")
	if s.opts.CacheTTL > 0 {
		if v, ok := s.version(ctx); ok {
			key = v + "|" + key
		}
		if b, ok := s.charts.Get(key); ok {
			return b, nil
		}
	}

	f, err := s.filter(ctx, table, q)
	if err != nil {
		return nil, err
	}
	c, ok := f.layout.Chart(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownChart, table, id)
	}
	var buf bytes.Buffer
	if err := s.draw(&buf, c, f.rows, format); err != nil {
		return nil, err
	}
	if s.opts.CacheTTL > 0 {
		s.charts.Set(key, buf.Bytes())
	}
	slog.DebugContext(ctx, "Chart rendered",
		applog.FieldComponent, applog.ComponentChart,
		applog.FieldOperation, applog.OpRender,
		applog.FieldTable, table,
		applog.FieldChart, id,
		applog.FieldFormat, string(format),
		applog.FieldBytes, buf.Len())
	return buf.Bytes(), nil
}

func (s *DashboardService) draw(w io.Writer, c layout.Chart, t *core.Table, format chart.Format) error {
	var (
		points []core.Point
		err    error
	)
	if c.Kind == layout.ChartScatter {
		points, err = core.Points(t, c.X, c.Y)
	} else {
		agg := core.AggCount
		if c.Agg != "" {
			if agg, err = core.ParseAgg(c.Agg); err != nil {
				return err
			}
		}
		points, err = core.Series(t, c.X, c.Y, agg)
	}
	if err != nil {
		return err
	}
	ylabel := c.Y
	if c.Agg != "" && c.Kind != layout.ChartScatter {
		ylabel = aggTitle(core.Agg(c.Agg), c.Y)
	}
	return chart.Render(w, chart.Spec{Kind: c.Kind, Title: c.Title, XLabel: c.X, YLabel: ylabel}, points, format)
}

// ExportXLSX writes the filtered rows of the named table as a workbook.
func (s *DashboardService) ExportXLSX(ctx context.Context, table string, q url.Values, w io.Writer) error {
	f, err := s.filter(ctx, table, q)
	if err != nil {
		return err
	}
	if err := workbook.WriteXLSX(w, f.rows); err != nil {
		return fmt.Errorf("export xlsx: %w", err)
	}
	s.logExport(ctx, table, "xlsx", f.rows.Len())
	return nil
}

// ExportPDF writes a report of the named table: active filters, metrics,
// summaries, charts and the filtered rows.
func (s *DashboardService) ExportPDF(ctx context.Context, table string, q url.Values, w io.Writer) error {
	f, err := s.filter(ctx, table, q)
	if err != nil {
		return err
	}
	rows, err := display(f.layout, f.rows)
	if err != nil {
		return err
	}
	r := report.Report{
		Title:     f.layout.DisplayTitle(),
		Source:    f.source.Source,
		Generated: time.Now(),
		Filters:   f.sel.Active,
		Metrics:   metrics(f.layout, f.rows),
		Summaries: summaries(f.layout, f.rows),
		Table:     rows,
	}
	for _, c := range f.layout.Charts {
		if !hasColumns(f.rows, c.X, c.Y) {
			continue
		}
		var buf bytes.Buffer
		if err := s.draw(&buf, c, f.rows, chart.PNG); err != nil {
			slog.WarnContext(ctx, "Skipping chart in report", applog.FieldChart, c.ID, applog.FieldError, err)
			continue
		}
		r.Charts = append(r.Charts, report.Image{Title: c.Title, PNG: buf.Bytes()})
	}
	if err := report.WritePDF(w, r); err != nil {
		return fmt.Errorf("export pdf: %w", err)
	}
	s.logExport(ctx, table, "pdf", f.rows.Len())
	return nil
}

func (s *DashboardService) logExport(ctx context.Context, table, format string, rows int) {
	slog.InfoContext(ctx, "Table exported",
		applog.FieldComponent, applog.ComponentExport,
		applog.FieldOperation, applog.OpExport,
		applog.FieldTable, table,
		applog.FieldFormat, format,
		applog.FieldRows, rows)
}

// contextRows bounds the sample of rows handed to the chat model.
const contextRows = 20

// Describe summarises the named table under widget state q as plain text
// for the chat model: filters, metrics, summaries and a sample of rows.
func (s *DashboardService) Describe(ctx context.Context, table string, q url.Values) (string, error) {
	v, err := s.View(ctx, table, q)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s (%d of %d rows match)\n", v.Title, v.Matched, v.TotalRows)
	if len(v.Active) == 0 {
		b.WriteString("Filters: none\n")
	} else {
		fmt.Fprintf(&b, "Filters: %s\n", strings.Join(v.Active, "; "))
	}
	for _, m := range v.Metrics {
		fmt.Fprintf(&b, "%s: %s\n", m.Label, m.Value)
	}
	for _, sm := range v.Summaries {
		fmt.Fprintf(&b, "\n%s\n%s\n", sm.Title, strings.Join(sm.Columns, " | "))
		for _, r := range sm.Rows {
			b.WriteString(strings.Join(r, " | "))
			b.WriteByte('\n')
		}
	}
	if len(v.Rows) > 0 {
		n := min(len(v.Rows), contextRows)
		fmt.Fprintf(&b, "\nFirst %d rows\n%s\n", n, strings.Join(v.Columns, " | "))
		for _, r := range v.Rows[:n] {
			b.WriteString(strings.Join(r, " | "))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
