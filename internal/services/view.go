package services

import (
	"context"
	"net/url"
	"strings"
	"time"

	"ratedash/internal/core"
	"ratedash/internal/layout"
	applog "ratedash/internal/log"
	"ratedash/internal/report"
)

type (
	// ChartRef points a panel at a chart rendered for the same widget state.
	ChartRef struct {
		ID    string
		Title string
		Kind  string
		URL   string
	}

	// TableView is everything one table panel shows for one widget state.
	TableView struct {
		Name     string
		Title    string
		Source   string
		LoadedAt time.Time

		Widgets []Widget
		Active  []string
		Query   string

		Metrics   []report.Metric
		Summaries []report.Summary
		Charts    []ChartRef

		Columns   []string
		Rows      [][]string
		TotalRows int
		Matched   int
		Truncated bool
	}
)

// filtered is a table after widget state was applied.
type filtered struct {
	layout layout.Table
	source core.Workbook
	all    *core.Table
	rows   *core.Table
	sel    Selection
}

func (s *DashboardService) filter(ctx context.Context, name string, q url.Values) (filtered, error) {
	lt, t, wb, err := s.table(ctx, name)
	if err != nil {
		return filtered{}, err
	}
	sel, err := Select(lt, t, q)
	if err != nil {
		return filtered{}, err
	}
	rows, err := core.Apply(t, sel.Filters...)
	if err != nil {
		return filtered{}, err
	}
	return filtered{layout: lt, source: wb, all: t, rows: rows, sel: sel}, nil
}

// View builds the panel of the named table under widget state q.
func (s *DashboardService) View(ctx context.Context, name string, q url.Values) (TableView, error) {
	start := time.Now()
	f, err := s.filter(ctx, name, q)
	if err != nil {
		return TableView{}, err
	}
	query := widgetQuery(q).Encode()

	v := TableView{
		Name:      f.layout.Name,
		Title:     f.layout.DisplayTitle(),
		Source:    f.source.Source,
		LoadedAt:  f.source.LoadedAt,
		Widgets:   f.sel.Widgets,
		Active:    f.sel.Active,
		Query:     query,
		Metrics:   metrics(f.layout, f.rows),
		Summaries: summaries(f.layout, f.rows),
		TotalRows: f.all.Len(),
		Matched:   f.rows.Len(),
	}
	for _, c := range f.layout.Charts {
		if !hasColumns(f.rows, c.X, c.Y) {
			continue
		}
		v.Charts = append(v.Charts, ChartRef{
			ID:    c.ID,
			Title: c.Title,
			Kind:  c.Kind,
			URL:   chartURL(f.layout.Name, c.ID, query),
		})
	}

	shown, err := display(f.layout, f.rows)
	if err != nil {
		return TableView{}, err
	}
	v.Columns = shown.Columns
	for i, r := range shown.Rows {
		if i >= s.opts.MaxDisplayRows {
			v.Truncated = true
			break
		}
		v.Rows = append(v.Rows, r)
	}

	applog.NewStructuredLogger(applog.FromContext(ctx)).
		LogTableView(ctx, v.Name, v.Matched, len(f.sel.Filters), time.Since(start))
	return v, nil
}

func chartURL(table, id, query string) string {
	u := "/charts?table=" + url.QueryEscape(table) + "&chart=" + url.QueryEscape(id)
	if query != "" {
		u += "&" + query
	}
	return u
}

// widgetQuery keeps only widget keys so that links do not echo unrelated parameters.
func widgetQuery(q url.Values) url.Values {
	out := url.Values{}
	for k, vs := range q {
		if strings.HasPrefix(k, keyPrefix) {
			out[k] = vs
		}
	}
	return out
}

// hasColumns reports whether every named column is present. Required
// columns were checked already, so a miss here is an optional column and
// drops the consumer instead of failing the panel.
func hasColumns(t *core.Table, cols ...string) bool {
	for _, c := range cols {
		if c != "" && !t.HasColumn(c) {
			return false
		}
	}
	return true
}

// display projects rows onto the layout's display columns that exist.
func display(lt layout.Table, t *core.Table) (*core.Table, error) {
	if len(lt.Display) == 0 {
		return t, nil
	}
	cols := make([]string, 0, len(lt.Display))
	for _, c := range lt.Display {
		if t.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	return t.Project(cols...)
}

func metrics(lt layout.Table, t *core.Table) []report.Metric {
	var out []report.Metric
	for _, m := range lt.Metrics {
		if !hasColumns(t, m.Column) {
			continue
		}
		agg, err := core.ParseAgg(m.Agg)
		if err != nil {
			continue
		}
		value := "n/a"
		if d, err := core.Metric(t, m.Column, agg); err == nil {
			value = core.FormatNumber(d)
			if agg == core.AggCount {
				value = d.String()
			}
		}
		out = append(out, report.Metric{Label: m.Label, Value: value})
	}
	return out
}

func summaries(lt layout.Table, t *core.Table) []report.Summary {
	var out []report.Summary
	for _, sm := range lt.Summaries {
		if !hasColumns(t, sm.GroupBy, sm.Measure) {
			continue
		}
		groups, err := core.GroupBy(t, sm.GroupBy, sm.Measure)
		if err != nil {
			continue
		}
		aggs := make([]core.Agg, 0, len(sm.Aggs))
		cols := []string{sm.GroupBy}
		for _, a := range sm.Aggs {
			agg, err := core.ParseAgg(a)
			if err != nil {
				continue
			}
			aggs = append(aggs, agg)
			cols = append(cols, aggTitle(agg, sm.Measure))
		}
		rs := make([][]string, 0, len(groups))
		for _, g := range groups {
			row := []string{g.Key}
			for _, agg := range aggs {
				if agg == core.AggCount {
					row = append(row, g.Stats.Value(agg).String())
					continue
				}
				if g.Stats.Count == 0 {
					row = append(row, "n/a")
					continue
				}
				row = append(row, core.FormatNumber(g.Stats.Value(agg)))
			}
			rs = append(rs, row)
		}
		out = append(out, report.Summary{Title: sm.Title, Columns: cols, Rows: rs})
	}
	return out
}

// aggTitle names a summary column, e.g. "Mean Price".
func aggTitle(agg core.Agg, measure string) string {
	name := strings.ToUpper(string(agg[:1])) + string(agg[1:])
	if agg == core.AggCount || measure == "" {
		return name
	}
	return name + " " + measure
}
