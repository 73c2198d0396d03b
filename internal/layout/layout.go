// Package layout describes, per table, which widgets filter it and which
// metrics, summaries and charts are drawn from the filtered rows.
package layout

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"ratedash/internal/core"
)

//go:embed default.yaml
var defaultYAML []byte

// Widget kinds.
const (
	WidgetSelect      = "select"
	WidgetMultiSelect = "multiselect"
	WidgetDateRange   = "daterange"
	WidgetRange       = "range"
)

// Chart kinds.
const (
	ChartPie     = "pie"
	ChartLine    = "line"
	ChartBar     = "bar"
	ChartScatter = "scatter"
)

type (
	Layout struct {
		Tables []Table `yaml:"tables"`
	}

	Table struct {
		Name      string    `yaml:"name"`
		Title     string    `yaml:"title"`
		Sheet     string    `yaml:"sheet"`
		Required  []string  `yaml:"required"`
		Display   []string  `yaml:"display"`
		Filters   []Filter  `yaml:"filters"`
		Metrics   []Metric  `yaml:"metrics"`
		Summaries []Summary `yaml:"summaries"`
		Charts    []Chart   `yaml:"charts"`
	}

	Filter struct {
		Column     string `yaml:"column"`
		Label      string `yaml:"label"`
		Widget     string `yaml:"widget"`
		IncludeAll bool   `yaml:"include_all"`
	}

	Metric struct {
		Label  string `yaml:"label"`
		Column string `yaml:"column"`
		Agg    string `yaml:"agg"`
	}

	Summary struct {
		Title   string   `yaml:"title"`
		GroupBy string   `yaml:"group_by"`
		Measure string   `yaml:"measure"`
		Aggs    []string `yaml:"aggs"`
	}

	Chart struct {
		ID    string `yaml:"id"`
		Kind  string `yaml:"kind"`
		Title string `yaml:"title"`
		X     string `yaml:"x"`
		Y     string `yaml:"y"`
		Agg   string `yaml:"agg"`
	}
)

// Default returns the embedded layout.
func Default() (*Layout, error) {
	return Parse(defaultYAML)
}

// Load reads a layout from path, or the embedded default when path is empty.
func Load(path string) (*Layout, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML layout.
func Parse(data []byte) (*Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks kinds, ids and column references.
func (l *Layout) Validate() error {
	var errs []error
	if len(l.Tables) == 0 {
		errs = append(errs, errors.New("layout defines no tables"))
	}
	names := map[string]bool{}
	for _, t := range l.Tables {
		if t.Name == "" {
			errs = append(errs, errors.New("table without name"))
			continue
		}
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate table %q", t.Name))
		}
		names[t.Name] = true

		known := map[string]bool{}
		for _, c := range t.Required {
			known[c] = true
		}
		for _, c := range t.Display {
			known[c] = true
		}
		check := func(what, col string) {
			if col != "" && !known[col] {
				errs = append(errs, fmt.Errorf("table %q: %s references unknown column %q", t.Name, what, col))
			}
		}

		slugs := map[string]bool{}
		for _, f := range t.Filters {
			switch f.Widget {
			case WidgetSelect, WidgetMultiSelect, WidgetDateRange, WidgetRange:
			default:
				errs = append(errs, fmt.Errorf("table %q: filter %q has unknown widget %q", t.Name, f.Column, f.Widget))
			}
			if f.Column == "" {
				errs = append(errs, fmt.Errorf("table %q: filter without column", t.Name))
			}
			check("filter", f.Column)
			if slugs[f.Slug()] {
				errs = append(errs, fmt.Errorf("table %q: duplicate filter %q", t.Name, f.Column))
			}
			slugs[f.Slug()] = true
		}
		for _, m := range t.Metrics {
			if _, err := core.ParseAgg(m.Agg); err != nil {
				errs = append(errs, fmt.Errorf("table %q: metric %q: %w", t.Name, m.Label, err))
			}
			check("metric", m.Column)
		}
		for _, s := range t.Summaries {
			check("summary", s.GroupBy)
			check("summary", s.Measure)
			for _, a := range s.Aggs {
				if _, err := core.ParseAgg(a); err != nil {
					errs = append(errs, fmt.Errorf("table %q: summary %q: %w", t.Name, s.Title, err))
				}
			}
		}
		ids := map[string]bool{}
		for _, c := range t.Charts {
			if c.ID == "" {
				errs = append(errs, fmt.Errorf("table %q: chart without id", t.Name))
			} else if ids[c.ID] {
				errs = append(errs, fmt.Errorf("table %q: duplicate chart id %q", t.Name, c.ID))
			}
			ids[c.ID] = true
			switch c.Kind {
			case ChartPie, ChartLine, ChartBar:
			case ChartScatter:
				if c.Y == "" {
					errs = append(errs, fmt.Errorf("table %q: scatter chart %q needs y", t.Name, c.ID))
				}
			default:
				errs = append(errs, fmt.Errorf("table %q: chart %q has unknown kind %q", t.Name, c.ID, c.Kind))
			}
			if c.X == "" {
				errs = append(errs, fmt.Errorf("table %q: chart %q needs x", t.Name, c.ID))
			}
			if _, err := core.ParseAgg(c.Agg); err != nil {
				errs = append(errs, fmt.Errorf("table %q: chart %q: %w", t.Name, c.ID, err))
			}
			check("chart "+c.ID, c.X)
			check("chart "+c.ID, c.Y)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid layout: %w", errors.Join(errs...))
	}
	return nil
}

// Table returns the layout of the named table.
func (l *Layout) Table(name string) (Table, bool) {
	for _, t := range l.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableNames lists table names in layout order.
func (l *Layout) TableNames() []string {
	out := make([]string, len(l.Tables))
	for i, t := range l.Tables {
		out[i] = t.Name
	}
	return out
}

// SheetNames maps logical table names to the spreadsheet tab that holds them.
func (l *Layout) SheetNames() map[string]string {
	out := make(map[string]string, len(l.Tables))
	for _, t := range l.Tables {
		out[t.Name] = t.Sheet
	}
	return out
}

// WithSheet overrides the tab name of a table, ignoring empty names.
func (l *Layout) WithSheet(table, sheet string) {
	if sheet == "" {
		return
	}
	for i := range l.Tables {
		if l.Tables[i].Name == table {
			l.Tables[i].Sheet = sheet
		}
	}
}

// Chart returns the chart with the given id.
func (t Table) Chart(id string) (Chart, bool) {
	for _, c := range t.Charts {
		if c.ID == id {
			return c, true
		}
	}
	return Chart{}, false
}

// IsRequired reports whether col must be present in the source.
func (t Table) IsRequired(col string) bool {
	for _, c := range t.Required {
		if strings.EqualFold(c, col) {
			return true
		}
	}
	return false
}

// DateColumns lists the columns the table filters by date range.
func (t Table) DateColumns() []string {
	var cols []string
	for _, f := range t.Filters {
		if f.Widget == WidgetDateRange {
			cols = append(cols, f.Column)
		}
	}
	return cols
}

// DisplayTitle falls back to the table name.
func (t Table) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Name
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug is the query-string key of the filter, e.g. "vehicle-type".
func (f Filter) Slug() string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(f.Column), "-"), "-")
}

// DisplayLabel falls back to the column name.
func (f Filter) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Column
}
