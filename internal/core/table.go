package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Logical table names used across sources, layout and views.
const (
	TablePricing   = "pricing"
	TableEwayBills = "eway_bills"
)

type (
	// Row holds the cells of one record, aligned with Table.Columns.
	Row []string

	// Table is a flat, row-oriented table read wholesale from a spreadsheet tab.
	Table struct {
		Name    string
		Columns []string
		Rows    []Row

		index map[string]int
	}

	// Workbook groups the tables loaded from one source in a single run.
	Workbook struct {
		Tables   []*Table
		Source   string
		LoadedAt time.Time
	}
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrNoRows        = errors.New("no rows")
)

// MissingColumnsError reports every column a consumer needs that the table lacks.
type MissingColumnsError struct {
	Table   string
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("table %q is missing required columns: %s", e.Table, strings.Join(e.Missing, ", "))
}

// NewTable builds a table from a header and raw rows. Header cells are trimmed,
// trailing blank header cells dropped, and rows padded or cut to the header width.
// Fully blank rows are skipped.
func NewTable(name string, header []string, rows [][]string) *Table {
	cols := make([]string, 0, len(header))
	for _, h := range header {
		cols = append(cols, strings.TrimSpace(h))
	}
	for len(cols) > 0 && cols[len(cols)-1] == "" {
		cols = cols[:len(cols)-1]
	}

	t := &Table{Name: name, Columns: cols}
	for _, raw := range rows {
		row := make(Row, len(cols))
		blank := true
		for i := range cols {
			if i < len(raw) {
				row[i] = strings.TrimSpace(raw[i])
				if row[i] != "" {
					blank = false
				}
			}
		}
		if blank {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	t.reindex()
	return t
}

// NewTableFromRecords treats the first record as header, like a spreadsheet
// "get all records" call.
func NewTableFromRecords(name string, records [][]string) *Table {
	if len(records) == 0 {
		return NewTable(name, nil, nil)
	}
	return NewTable(name, records[0], records[1:])
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if c == "" {
			continue
		}
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
}

// ColumnIndex returns the position of col. An exact match wins; otherwise the
// leftmost case-insensitive match is used.
func (t *Table) ColumnIndex(col string) (int, bool) {
	if t.index == nil {
		t.reindex()
	}
	if i, ok := t.index[col]; ok {
		return i, true
	}
	col = strings.TrimSpace(col)
	for i, name := range t.Columns {
		if name != "" && strings.EqualFold(name, col) {
			return i, true
		}
	}
	return -1, false
}

// HasColumn reports whether col is present.
func (t *Table) HasColumn(col string) bool {
	_, ok := t.ColumnIndex(col)
	return ok
}

// Require returns a *MissingColumnsError naming all absent columns, or nil.
func (t *Table) Require(cols ...string) error {
	var missing []string
	seen := map[string]bool{}
	for _, c := range cols {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if !t.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Table: t.Name, Missing: missing}
	}
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Value returns the raw cell of row i in column col.
func (t *Table) Value(i int, col string) string {
	idx, ok := t.ColumnIndex(col)
	if !ok || i < 0 || i >= len(t.Rows) || idx >= len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][idx]
}

// Decimal parses the cell of row i in column col as a number.
func (t *Table) Decimal(i int, col string) (decimal.Decimal, bool) {
	return ParseNumber(t.Value(i, col))
}

// Time parses the cell of row i in column col as a date.
func (t *Table) Time(i int, col string) (time.Time, bool) {
	return ParseDate(t.Value(i, col))
}

// Distinct returns the sorted distinct non-blank values of col.
func (t *Table) Distinct(col string) []string {
	idx, ok := t.ColumnIndex(col)
	if !ok {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, r := range t.Rows {
		v := r[idx]
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// DateBounds returns the earliest and latest parsable dates of col.
func (t *Table) DateBounds(col string) (min, max time.Time, ok bool) {
	for i := range t.Rows {
		d, parsed := t.Time(i, col)
		if !parsed {
			continue
		}
		if !ok || d.Before(min) {
			min = d
		}
		if !ok || d.After(max) {
			max = d
		}
		ok = true
	}
	return min, max, ok
}

// NormalizeDates rewrites every parseable cell of cols as 2006-01-02, or
// 2006-01-02 15:04:05 when it carries a time of day. Sources deliver dates as
// serial numbers or locale strings; storing one form keeps filters, charts
// and exports consistent. Unparsable cells and missing columns are left alone.
func (t *Table) NormalizeDates(cols ...string) {
	for _, col := range cols {
		idx, ok := t.ColumnIndex(col)
		if !ok {
			continue
		}
		for _, row := range t.Rows {
			if idx >= len(row) {
				continue
			}
			d, ok := ParseDate(row[idx])
			if !ok {
				continue
			}
			if d.Equal(Day(d)) {
				row[idx] = d.Format("2006-01-02")
			} else {
				row[idx] = d.Format("2006-01-02 15:04:05")
			}
		}
	}
}

// Subset returns a table holding the rows for which keep is true.
func (t *Table) Subset(keep []bool) *Table {
	out := &Table{Name: t.Name, Columns: t.Columns, index: t.index}
	for i, r := range t.Rows {
		if i < len(keep) && keep[i] {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Project returns a table with only the given columns, in that order.
func (t *Table) Project(cols ...string) (*Table, error) {
	if err := t.Require(cols...); err != nil {
		return nil, err
	}
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i], _ = t.ColumnIndex(c)
	}
	out := &Table{Name: t.Name, Columns: append([]string(nil), cols...)}
	out.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		row := make(Row, len(idx))
		for j, k := range idx {
			row[j] = r[k]
		}
		out.Rows[i] = row
	}
	out.reindex()
	return out, nil
}

// Table returns the table with the given logical name.
func (w Workbook) Table(name string) (*Table, error) {
	for _, t := range w.Tables {
		if t != nil && t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

// Names lists the logical names of the loaded tables.
func (w Workbook) Names() []string {
	out := make([]string, 0, len(w.Tables))
	for _, t := range w.Tables {
		if t != nil {
			out = append(out, t.Name)
		}
	}
	return out
}

// Empty reports whether the workbook carries no tables.
func (w Workbook) Empty() bool {
	return len(w.Names()) == 0
}
