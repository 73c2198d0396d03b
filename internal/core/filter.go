package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SelectAll is the sentinel option meaning "no restriction" in select widgets.
const SelectAll = "All"

// Filter is a boolean predicate over the rows of a table.
type Filter interface {
	// Columns lists the columns the predicate reads.
	Columns() []string
	Match(t *Table, row int) bool
}

type (
	// EqualsFilter keeps rows whose Column equals Value. Value SelectAll or
	// empty disables it.
	EqualsFilter struct {
		Column string
		Value  string
	}

	// InFilter keeps rows whose Column is one of Values. All disables it; an
	// explicit empty selection matches nothing.
	InFilter struct {
		Column string
		Values []string
		All    bool
	}

	// DateRangeFilter keeps rows whose date falls in [From, To] by calendar
	// day. Zero bounds are open.
	DateRangeFilter struct {
		Column string
		From   time.Time
		To     time.Time
	}

	// NumberRangeFilter keeps rows whose number falls in [Min, Max]. Nil bounds are open.
	NumberRangeFilter struct {
		Column string
		Min    *decimal.Decimal
		Max    *decimal.Decimal
	}
)

func (f EqualsFilter) Columns() []string { return []string{f.Column} }

func (f EqualsFilter) Match(t *Table, row int) bool {
	if f.Value == "" || f.Value == SelectAll {
		return true
	}
	return t.Value(row, f.Column) == f.Value
}

func (f InFilter) Columns() []string { return []string{f.Column} }

func (f InFilter) Match(t *Table, row int) bool {
	if f.All {
		return true
	}
	v := t.Value(row, f.Column)
	for _, want := range f.Values {
		if v == want {
			return true
		}
	}
	return false
}

func (f DateRangeFilter) Columns() []string { return []string{f.Column} }

func (f DateRangeFilter) Match(t *Table, row int) bool {
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	d, ok := t.Time(row, f.Column)
	if !ok {
		return false
	}
	if !f.From.IsZero() && d.Before(Day(f.From)) {
		return false
	}
	if !f.To.IsZero() && !d.Before(Day(f.To).AddDate(0, 0, 1)) {
		return false
	}
	return true
}

func (f NumberRangeFilter) Columns() []string { return []string{f.Column} }

func (f NumberRangeFilter) Match(t *Table, row int) bool {
	if f.Min == nil && f.Max == nil {
		return true
	}
	n, ok := t.Decimal(row, f.Column)
	if !ok {
		return false
	}
	if f.Min != nil && n.LessThan(*f.Min) {
		return false
	}
	if f.Max != nil && n.GreaterThan(*f.Max) {
		return false
	}
	return true
}

// Apply returns the rows of t matched by every filter. Columns read by any
// filter must be present.
func Apply(t *Table, filters ...Filter) (*Table, error) {
	var cols []string
	for _, f := range filters {
		cols = append(cols, f.Columns()...)
	}
	if err := t.Require(cols...); err != nil {
		return nil, err
	}
	keep := make([]bool, len(t.Rows))
	for i := range t.Rows {
		keep[i] = true
		for _, f := range filters {
			if !f.Match(t, i) {
				keep[i] = false
				break
			}
		}
	}
	return t.Subset(keep), nil
}

// SelectionOptions prepends the SelectAll sentinel to values.
func SelectionOptions(values []string) []string {
	out := make([]string, 0, len(values)+1)
	out = append(out, SelectAll)
	for _, v := range values {
		if v != SelectAll {
			out = append(out, v)
		}
	}
	return out
}

// ResolveSelection expands chosen against options. If the sentinel is chosen
// every option is returned; otherwise only chosen values present in options,
// in options order.
func ResolveSelection(options, chosen []string) []string {
	picked := make(map[string]bool, len(chosen))
	for _, c := range chosen {
		if c == SelectAll {
			out := make([]string, 0, len(options))
			for _, o := range options {
				if o != SelectAll {
					out = append(out, o)
				}
			}
			return out
		}
		picked[c] = true
	}
	out := make([]string, 0, len(chosen))
	for _, o := range options {
		if o != SelectAll && picked[o] {
			out = append(out, o)
		}
	}
	return out
}

// HasSelectAll reports whether the sentinel is among chosen.
func HasSelectAll(chosen []string) bool {
	for _, c := range chosen {
		if c == SelectAll {
			return true
		}
	}
	return false
}
