package services

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ratedash/internal/core"
	"ratedash/internal/layout"
)

const (
	keyPrefix = "f."
	dateForm  = "2006-01-02"
)

// InputError reports widget state that cannot be turned into a filter.
type InputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%q)", e.Field, e.Reason, e.Value)
}

type (
	// Option is one choice of a select or multiselect widget.
	Option struct {
		Value    string
		Selected bool
	}

	// Widget is the rendered state of one layout filter.
	Widget struct {
		Key    string
		Label  string
		Column string
		Kind   string

		Options []Option

		// Date and number ranges: the chosen bounds, empty when open, and
		// the column's extent.
		From  string
		To    string
		Lower string
		Upper string
	}

	// Selection is the outcome of applying widget state to a table.
	Selection struct {
		Widgets []Widget
		Filters []core.Filter
		// Active describes each filter that restricts rows, e.g. "Origin: Delhi".
		Active []string
	}
)

// Key returns the query-string key of a layout filter.
func Key(f layout.Filter) string {
	return keyPrefix + f.Slug()
}

// Select turns query state into widgets and filters for t. Widgets whose
// column is optional and absent are skipped. Missing state falls back to
// the widget default: the sentinel, every option, or the column's extent.
func Select(lt layout.Table, t *core.Table, q url.Values) (Selection, error) {
	var sel Selection
	for _, f := range lt.Filters {
		if !t.HasColumn(f.Column) {
			if lt.IsRequired(f.Column) {
				return Selection{}, t.Require(f.Column)
			}
			continue
		}
		w := Widget{Key: Key(f), Label: f.DisplayLabel(), Column: f.Column, Kind: f.Widget}
		var (
			filter core.Filter
			active string
			err    error
		)
		switch f.Widget {
		case layout.WidgetSelect:
			filter, active = selectOne(f, t, q, &w)
		case layout.WidgetMultiSelect:
			filter, active = selectMany(f, t, q, &w)
		case layout.WidgetDateRange:
			filter, active, err = dateRange(f, t, q, &w)
		case layout.WidgetRange:
			filter, active, err = numberRange(f, t, q, &w)
		default:
			err = &InputError{Field: f.DisplayLabel(), Value: f.Widget, Reason: "unknown widget"}
		}
		if err != nil {
			return Selection{}, err
		}
		sel.Widgets = append(sel.Widgets, w)
		if filter != nil {
			sel.Filters = append(sel.Filters, filter)
		}
		if active != "" {
			sel.Active = append(sel.Active, active)
		}
	}
	return sel, nil
}

func selectOne(f layout.Filter, t *core.Table, q url.Values, w *Widget) (core.Filter, string) {
	values := t.Distinct(f.Column)
	options := values
	if f.IncludeAll {
		options = core.SelectionOptions(values)
	}

	// Stale or unknown values fall back to the default option.
	chosen := strings.TrimSpace(q.Get(w.Key))
	if !slices.Contains(options, chosen) {
		chosen = ""
	}
	if chosen == "" && len(options) > 0 {
		chosen = options[0]
	}

	for _, o := range options {
		w.Options = append(w.Options, Option{Value: o, Selected: o == chosen})
	}
	if chosen == "" || chosen == core.SelectAll {
		return nil, ""
	}
	return core.EqualsFilter{Column: f.Column, Value: chosen}, f.DisplayLabel() + ": " + chosen
}

func selectMany(f layout.Filter, t *core.Table, q url.Values, w *Widget) (core.Filter, string) {
	values := t.Distinct(f.Column)
	options := values
	if f.IncludeAll {
		options = core.SelectionOptions(values)
	}

	var chosen []string
	for _, v := range q[w.Key] {
		if v = strings.TrimSpace(v); v != "" {
			chosen = append(chosen, v)
		}
	}
	// The form posts a marker so that an emptied multiselect is told apart
	// from one never touched.
	if len(chosen) == 0 && q.Get(w.Key+".set") == "" {
		chosen = []string{core.SelectAll}
	}

	all := core.HasSelectAll(chosen)
	picked := core.ResolveSelection(options, chosen)
	in := make(map[string]bool, len(picked))
	for _, p := range picked {
		in[p] = true
	}
	for _, o := range options {
		sel := in[o]
		if o == core.SelectAll {
			sel = all
		}
		w.Options = append(w.Options, Option{Value: o, Selected: sel})
	}

	if all {
		return nil, ""
	}
	desc := strings.Join(picked, ", ")
	if desc == "" {
		desc = "(none)"
	}
	return core.InFilter{Column: f.Column, Values: picked}, f.DisplayLabel() + ": " + desc
}

func dateRange(f layout.Filter, t *core.Table, q url.Values, w *Widget) (core.Filter, string, error) {
	lo, hi, ok := t.DateBounds(f.Column)
	if ok {
		w.Lower, w.Upper = lo.Format(dateForm), hi.Format(dateForm)
	}
	from, err := parseDay(f, q.Get(w.Key+".from"))
	if err != nil {
		return nil, "", err
	}
	to, err := parseDay(f, q.Get(w.Key+".to"))
	if err != nil {
		return nil, "", err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, "", &InputError{Field: f.DisplayLabel(), Value: to.Format(dateForm), Reason: "end date is before start date"}
	}

	if !from.IsZero() {
		w.From = from.Format(dateForm)
	}
	if !to.IsZero() {
		w.To = to.Format(dateForm)
	}
	if from.IsZero() && to.IsZero() {
		return nil, "", nil
	}
	return core.DateRangeFilter{Column: f.Column, From: from, To: to},
		fmt.Sprintf("%s: %s to %s", f.DisplayLabel(), orOpen(w.From), orOpen(w.To)), nil
}

func parseDay(f layout.Filter, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(dateForm, s)
	if err != nil {
		return time.Time{}, &InputError{Field: f.DisplayLabel(), Value: s, Reason: "expected a date as YYYY-MM-DD"}
	}
	return d, nil
}

func numberRange(f layout.Filter, t *core.Table, q url.Values, w *Widget) (core.Filter, string, error) {
	if lo, err := core.Metric(t, f.Column, core.AggMin); err == nil {
		w.Lower = lo.String()
	}
	if hi, err := core.Metric(t, f.Column, core.AggMax); err == nil {
		w.Upper = hi.String()
	}
	lo, err := parseBound(f, q.Get(w.Key+".min"))
	if err != nil {
		return nil, "", err
	}
	hi, err := parseBound(f, q.Get(w.Key+".max"))
	if err != nil {
		return nil, "", err
	}
	if lo != nil && hi != nil && hi.LessThan(*lo) {
		return nil, "", &InputError{Field: f.DisplayLabel(), Value: hi.String(), Reason: "maximum is below minimum"}
	}

	if lo != nil {
		w.From = lo.String()
	}
	if hi != nil {
		w.To = hi.String()
	}
	if lo == nil && hi == nil {
		return nil, "", nil
	}
	return core.NumberRangeFilter{Column: f.Column, Min: lo, Max: hi},
		fmt.Sprintf("%s: %s to %s", f.DisplayLabel(), orOpen(w.From), orOpen(w.To)), nil
}

func parseBound(f layout.Filter, s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, ok := core.ParseNumber(s)
	if !ok {
		return nil, &InputError{Field: f.DisplayLabel(), Value: s, Reason: "expected a number"}
	}
	return &d, nil
}

func orOpen(s string) string {
	if s == "" {
		return "any"
	}
	return s
}

// QueryFromArgs builds widget query state from "column=value" pairs. Select
// widgets take a value (repeat the pair for a multiselect); date and number
// ranges take "from..to" with either side optional.
func QueryFromArgs(lt layout.Table, args []string) (url.Values, error) {
	q := url.Values{}
	for _, arg := range args {
		col, val, ok := strings.Cut(arg, "=")
		col, val = strings.TrimSpace(col), strings.TrimSpace(val)
		if !ok || col == "" {
			return nil, &InputError{Field: "filter", Value: arg, Reason: "expected column=value"}
		}
		f, found := filterFor(lt, col)
		if !found {
			return nil, &InputError{Field: "filter", Value: col, Reason: "no such filter in table " + lt.Name}
		}
		key := Key(f)
		switch f.Widget {
		case layout.WidgetDateRange, layout.WidgetRange:
			lo, hi, isRange := strings.Cut(val, "..")
			if !isRange {
				lo, hi = val, val
			}
			suffixLo, suffixHi := ".from", ".to"
			if f.Widget == layout.WidgetRange {
				suffixLo, suffixHi = ".min", ".max"
			}
			if lo != "" {
				q.Set(key+suffixLo, lo)
			}
			if hi != "" {
				q.Set(key+suffixHi, hi)
			}
		case layout.WidgetMultiSelect:
			q.Add(key, val)
			q.Set(key+".set", "1")
		default:
			q.Set(key, val)
		}
	}
	return q, nil
}

func filterFor(lt layout.Table, col string) (layout.Filter, bool) {
	for _, f := range lt.Filters {
		if strings.EqualFold(f.Column, col) || f.Slug() == strings.ToLower(col) {
			return f, true
		}
	}
	return layout.Filter{}, false
}
