package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Agg names an aggregation over a numeric column.
type Agg string

const (
	AggCount Agg = "count"
	AggSum   Agg = "sum"
	AggMean  Agg = "mean"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
)

// ParseAgg validates an aggregation name. Empty means count.
func ParseAgg(s string) (Agg, error) {
	switch a := Agg(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return AggCount, nil
	case AggCount, AggSum, AggMean, AggMin, AggMax:
		return a, nil
	case "avg", "average":
		return AggMean, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", s)
	}
}

// Stats accumulates the numeric summary of a set of values.
type Stats struct {
	Count int
	Sum   decimal.Decimal
	Min   decimal.Decimal
	Max   decimal.Decimal
	// Rows counts every row in the group, numeric or not.
	Rows int
}

func (s *Stats) add(v decimal.Decimal) {
	if s.Count == 0 || v.LessThan(s.Min) {
		s.Min = v
	}
	if s.Count == 0 || v.GreaterThan(s.Max) {
		s.Max = v
	}
	s.Sum = s.Sum.Add(v)
	s.Count++
}

// Mean returns the arithmetic mean rounded to two places, or zero for no values.
func (s Stats) Mean() decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return s.Sum.DivRound(decimal.NewFromInt(int64(s.Count)), 2)
}

// Value returns the statistic named by agg. Count reports rows so it works
// without a numeric measure.
func (s Stats) Value(agg Agg) decimal.Decimal {
	switch agg {
	case AggSum:
		return s.Sum
	case AggMean:
		return s.Mean()
	case AggMin:
		return s.Min
	case AggMax:
		return s.Max
	default:
		return decimal.NewFromInt(int64(s.Rows))
	}
}

// Group is one row of a grouped summary.
type Group struct {
	Key   string
	Stats Stats
}

// GroupBy groups t by groupCol and summarises measureCol. An empty
// measureCol only counts rows. Groups are returned in key order.
func GroupBy(t *Table, groupCol, measureCol string) ([]Group, error) {
	if err := t.Require(groupCol, measureCol); err != nil {
		return nil, err
	}
	byKey := map[string]*Stats{}
	for i := range t.Rows {
		key := t.Value(i, groupCol)
		if key == "" {
			key = "(blank)"
		}
		st, ok := byKey[key]
		if !ok {
			st = &Stats{}
			byKey[key] = st
		}
		st.Rows++
		if measureCol == "" {
			continue
		}
		if v, ok := t.Decimal(i, measureCol); ok {
			st.add(v)
		}
	}
	out := make([]Group, 0, len(byKey))
	for k, st := range byKey {
		out = append(out, Group{Key: k, Stats: *st})
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out, nil
}

// Metric summarises col over the whole table.
func Metric(t *Table, col string, agg Agg) (decimal.Decimal, error) {
	if err := t.Require(col); err != nil {
		return decimal.Zero, err
	}
	var st Stats
	for i := range t.Rows {
		st.Rows++
		if col == "" {
			continue
		}
		if v, ok := t.Decimal(i, col); ok {
			st.add(v)
		}
	}
	if agg != AggCount && st.Count == 0 {
		return decimal.Zero, ErrNoRows
	}
	return st.Value(agg), nil
}

// Point is one x/y pair of a chart series. Label carries the category or
// formatted date; X is set for time and numeric axes.
type Point struct {
	Label string
	X     float64
	Time  time.Time
	Y     float64
}

// Series aggregates yCol per distinct xCol. Date x values are bucketed by
// day and returned chronologically; others in key order.
func Series(t *Table, xCol, yCol string, agg Agg) ([]Point, error) {
	if err := t.Require(xCol, yCol); err != nil {
		return nil, err
	}
	isDate := t.Len() > 0
	for i := range t.Rows {
		if _, ok := t.Time(i, xCol); !ok && t.Value(i, xCol) != "" {
			isDate = false
			break
		}
	}
	if !isDate {
		groups, err := GroupBy(t, xCol, yCol)
		if err != nil {
			return nil, err
		}
		out := make([]Point, 0, len(groups))
		for _, g := range groups {
			y, _ := g.Stats.Value(agg).Float64()
			out = append(out, Point{Label: g.Key, Y: y})
		}
		return out, nil
	}

	byDay := map[time.Time]*Stats{}
	for i := range t.Rows {
		d, ok := t.Time(i, xCol)
		if !ok {
			continue
		}
		d = Day(d)
		st, ok := byDay[d]
		if !ok {
			st = &Stats{}
			byDay[d] = st
		}
		st.Rows++
		if yCol == "" {
			continue
		}
		if v, ok := t.Decimal(i, yCol); ok {
			st.add(v)
		}
	}
	out := make([]Point, 0, len(byDay))
	for d, st := range byDay {
		y, _ := st.Value(agg).Float64()
		out = append(out, Point{Label: d.Format("2006-01-02"), Time: d, X: float64(d.Unix()), Y: y})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Points returns the raw numeric pairs of xCol/yCol, skipping rows where
// either cell is not a number.
func Points(t *Table, xCol, yCol string) ([]Point, error) {
	if err := t.Require(xCol, yCol); err != nil {
		return nil, err
	}
	out := make([]Point, 0, t.Len())
	for i := range t.Rows {
		x, okx := t.Decimal(i, xCol)
		y, oky := t.Decimal(i, yCol)
		if !okx || !oky {
			continue
		}
		xf, _ := x.Float64()
		yf, _ := y.Float64()
		out = append(out, Point{Label: t.Value(i, xCol), X: xf, Y: yf})
	}
	return out, nil
}

// lessKey orders numeric keys numerically (years) and everything else lexically.
func lessKey(a, b string) bool {
	da, oka := ParseNumber(a)
	db, okb := ParseNumber(b)
	if oka && okb {
		return da.LessThan(db)
	}
	if oka != okb {
		return oka
	}
	return a < b
}
