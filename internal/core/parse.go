// Package core provides the tabular model shared by sources, filters and views.
//
// This file contains the tolerant cell parsers used for numeric and date
// columns. Spreadsheet cells arrive as text in many shapes (thousands
// separators, currency prefixes, day-first dates, Excel serial numbers).
package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseError describes a value for Column that could not be read as Kind.
type ParseError struct {
	Column string
	Value  string
	Kind   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: cannot parse %q as %s", e.Column, e.Value, e.Kind)
}

var currencyPrefixes = []string{"₹", "rs.", "rs", "inr", "$", "€"}

// ParseNumber reads a spreadsheet cell as a decimal.
//
// Accepted: "1250", "1,250.50", "₹ 1,250", "Rs. 1250", "4.5". Blank cells and
// anything else return ok=false.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	lower := strings.ToLower(s)
	for _, p := range currencyPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006",
	"02-01-2006",
	"2/1/2006",
	"2006/01/02",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2-Jan-2006",
}

// excelEpoch is the day before serial 1 in the 1900 date system, adjusted for
// the fictitious 29 Feb 1900.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const (
	minSerial = 20000   // 1954-10-03
	maxSerial = 2958465 // 9999-12-31
)

// ParseDate reads a spreadsheet cell as a calendar date (UTC).
//
// Slash and dash dates are day-first. Plain numbers in the serial range
// [minSerial, maxSerial] are taken as Excel serial dates, so bare years such
// as "2023" are never read as dates.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= minSerial && f <= maxSerial {
		days := math.Floor(f)
		frac := f - days
		t := excelEpoch.AddDate(0, 0, int(days)).Add(time.Duration(frac * float64(24*time.Hour))).Round(time.Second)
		return t, true
	}
	return time.Time{}, false
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatNumber renders d with at most two decimals and thousands separators.
func FormatNumber(d decimal.Decimal) string {
	neg := d.IsNegative()
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if frac != "00" {
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		return "-" + out
	}
	return out
}
