package google

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var urlIDRe = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetID extracts the id from a spreadsheet URL, or returns a bare id unchanged.
func SpreadsheetID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if m := urlIDRe.FindStringSubmatch(ref); m != nil {
		return m[1], nil
	}
	if strings.Contains(ref, "/") {
		return "", fmt.Errorf("not a spreadsheet URL: %q", ref)
	}
	return ref, nil
}

// resolveSheets picks a tab title per target: exact name first (case-insensitive),
// then the tab at the target's position. An empty target sheet means the
// first tab. Unresolved targets get "".
func resolveSheets(titles []string, targets []Target) []string {
	out := make([]string, len(targets))
	used := make([]bool, len(titles))
	for i, tg := range targets {
		want := strings.TrimSpace(tg.Sheet)
		if want == "" {
			continue
		}
		for j, title := range titles {
			if !used[j] && strings.EqualFold(strings.TrimSpace(title), want) {
				out[i] = title
				used[j] = true
				break
			}
		}
	}
	for i, tg := range targets {
		if out[i] != "" {
			continue
		}
		pos := i
		if strings.TrimSpace(tg.Sheet) == "" {
			pos = 0
		}
		if pos < len(titles) && !used[pos] {
			out[i] = titles[pos]
			used[pos] = true
		}
	}
	return out
}

func quoteSheet(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

// toRecords stringifies an unformatted values matrix the way a spreadsheet
// shows it: integral numbers without decimals, booleans as TRUE/FALSE.
func toRecords(values [][]interface{}) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		rec := make([]string, len(row))
		for j, v := range row {
			rec[j] = cellString(v)
		}
		out[i] = rec
	}
	return out
}

func cellString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
