// Package workbook reads uploaded or seeded spreadsheet files into core tables
// and writes filtered tables back out as xlsx.
package workbook

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"ratedash/internal/core"
	"ratedash/internal/layout"
)

// DefaultMaxBytes bounds uploads when no explicit limit is configured.
const DefaultMaxBytes = 10 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	ErrTooLarge          = errors.New("spreadsheet exceeds size limit")
	ErrEmpty             = errors.New("spreadsheet has no worksheets")
)

// Sheet is one worksheet as raw records, header first.
type Sheet struct {
	Name    string
	Records [][]string
}

// Target names a logical table and the worksheet expected to hold it.
type Target struct {
	Table string
	Sheet string
	// Dates are normalised to ISO form after reading.
	Dates []string
}

// Parser turns spreadsheet bytes into a core.Workbook.
type Parser struct {
	Targets  []Target
	MaxBytes int64
}

// NewParser builds a parser for the given table→sheet mapping, in order.
func NewParser(targets []Target, maxBytes int64) *Parser {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Parser{Targets: targets, MaxBytes: maxBytes}
}

// Parse reads a file whose format is inferred from filename's extension.
func (p *Parser) Parse(r io.Reader, filename string) (core.Workbook, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.MaxBytes+1))
	if err != nil {
		return core.Workbook{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > p.MaxBytes {
		return core.Workbook{}, fmt.Errorf("%w (%d bytes)", ErrTooLarge, p.MaxBytes)
	}

	var sheets []Sheet
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".xlsx", ".xlsm":
		sheets, err = ReadXLSX(bytes.NewReader(data))
	case ".xls":
		sheets, err = ReadXLS(bytes.NewReader(data))
	case ".csv":
		var recs [][]string
		recs, err = ReadCSV(bytes.NewReader(data))
		sheets = []Sheet{{Name: strings.TrimSuffix(filepath.Base(filename), ext), Records: recs}}
	default:
		return core.Workbook{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return core.Workbook{}, err
	}
	wb, err := p.Assemble(sheets)
	if err != nil {
		return core.Workbook{}, err
	}
	wb.Source = filepath.Base(filename)
	return wb, nil
}

// Assemble maps worksheets onto the parser's targets. A target is matched by
// sheet name, case-insensitively, and otherwise by position. A single-sheet
// file fills only the first target.
func (p *Parser) Assemble(sheets []Sheet) (core.Workbook, error) {
	if len(sheets) == 0 {
		return core.Workbook{}, ErrEmpty
	}
	wb := core.Workbook{LoadedAt: time.Now()}
	used := make([]bool, len(sheets))
	pending := []int{}
	picked := make([]int, len(p.Targets))
	for i, tg := range p.Targets {
		picked[i] = -1
		for j, s := range sheets {
			if !used[j] && tg.Sheet != "" && strings.EqualFold(strings.TrimSpace(s.Name), strings.TrimSpace(tg.Sheet)) {
				picked[i] = j
				used[j] = true
				break
			}
		}
		if picked[i] < 0 {
			pending = append(pending, i)
		}
	}
	for _, i := range pending {
		if i < len(sheets) && !used[i] {
			picked[i] = i
			used[i] = true
		}
	}
	for i, tg := range p.Targets {
		if picked[i] < 0 {
			continue
		}
		t := core.NewTableFromRecords(tg.Table, sheets[picked[i]].Records)
		t.NormalizeDates(tg.Dates...)
		wb.Tables = append(wb.Tables, t)
	}
	if wb.Empty() {
		return core.Workbook{}, fmt.Errorf("%w: no worksheet matches %s", core.ErrTableNotFound, p.targetNames())
	}
	return wb, nil
}

func (p *Parser) targetNames() string {
	names := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		names[i] = fmt.Sprintf("%s (%q)", t.Table, t.Sheet)
	}
	return strings.Join(names, ", ")
}

// ReadXLSX returns every worksheet of an xlsx document. Cells are read raw so
// date-styled cells come back as serial numbers rather than in whatever
// display format the author picked.
func ReadXLSX(r io.Reader) ([]Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		out = append(out, Sheet{Name: name, Records: rows})
	}
	return out, nil
}

// ReadXLS returns every worksheet of a legacy BIFF workbook.
func ReadXLS(r io.ReadSeeker) ([]Sheet, error) {
	wb, err := xls.OpenReader(r, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	var out []Sheet
	for i := 0; i < wb.NumSheets(); i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		var records [][]string
		for ri := 0; ri <= int(sheet.MaxRow); ri++ {
			row := sheet.Row(ri)
			if row == nil {
				records = append(records, nil)
				continue
			}
			rec := make([]string, row.LastCol())
			for ci := row.FirstCol(); ci < row.LastCol(); ci++ {
				rec[ci] = row.Col(ci)
			}
			records = append(records, rec)
		}
		for len(records) > 0 && records[0] == nil {
			records = records[1:]
		}
		out = append(out, Sheet{Name: sheet.Name, Records: records})
	}
	return out, nil
}

// ReadCSV reads comma-separated records, allowing ragged rows and a UTF-8 BOM.
func ReadCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
	return records, nil
}

// WriteXLSX writes the tables as worksheets of a new xlsx document.
func WriteXLSX(w io.Writer, tables ...*core.Table) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	first := true
	for _, t := range tables {
		name := sheetTitle(t.Name)
		if first {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("rename sheet: %w", err)
			}
			first = false
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("new sheet %q: %w", name, err)
		}
		if err := writeRow(f, name, 1, t.Columns); err != nil {
			return err
		}
		for i, row := range t.Rows {
			if err := writeRow(f, name, i+2, row); err != nil {
				return err
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode xlsx: %w", err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func writeRow(f *excelize.File, sheet string, n int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	vals := make([]any, len(cells))
	for i, c := range cells {
		if d, ok := core.ParseNumber(c); ok {
			v, _ := d.Float64()
			vals[i] = v
			continue
		}
		vals[i] = c
	}
	if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
		return fmt.Errorf("write row %d of %q: %w", n, sheet, err)
	}
	return nil
}

// sheetTitle keeps names within Excel's 31 character limit.
func sheetTitle(name string) string {
	if name == "" {
		name = "Sheet"
	}
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

// Targets derives the table→sheet mapping from a layout.
func Targets(l *layout.Layout) []Target {
	out := make([]Target, 0, len(l.Tables))
	for _, t := range l.Tables {
		out = append(out, Target{Table: t.Name, Sheet: t.Sheet, Dates: t.DateColumns()})
	}
	return out
}

// ParseFile opens and parses a spreadsheet on disk.
func (p *Parser) ParseFile(path string) (core.Workbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.Workbook{}, err
	}
	defer func() { _ = f.Close() }()
	return p.Parse(f, path)
}

// ParseDir loads seed data from dir: workbook.xlsx (or .xls) when present,
// otherwise one <table>.csv per target.
func (p *Parser) ParseDir(dir string) (core.Workbook, error) {
	for _, name := range []string{"workbook.xlsx", "workbook.xls"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return p.ParseFile(path)
		}
	}

	wb := core.Workbook{Source: dir, LoadedAt: time.Now()}
	for _, tg := range p.Targets {
		path := filepath.Join(dir, tg.Table+".csv")
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return core.Workbook{}, err
		}
		records, err := ReadCSV(f)
		_ = f.Close()
		if err != nil {
			return core.Workbook{}, fmt.Errorf("%s: %w", path, err)
		}
		t := core.NewTableFromRecords(tg.Table, records)
		t.NormalizeDates(tg.Dates...)
		wb.Tables = append(wb.Tables, t)
	}
	if wb.Empty() {
		return core.Workbook{}, fmt.Errorf("%w: no seed files in %s", core.ErrTableNotFound, dir)
	}
	return wb, nil
}
