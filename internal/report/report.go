// Package report renders a filtered dashboard table as a PDF document.
package report

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	"ratedash/internal/core"
)

const (
	pageMargin = 10.0
	rowHeight  = 6.0
	fontFamily = "Helvetica"
)

// Metric is one headline value.
type Metric struct {
	Label string
	Value string
}

// Summary is a small grouped table printed above the rows.
type Summary struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// Image is a pre-rendered PNG chart.
type Image struct {
	Title string
	PNG   []byte
}

// Report is everything printed for one table panel.
type Report struct {
	Title     string
	Source    string
	Generated time.Time
	Filters   []string
	Metrics   []Metric
	Summaries []Summary
	Charts    []Image
	Table     *core.Table
}

// WritePDF writes r as a landscape A4 PDF.
func WritePDF(w io.Writer, r Report) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(r.Title, true)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AliasNbPages("")
	tr := translator(pdf)

	pdf.SetFooterFunc(func() {
		pdf.SetY(-10)
		pdf.SetFont(fontFamily, "I", 8)
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, tr(r.Title), "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 9)
	generated := r.Generated
	if generated.IsZero() {
		generated = time.Now()
	}
	meta := "Generated " + generated.Format("2006-01-02 15:04")
	if r.Source != "" {
		meta += "  |  Source: " + r.Source
	}
	pdf.CellFormat(0, 5, tr(meta), "", 1, "L", false, 0, "")

	filters := "Filters: none"
	if len(r.Filters) > 0 {
		filters = "Filters: " + strings.Join(r.Filters, "; ")
	}
	pdf.MultiCell(0, 5, tr(filters), "", "L", false)
	pdf.Ln(2)

	if len(r.Metrics) > 0 {
		writeMetrics(pdf, tr, r.Metrics)
	}
	for _, s := range r.Summaries {
		writeGrid(pdf, tr, s.Title, s.Columns, s.Rows)
	}
	if len(r.Charts) > 0 {
		if err := writeCharts(pdf, tr, r.Charts); err != nil {
			return err
		}
	}
	if r.Table != nil {
		pdf.AddPage()
		writeGrid(pdf, tr, fmt.Sprintf("Rows (%d)", r.Table.Len()), r.Table.Columns, rowsOf(r.Table))
	}

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("build pdf: %w", err)
	}
	return pdf.Output(w)
}

// translator maps UTF-8 to the core font encoding. The rupee sign has no
// cp1252 glyph and is spelled out.
func translator(pdf *gofpdf.Fpdf) func(string) string {
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	return func(s string) string {
		return tr(strings.ReplaceAll(s, "₹", "Rs."))
	}
}

func writeMetrics(pdf *gofpdf.Fpdf, tr func(string) string, metrics []Metric) {
	width := contentWidth(pdf) / float64(len(metrics))
	pdf.SetFillColor(240, 244, 248)
	pdf.SetFont(fontFamily, "", 8)
	for _, m := range metrics {
		pdf.CellFormat(width, 5, tr(m.Label), "LTR", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont(fontFamily, "B", 12)
	for _, m := range metrics {
		pdf.CellFormat(width, 8, tr(m.Value), "LBR", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.Ln(3)
}

func writeGrid(pdf *gofpdf.Fpdf, tr func(string) string, title string, columns []string, rows [][]string) {
	if len(columns) == 0 {
		return
	}
	pdf.SetFont(fontFamily, "B", 11)
	pdf.CellFormat(0, 7, tr(title), "", 1, "L", false, 0, "")

	width := contentWidth(pdf) / float64(len(columns))
	header := func() {
		pdf.SetFont(fontFamily, "B", 8)
		pdf.SetFillColor(52, 73, 94)
		pdf.SetTextColor(255, 255, 255)
		for _, c := range columns {
			pdf.CellFormat(width, rowHeight, fit(pdf, tr(c), width), "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont(fontFamily, "", 8)
	}
	header()

	_, pageH := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for i, row := range rows {
		if pdf.GetY()+rowHeight > pageH-bottom-8 {
			pdf.AddPage()
			header()
		}
		fill := i%2 == 1
		pdf.SetFillColor(247, 247, 247)
		for j := range columns {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			pdf.CellFormat(width, rowHeight, fit(pdf, tr(cell), width), "1", 0, "L", fill, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(3)
}

func writeCharts(pdf *gofpdf.Fpdf, tr func(string) string, charts []Image) error {
	pdf.AddPage()
	const perRow = 2
	width := (contentWidth(pdf) - 6) / perRow
	height := width * 9 / 16
	x0, y := pdf.GetX(), pdf.GetY()
	for i, c := range charts {
		if len(c.PNG) == 0 {
			continue
		}
		col := i % perRow
		if col == 0 && i > 0 {
			y += height + 10
			_, pageH := pdf.GetPageSize()
			if y+height > pageH-pageMargin-8 {
				pdf.AddPage()
				y = pdf.GetY()
			}
		}
		x := x0 + float64(col)*(width+6)
		name := fmt.Sprintf("chart-%d", i)
		opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(c.PNG))
		if err := pdf.Error(); err != nil {
			return fmt.Errorf("chart %q: %w", c.Title, err)
		}
		pdf.SetXY(x, y)
		pdf.SetFont(fontFamily, "B", 9)
		pdf.CellFormat(width, 5, tr(c.Title), "", 0, "L", false, 0, "")
		pdf.ImageOptions(name, x, y+5, width, height, false, opts, 0, "")
	}
	pdf.SetXY(x0, y+height+10)
	return nil
}

func contentWidth(pdf *gofpdf.Fpdf) float64 {
	w, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	return w - left - right
}

// fit truncates an already translated, single-byte encoded s with an
// ellipsis so it fits in width.
func fit(pdf *gofpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func rowsOf(t *core.Table) [][]string {
	out := make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r
	}
	return out
}
