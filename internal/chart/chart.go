// Package chart renders dashboard charts as SVG (for the page) or PNG (for
// the PDF report). Pie, line and bar charts use go-chart; scatter plots use
// gonum/plot.
package chart

import (
	"errors"
	"fmt"
	"html"
	"image/color"
	"io"
	"math"
	"time"

	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"ratedash/internal/core"
	"ratedash/internal/layout"
)

// Format is the output encoding of a rendered chart.
type Format string

const (
	SVG Format = "svg"
	PNG Format = "png"
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == PNG {
		return "image/png"
	}
	return "image/svg+xml"
}

const (
	DefaultWidth  = 640
	DefaultHeight = 360
)

var ErrUnknownKind = errors.New("unknown chart kind")

// Spec describes one chart to draw.
type Spec struct {
	Kind   string
	Title  string
	XLabel string
	YLabel string
	Width  int
	Height int
}

func (s Spec) size() (int, int) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// Render draws points as spec.Kind. Empty input, or input a chart of that
// kind cannot show, is rendered as a "No data" placeholder rather than an
// error.
func Render(w io.Writer, spec Spec, points []core.Point, format Format) error {
	switch spec.Kind {
	case layout.ChartPie:
		return renderPie(w, spec, points, format)
	case layout.ChartBar:
		return renderBar(w, spec, points, format)
	case layout.ChartLine:
		return renderLine(w, spec, points, format)
	case layout.ChartScatter:
		return renderScatter(w, spec, points, format)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}

func provider(f Format) gochart.RendererProvider {
	if f == PNG {
		return gochart.PNG
	}
	return gochart.SVG
}

func renderPie(w io.Writer, spec Spec, points []core.Point, format Format) error {
	values := make([]gochart.Value, 0, len(points))
	for _, p := range points {
		// Slices must be positive to have an area.
		if p.Y <= 0 || math.IsNaN(p.Y) {
			continue
		}
		values = append(values, gochart.Value{Label: p.Label, Value: p.Y})
	}
	if len(values) == 0 {
		return noData(w, spec, format)
	}
	width, height := spec.size()
	pie := gochart.PieChart{
		Title:  spec.Title,
		Width:  width,
		Height: height,
		Values: values,
	}
	return pie.Render(provider(format), w)
}

func renderBar(w io.Writer, spec Spec, points []core.Point, format Format) error {
	if len(points) == 0 {
		return noData(w, spec, format)
	}
	width, height := spec.size()
	bars := make([]gochart.Value, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		bars[i] = gochart.Value{
			Label: p.Label,
			Value: p.Y,
			Style: gochart.Style{
				FillColor:   gochart.GetDefaultColor(i),
				StrokeColor: gochart.GetDefaultColor(i),
			},
		}
		ys[i] = p.Y
	}
	barWidth := (width - 120) / len(bars) * 2 / 3
	if barWidth < 4 {
		barWidth = 4
	}
	if barWidth > 60 {
		barWidth = 60
	}
	lo, hi := bounds(ys)
	yr := &gochart.ContinuousRange{Min: math.Min(0, lo), Max: hi * 1.1}
	if yr.Max <= yr.Min {
		yr.Max = yr.Min + 1
	}
	bc := gochart.BarChart{
		Title:    spec.Title,
		Width:    width,
		Height:   height,
		BarWidth: barWidth,
		Background: gochart.Style{
			Padding: gochart.Box{Top: 40, Left: 16, Right: 16, Bottom: 60},
		},
		XAxis: gochart.Style{
			TextRotationDegrees: rotation(len(bars)),
		},
		YAxis: gochart.YAxis{
			Name:  spec.YLabel,
			Range: yr,
		},
		Bars: bars,
	}
	return bc.Render(provider(format), w)
}

func rotation(n int) float64 {
	if n > 6 {
		return 45
	}
	return 0
}

func renderLine(w io.Writer, spec Spec, points []core.Point, format Format) error {
	if len(points) == 0 {
		return noData(w, spec, format)
	}
	width, height := spec.size()
	style := gochart.Style{
		StrokeColor: gochart.ColorBlue,
		StrokeWidth: 2,
		DotColor:    gochart.ColorBlue,
		DotWidth:    3,
	}
	ys := make([]float64, len(points))
	for i, p := range points {
		ys[i] = p.Y
	}

	ch := gochart.Chart{
		Title:  spec.Title,
		Width:  width,
		Height: height,
		Background: gochart.Style{
			Padding: gochart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16},
		},
		YAxis: gochart.YAxis{Name: spec.YLabel, Range: flatRange(ys)},
	}

	if !points[0].Time.IsZero() {
		times := make([]time.Time, len(points))
		for i, p := range points {
			times[i] = p.Time
		}
		ch.Series = []gochart.Series{gochart.TimeSeries{Name: spec.YLabel, XValues: times, YValues: ys, Style: style}}
		ch.XAxis = gochart.XAxis{
			Name:           spec.XLabel,
			ValueFormatter: gochart.TimeValueFormatterWithFormat("2006-01-02"),
		}
		if len(times) == 1 {
			ch.XAxis.Range = &gochart.ContinuousRange{
				Min: gochart.TimeToFloat64(times[0].Add(-24 * time.Hour)),
				Max: gochart.TimeToFloat64(times[0].Add(24 * time.Hour)),
			}
		}
		return ch.Render(provider(format), w)
	}

	// Categorical x axis: plot by position and label the ticks.
	xs := make([]float64, len(points))
	ticks := make([]gochart.Tick, len(points))
	for i, p := range points {
		xs[i] = float64(i)
		ticks[i] = gochart.Tick{Value: float64(i), Label: p.Label}
	}
	ch.Series = []gochart.Series{gochart.ContinuousSeries{Name: spec.YLabel, XValues: xs, YValues: ys, Style: style}}
	ch.XAxis = gochart.XAxis{
		Name:  spec.XLabel,
		Ticks: ticks,
		Range: &gochart.ContinuousRange{Min: -0.5, Max: float64(len(points)) - 0.5},
	}
	return ch.Render(provider(format), w)
}

// flatRange returns an explicit y range when every value is equal, which
// go-chart otherwise rejects as a zero-delta range.
func flatRange(ys []float64) gochart.Range {
	lo, hi := bounds(ys)
	if hi > lo {
		return nil
	}
	pad := math.Abs(lo) / 10
	if pad == 0 {
		pad = 1
	}
	return &gochart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 0) {
		return 0, 0
	}
	return lo, hi
}

func renderScatter(w io.Writer, spec Spec, points []core.Point, format Format) error {
	xys := make(plotter.XYs, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: p.X, Y: p.Y})
	}
	if len(xys) == 0 {
		return noData(w, spec, format)
	}

	p := plot.New()
	p.Title.Text = spec.Title
	p.X.Label.Text = spec.XLabel
	p.Y.Label.Text = spec.YLabel

	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return fmt.Errorf("scatter: %w", err)
	}
	sc.GlyphStyle.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	sc.GlyphStyle.Radius = vg.Points(3)
	p.Add(plotter.NewGrid(), sc)

	width, height := spec.size()
	wt, err := p.WriterTo(vg.Points(float64(width)*0.75), vg.Points(float64(height)*0.75), string(format))
	if err != nil {
		return fmt.Errorf("scatter: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// noData draws an empty frame with the chart title and a "No data" caption.
func noData(w io.Writer, spec Spec, format Format) error {
	width, height := spec.size()
	if format == PNG {
		r, err := gochart.PNG(width, height)
		if err != nil {
			return err
		}
		r.SetFillColor(drawing.ColorWhite)
		r.MoveTo(0, 0)
		r.LineTo(width, 0)
		r.LineTo(width, height)
		r.LineTo(0, height)
		r.Close()
		r.Fill()
		font, err := gochart.GetDefaultFont()
		if err != nil {
			return err
		}
		r.SetFont(font)
		r.SetFontColor(gochart.ColorAlternateGray)
		r.SetFontSize(14)
		r.Text(spec.Title, 16, 28)
		r.Text("No data", width/2-28, height/2)
		return r.Save(w)
	}
	_, err := fmt.Fprintf(w, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+
		`<rect width="100%%" height="100%%" fill="#ffffff" stroke="#dddddd"/>`+
		`<text x="16" y="28" font-family="sans-serif" font-size="14" fill="#333333">%s</text>`+
		`<text x="50%%" y="50%%" text-anchor="middle" font-family="sans-serif" font-size="16" fill="#999999">No data</text>`+
		`</svg>`,
		width, height, width, height, html.EscapeString(spec.Title))
	return err
}
