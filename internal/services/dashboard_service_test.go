package services

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ratedash/internal/chart"
	"ratedash/internal/core"
	"ratedash/internal/layout"
	"ratedash/internal/sheets"
	"ratedash/internal/sheets/memory"
)

var pricingRecords = [][]string{
	{"Date", "Origin", "Destination", "Vehicle Type", "Transporter", "Price", "Rating"},
	{"2024-01-01", "Delhi", "Mumbai", "Truck", "Alpha", "1000", "4.5"},
	{"2024-01-02", "Delhi", "Pune", "Van", "Beta", "500", "3.9"},
	{"2024-01-03", "Chennai", "Mumbai", "Truck", "Alpha", "1,500", "4.1"},
	{"2024-01-04", "Kolkata", "Delhi", "Trailer", "Gamma", "₹2500", "4.8"},
}

var ewayRecords = [][]string{
	{"State", "Year", "E-Way Bills"},
	{"Maharashtra", "2022", "100"},
	{"Maharashtra", "2023", "150"},
	{"Gujarat", "2023", "80"},
}

type countingSource struct {
	*memory.Store
	reads     atomic.Int32
	refreshes atomic.Int32
}

func (c *countingSource) ReadWorkbook(ctx context.Context) (core.Workbook, error) {
	c.reads.Add(1)
	return c.Store.ReadWorkbook(ctx)
}

func (c *countingSource) RequestRefresh(context.Context, string) error {
	c.refreshes.Add(1)
	return nil
}

type readOnlySource struct {
	*countingSource
}

func (readOnlySource) ReplaceWorkbook(context.Context, core.Workbook) error {
	return sheets.ErrReadOnly
}

func fixture(t *testing.T, opts Options) (*DashboardService, *countingSource) {
	t.Helper()
	l, err := layout.Default()
	require.NoError(t, err)
	src := &countingSource{Store: memory.New(core.Workbook{
		Source:   "fixture",
		LoadedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Tables: []*core.Table{
			core.NewTableFromRecords(core.TablePricing, pricingRecords),
			core.NewTableFromRecords(core.TableEwayBills, ewayRecords),
		},
	})}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	return NewDashboardService(src, l, opts), src
}

func TestViewFiltering(t *testing.T) {
	cases := []struct {
		name    string
		table   string
		query   string
		matched int
		active  []string
	}{
		{"defaults", core.TablePricing, "", 4, nil},
		{"single value", core.TablePricing, "f.origin=Delhi", 2, []string{"Origin: Delhi"}},
		{"select all sentinel", core.TablePricing, "f.origin=All", 4, nil},
		{"unknown value falls back to all", core.TablePricing, "f.origin=Goa", 4, nil},
		{"two filters", core.TablePricing, "f.origin=Delhi&f.vehicle-type=Van", 1, []string{"Origin: Delhi", "Vehicle Type: Van"}},
		{"multiselect", core.TablePricing, "f.transporter=Alpha&f.transporter=Gamma", 3, []string{"Transporter: Alpha, Gamma"}},
		{"multiselect with sentinel", core.TablePricing, "f.transporter=All&f.transporter=Beta", 4, nil},
		{"emptied multiselect", core.TablePricing, "f.transporter.set=1", 0, []string{"Transporter: (none)"}},
		{"date range inclusive", core.TablePricing, "f.date.from=2024-01-02&f.date.to=2024-01-03", 2, []string{"Date range: 2024-01-02 to 2024-01-03"}},
		{"open date range", core.TablePricing, "f.date.from=2024-01-04", 1, []string{"Date range: 2024-01-04 to any"}},
		{"price range", core.TablePricing, "f.price.min=1000&f.price.max=1500", 2, []string{"Price range: 1000 to 1500"}},
		{"eway multiselect", core.TableEwayBills, "f.year=2023", 2, []string{"Year: 2023"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := fixture(t, Options{})
			q, err := url.ParseQuery(tc.query)
			require.NoError(t, err)

			v, err := svc.View(context.Background(), tc.table, q)
			require.NoError(t, err)
			assert.Equal(t, tc.matched, v.Matched)
			assert.Len(t, v.Rows, tc.matched)
			if diff := cmp.Diff(tc.active, v.Active); diff != "" {
				t.Errorf("active filters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestViewInputErrors(t *testing.T) {
	for _, query := range []string{
		"f.date.from=02/01/2024",
		"f.date.from=2024-01-03&f.date.to=2024-01-01",
		"f.price.min=cheap",
		"f.price.min=900&f.price.max=100",
	} {
		t.Run(query, func(t *testing.T) {
			svc, _ := fixture(t, Options{})
			q, _ := url.ParseQuery(query)
			_, err := svc.View(context.Background(), core.TablePricing, q)
			var inputErr *InputError
			assert.True(t, errors.As(err, &inputErr), "got %v", err)
		})
	}
}

func TestViewWidgets(t *testing.T) {
	svc, _ := fixture(t, Options{})
	q, _ := url.ParseQuery("f.origin=Chennai")
	v, err := svc.View(context.Background(), core.TablePricing, q)
	require.NoError(t, err)

	byKey := map[string]Widget{}
	for _, w := range v.Widgets {
		byKey[w.Key] = w
	}
	origin := byKey["f.origin"]
	require.NotEmpty(t, origin.Options)
	assert.Equal(t, core.SelectAll, origin.Options[0].Value)
	for _, o := range origin.Options {
		assert.Equal(t, o.Value == "Chennai", o.Selected, o.Value)
	}

	date := byKey["f.date"]
	assert.Equal(t, "2024-01-01", date.Lower)
	assert.Equal(t, "2024-01-04", date.Upper)
	assert.Empty(t, date.From, "an untouched range stays open")
	assert.Empty(t, date.To)

	price := byKey["f.price"]
	assert.Equal(t, "500", price.Lower)
	assert.Equal(t, "2500", price.Upper)

	transporter := byKey["f.transporter"]
	for _, o := range transporter.Options {
		assert.True(t, o.Selected, "default multiselect selects %s", o.Value)
	}
}

func TestViewOptionalColumnsAreSkipped(t *testing.T) {
	svc, _ := fixture(t, Options{})
	v, err := svc.View(context.Background(), core.TablePricing, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Date", "Origin", "Destination", "Vehicle Type", "Transporter", "Price", "Rating"}, v.Columns)

	e, err := svc.View(context.Background(), core.TableEwayBills, nil)
	require.NoError(t, err)
	require.Len(t, e.Metrics, 1)
	assert.Equal(t, "Total e-way bills", e.Metrics[0].Label)
	assert.Equal(t, "330.00", e.Metrics[0].Value)
}

func TestViewMissingRequiredColumns(t *testing.T) {
	l, err := layout.Default()
	require.NoError(t, err)
	src := memory.New(core.Workbook{Tables: []*core.Table{
		core.NewTableFromRecords(core.TableEwayBills, [][]string{{"Region", "Year"}, {"West", "2023"}}),
	}})
	svc := NewDashboardService(src, l, Options{})

	_, err = svc.View(context.Background(), core.TableEwayBills, nil)
	var missing *core.MissingColumnsError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, []string{"State", "E-Way Bills"}, missing.Missing)

	_, err = svc.View(context.Background(), core.TablePricing, nil)
	assert.ErrorIs(t, err, core.ErrTableNotFound)
	_, err = svc.View(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, core.ErrTableNotFound)
}

func TestViewSummariesAndMetrics(t *testing.T) {
	svc, _ := fixture(t, Options{})
	v, err := svc.View(context.Background(), core.TablePricing, nil)
	require.NoError(t, err)

	require.NotEmpty(t, v.Metrics)
	assert.Equal(t, "Shipments", v.Metrics[0].Label)
	assert.Equal(t, "4", v.Metrics[0].Value)

	require.NotEmpty(t, v.Summaries)
	byVehicle := v.Summaries[0]
	assert.Equal(t, []string{"Vehicle Type", "Count", "Mean Price", "Min Price", "Max Price"}, byVehicle.Columns)
	assert.Equal(t, [][]string{
		{"Trailer", "1", "2,500.00", "2,500.00", "2,500.00"},
		{"Truck", "2", "1,250.00", "1,000.00", "1,500.00"},
		{"Van", "1", "500.00", "500.00", "500.00"},
	}, byVehicle.Rows)

	require.Len(t, v.Charts, 4)
	assert.Equal(t, "/charts?table=pricing&chart=price-trend", v.Charts[0].URL)
}

func TestViewTruncatesRows(t *testing.T) {
	svc, _ := fixture(t, Options{MaxDisplayRows: 2})
	v, err := svc.View(context.Background(), core.TablePricing, nil)
	require.NoError(t, err)
	assert.Len(t, v.Rows, 2)
	assert.True(t, v.Truncated)
	assert.Equal(t, 4, v.Matched)
}

func TestViewQueryKeepsWidgetKeysOnly(t *testing.T) {
	svc, _ := fixture(t, Options{})
	q := url.Values{"f.origin": {"Delhi"}, "name": {"pricing"}}
	v, err := svc.View(context.Background(), core.TablePricing, q)
	require.NoError(t, err)
	assert.Equal(t, "f.origin=Delhi", v.Query)
	assert.Contains(t, v.Charts[0].URL, "&f.origin=Delhi")
}

func TestWorkbookIsCached(t *testing.T) {
	svc, src := fixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.View(ctx, core.TablePricing, nil)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, src.reads.Load())

	svc.Invalidate()
	_, err := svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.reads.Load())
}

func TestRefreshPurgesCache(t *testing.T) {
	svc, src := fixture(t, Options{})
	ctx := context.Background()
	_, err := svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Refresh(ctx, "manual"))
	assert.EqualValues(t, 1, src.refreshes.Load())

	_, err = svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.reads.Load())
}

// snapshotSource serves a workbook that a background writer replaces after a
// refresh request, bumping the version as a new snapshot would.
type snapshotSource struct {
	*countingSource
	version atomic.Int64
}

func (s *snapshotSource) Version(context.Context) (string, error) {
	return strconv.FormatInt(s.version.Load(), 10), nil
}

func (s *snapshotSource) publish(t *testing.T, wb core.Workbook) {
	t.Helper()
	require.NoError(t, s.Store.ReplaceWorkbook(context.Background(), wb))
	s.version.Add(1)
}

func TestCachedWorkbookFollowsSourceVersion(t *testing.T) {
	base, src := fixture(t, Options{})
	snap := &snapshotSource{countingSource: src}
	svc := NewDashboardService(snap, base.Layout(), Options{CacheTTL: time.Hour})
	ctx := context.Background()

	v, err := svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	require.Equal(t, 4, v.Matched)

	// The refresh is asynchronous: the panel reloads before the new snapshot exists.
	require.NoError(t, svc.Refresh(ctx, "manual"))
	_, err = svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	_, err = svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.reads.Load(), "an unchanged version is served from cache")
	chartBefore, err := svc.RenderChart(ctx, core.TablePricing, "vehicle-mix", nil, chart.SVG)
	require.NoError(t, err)

	snap.publish(t, core.Workbook{Source: "sheets:refreshed", Tables: []*core.Table{
		core.NewTableFromRecords(core.TablePricing, pricingRecords[:2]),
		core.NewTableFromRecords(core.TableEwayBills, ewayRecords),
	}})

	v, err = svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Matched, "the worker's snapshot is visible without waiting for the TTL")
	assert.Equal(t, "sheets:refreshed", v.Source)
	assert.EqualValues(t, 3, src.reads.Load())

	chartAfter, err := svc.RenderChart(ctx, core.TablePricing, "vehicle-mix", nil, chart.SVG)
	require.NoError(t, err)
	assert.NotEqual(t, chartBefore, chartAfter, "charts are re-rendered for the new snapshot")
}

func TestUploadReplacesTablesItCarries(t *testing.T) {
	svc, _ := fixture(t, Options{})
	ctx := context.Background()
	csv := "Date,Origin,Destination,Vehicle Type,Price\n2024-03-01,Agra,Jaipur,Van,700\n"

	wb, err := svc.Upload(ctx, strings.NewReader(csv), "pricing.csv")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{core.TablePricing, core.TableEwayBills}, wb.Names())

	v, err := svc.View(ctx, core.TablePricing, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Matched)
	assert.Equal(t, "pricing.csv", v.Source)

	e, err := svc.View(ctx, core.TableEwayBills, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Matched)
}

func TestUploadRejections(t *testing.T) {
	ctx := context.Background()

	svc, _ := fixture(t, Options{})
	_, err := svc.Upload(ctx, strings.NewReader("Origin,Price\nDelhi,10\n"), "pricing.csv")
	var missing *core.MissingColumnsError
	assert.True(t, errors.As(err, &missing), "got %v", err)

	_, err = svc.Upload(ctx, strings.NewReader("x"), "notes.txt")
	assert.Error(t, err)

	l, _ := layout.Default()
	base, _ := fixture(t, Options{})
	ro := NewDashboardService(readOnlySource{base.source.(*countingSource)}, l, Options{})
	csv := "Date,Origin,Destination,Vehicle Type,Price\n2024-03-01,Agra,Jaipur,Van,700\n"
	_, err = ro.Upload(ctx, strings.NewReader(csv), "pricing.csv")
	assert.ErrorIs(t, err, sheets.ErrReadOnly)
}

func TestRenderChart(t *testing.T) {
	svc, src := fixture(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"price-trend", "vehicle-mix", "transporter-price", "rating-price"} {
		b, err := svc.RenderChart(ctx, core.TablePricing, id, nil, chart.SVG)
		require.NoError(t, err, id)
		assert.Contains(t, string(b), "<svg", id)
	}
	reads := src.reads.Load()

	first, err := svc.RenderChart(ctx, core.TablePricing, "vehicle-mix", url.Values{"f.origin": {"Delhi"}}, chart.SVG)
	require.NoError(t, err)
	again, err := svc.RenderChart(ctx, core.TablePricing, "vehicle-mix", url.Values{"f.origin": {"Delhi"}}, chart.SVG)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, reads, src.reads.Load())

	_, err = svc.RenderChart(ctx, core.TablePricing, "nope", nil, chart.SVG)
	assert.ErrorIs(t, err, ErrUnknownChart)
}

func TestExports(t *testing.T) {
	svc, _ := fixture(t, Options{})
	ctx := context.Background()
	q := url.Values{"f.origin": {"Delhi"}}

	var pdf bytes.Buffer
	require.NoError(t, svc.ExportPDF(ctx, core.TablePricing, q, &pdf))
	assert.True(t, bytes.HasPrefix(pdf.Bytes(), []byte("%PDF")))

	var xlsx bytes.Buffer
	require.NoError(t, svc.ExportXLSX(ctx, core.TablePricing, q, &xlsx))
	f, err := excelize.OpenReader(&xlsx)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetList()[0])
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, pricingRecords[0], rows[0])
}

func TestDescribe(t *testing.T) {
	svc, _ := fixture(t, Options{})
	text, err := svc.Describe(context.Background(), core.TablePricing, url.Values{"f.origin": {"Delhi"}})
	require.NoError(t, err)
	assert.Contains(t, text, "Table: Logistics Pricing (2 of 4 rows match)")
	assert.Contains(t, text, "Filters: Origin: Delhi")
	assert.Contains(t, text, "Average price: 750.00")
	assert.Contains(t, text, "First 2 rows")
}

func TestQueryFromArgs(t *testing.T) {
	l, err := layout.Default()
	require.NoError(t, err)
	lt, _ := l.Table(core.TablePricing)

	cases := []struct {
		name    string
		args    []string
		want    url.Values
		wantErr bool
	}{
		{"select", []string{"Origin=Delhi"}, url.Values{"f.origin": {"Delhi"}}, false},
		{"slug and multiselect", []string{"transporter=Alpha", "Transporter=Beta"},
			url.Values{"f.transporter": {"Alpha", "Beta"}, "f.transporter.set": {"1"}}, false},
		{"date range", []string{"Date=2024-01-01..2024-01-31"},
			url.Values{"f.date.from": {"2024-01-01"}, "f.date.to": {"2024-01-31"}}, false},
		{"open number range", []string{"Price=..900"}, url.Values{"f.price.max": {"900"}}, false},
		{"single day", []string{"Date=2024-01-02"},
			url.Values{"f.date.from": {"2024-01-02"}, "f.date.to": {"2024-01-02"}}, false},
		{"missing equals", []string{"Origin"}, nil, true},
		{"unknown column", []string{"Colour=red"}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := QueryFromArgs(lt, tc.args)
			if tc.wantErr {
				var inputErr *InputError
				assert.True(t, errors.As(err, &inputErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
