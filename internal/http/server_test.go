package http

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/goleak"

	"ratedash/internal/chat"
	"ratedash/internal/core"
	"ratedash/internal/layout"
	applog "ratedash/internal/log"
	"ratedash/internal/middleware/ratelimit"
	"ratedash/internal/middleware/trace"
	"ratedash/internal/services"
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

// syncBuffer guards a bytes.Buffer shared by concurrent log writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fixtureWorkbook() core.Workbook {
	return core.Workbook{
		Source:   "fixture",
		LoadedAt: time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC),
		Tables: []*core.Table{
			core.NewTableFromRecords(core.TablePricing, pricingRecords),
			core.NewTableFromRecords(core.TableEwayBills, ewayRecords),
		},
	}
}

// fakeCompleter records the conversations it is sent.
type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]chat.Message
	reply string
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []chat.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]chat.Message(nil), msgs...))
	return f.reply, f.err
}

func (f *fakeCompleter) last() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type failingSource struct{ *memory.Store }

func (failingSource) ReadWorkbook(context.Context) (core.Workbook, error) {
	return core.Workbook{}, errors.New("sheets api unavailable")
}

type testServer struct {
	*Server
	completer *fakeCompleter
}

func newTestServer(t *testing.T, src services.Source, mutate func(*Options)) testServer {
	t.Helper()
	l, err := layout.Default()
	require.NoError(t, err)
	if src == nil {
		src = memory.New(fixtureWorkbook())
	}
	completer := &fakeCompleter{reply: "Alpha is the cheapest transporter."}
	opts := Options{
		Addr:           ":0",
		Dashboard:      services.NewDashboardService(src, l, services.Options{CacheTTL: time.Minute}),
		Chat:           chat.NewService(completer, "", time.Second),
		MaxUploadBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return testServer{Server: srv, completer: completer}
}

func (ts testServer) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rr, r)
	return rr
}

func (ts testServer) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, httptest.NewRequest(http.MethodGet, target, nil))
}

func postForm(target string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(uploadField, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	r := httptest.NewRequest(http.MethodPost, "/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestIndexRendersTabsAndPanel(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.get(t, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, want := range []string{
		"Logistics Pricing",
		"E-Way Bills",
		`name="f.origin"`,
		`name="f.transporter.set"`,
		`name="f.date.from"`,
		`name="f.price.min"`,
		`/export.pdf?name=pricing`,
		`/charts?table=pricing&amp;chart=vehicle-mix`,
		`4 of 4 rows match`,
		`hx-encoding="multipart/form-data"`,
	} {
		assert.Contains(t, body, want)
	}
	assert.NotEmpty(t, rr.Header().Get(trace.HeaderRequestID))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestIndexSelectsTab(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.get(t, "/?name=eway_bills&f.state=Gujarat&f.state.set=1")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `name="f.state"`)
	assert.Contains(t, body, "1 of 3 rows match")
	assert.Contains(t, body, `aria-current="page">E-Way Bills`)
}

func TestIndexNotFoundAndMethods(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/nope").Code)

	rr := ts.do(t, httptest.NewRequest(http.MethodDelete, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET, HEAD", rr.Header().Get("Allow"))
}

func TestIndexWithoutData(t *testing.T) {
	ts := newTestServer(t, memory.New(core.Workbook{}), nil)

	rr := ts.get(t, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "No data loaded yet")
}

func TestResults(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "select filter",
			target:     "/ui/results?name=pricing&f.origin=Delhi",
			wantStatus: http.StatusOK,
			wantBody:   []string{"2 of 4 rows match", "Origin: Delhi", "f.origin=Delhi"},
		},
		{
			name:       "emptied multiselect",
			target:     "/ui/results?name=pricing&f.transporter.set=1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"0 of 4 rows match", "Transporter: (none)", "No rows match"},
		},
		{
			name:       "bad date",
			target:     "/ui/results?name=pricing&f.date.from=01/02/2024",
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   []string{`class="error"`, "YYYY-MM-DD"},
		},
		{
			name:       "reversed price range",
			target:     "/ui/results?name=pricing&f.price.min=2000&f.price.max=100",
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   []string{"maximum is below minimum"},
		},
		{
			name:       "unknown table",
			target:     "/ui/table?name=nope",
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   []string{"table not found"},
		},
		{
			name:       "full panel",
			target:     "/ui/table?name=eway_bills",
			wantStatus: http.StatusOK,
			wantBody:   []string{`id="filters"`, `id="results"`, "Total e-way bills", "330.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.get(t, tt.target)
			assert.Equal(t, tt.wantStatus, rr.Code)
			for _, want := range tt.wantBody {
				assert.Contains(t, rr.Body.String(), want)
			}
		})
	}
}

func TestCharts(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.get(t, "/charts?table=pricing&chart=vehicle-mix&f.origin=Delhi")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/svg+xml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "<svg")

	rr = ts.get(t, "/charts?table=pricing&chart=transporter-price&format=png")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")))

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/charts?table=pricing&chart=nope").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.get(t, "/charts?table=pricing&chart=vehicle-mix&format=gif").Code)
}

func TestExports(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.get(t, "/export.xlsx?name=pricing&f.origin=Delhi")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, contentTypeXLSX, rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `attachment; filename="pricing-`)

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(f.GetSheetList()[0])
	require.NoError(t, err)
	assert.Len(t, rows, 3, "header plus the two Delhi rows")

	rr = ts.get(t, "/export.pdf?name=eway_bills")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, contentTypePDF, rr.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("%PDF")))

	rr = ts.get(t, "/export.pdf?name=pricing&f.date.to=bad")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Empty(t, rr.Header().Get("Content-Disposition"))
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	csv := "Date,Origin,Destination,Vehicle Type,Transporter,Price\n2024-03-01,Pune,Goa,Van,Delta,700\n"
	rr := ts.do(t, uploadRequest(t, "Pricing.csv", []byte(csv)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "Loaded Pricing.csv")
	assert.Contains(t, rr.Header().Get("HX-Trigger"), EventWorkbookUpdated)

	body := ts.get(t, "/ui/results?name=pricing").Body.String()
	assert.Contains(t, body, "1 of 1 rows match")
	body = ts.get(t, "/ui/results?name=eway_bills").Body.String()
	assert.Contains(t, body, "3 of 3 rows match", "tables missing from the upload are kept")
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name       string
		src        services.Source
		readOnly   bool
		filename   string
		content    string
		wantStatus int
		wantBody   string
	}{
		{"unsupported format", nil, false, "rates.pdf", "%PDF", http.StatusUnprocessableEntity, "unsupported spreadsheet format"},
		{"missing columns", nil, false, "Pricing.csv", "Origin,Price\nDelhi,10\n", http.StatusUnprocessableEntity, "missing required columns"},
		{"read-only source", nil, true, "Pricing.csv", "a\n1\n", http.StatusUnprocessableEntity, "uploads are disabled"},
		{"too large", nil, false, "Pricing.csv", strings.Repeat("x", 3<<20), http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.src, func(o *Options) { o.ReadOnly = tt.readOnly })
			rr := ts.do(t, uploadRequest(t, tt.filename, []byte(tt.content)))
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantBody)
			assert.Empty(t, rr.Header().Get("HX-Trigger"))
		})
	}

	ts := newTestServer(t, nil, nil)
	r := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("x"))
	r.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(t, r).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.get(t, "/upload").Code)
}

func TestReadOnlyHidesUpload(t *testing.T) {
	ts := newTestServer(t, nil, func(o *Options) { o.ReadOnly = true })
	assert.NotContains(t, ts.get(t, "/").Body.String(), `hx-post="/upload"`)
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("HX-Trigger"), EventWorkbookUpdated)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.get(t, "/refresh").Code)
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, postForm("/chat", url.Values{
		"message":  {"Which transporter is cheapest?"},
		"name":     {"pricing"},
		"f.origin": {"Delhi"},
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "Which transporter is cheapest?")
	assert.Contains(t, rr.Body.String(), "Alpha is the cheapest transporter.")

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	sent := ts.completer.last()
	require.Len(t, sent, 2)
	assert.Equal(t, chat.RoleSystem, sent[0].Role)
	assert.Contains(t, sent[0].Content, "Origin: Delhi")
	assert.Contains(t, sent[0].Content, "2 of 4 rows match")

	// The follow-up carries the whole transcript.
	r := postForm("/chat", url.Values{"message": {"And the dearest?"}, "name": {"pricing"}})
	r.AddCookie(cookies[0])
	require.Equal(t, http.StatusOK, ts.do(t, r).Code)
	assert.Len(t, ts.completer.last(), 4)

	r = httptest.NewRequest(http.MethodGet, "/ui/chat", nil)
	r.AddCookie(cookies[0])
	assert.Contains(t, ts.do(t, r).Body.String(), "And the dearest?")

	r = httptest.NewRequest(http.MethodPost, "/chat/reset", nil)
	r.AddCookie(cookies[0])
	rr = ts.do(t, r)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, EventChatReset, rr.Header().Get("HX-Trigger"))
	assert.NotContains(t, rr.Body.String(), "And the dearest?")
}

func TestChatErrors(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.do(t, postForm("/chat", url.Values{"message": {"   "}}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "message is empty")

	ts.completer.err = errors.New("insufficient_quota: You exceeded your current quota")
	rr = ts.do(t, postForm("/chat", url.Values{"message": {"hello"}}))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "insufficient_quota: You exceeded your current quota")
	assert.Contains(t, rr.Body.String(), "hello", "the question stays in the transcript")

	ts.completer.err = context.DeadlineExceeded
	rr = ts.do(t, postForm("/chat", url.Values{"message": {"again"}}))
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Contains(t, rr.Body.String(), "context deadline exceeded")
}

func TestRequestLogsNameOneComponent(t *testing.T) {
	var buf syncBuffer
	logger := applog.New(applog.Config{Handler: slog.NewTextHandler(&buf, nil)})
	ts := newTestServer(t, nil, func(o *Options) { o.Logger = logger })
	ts.completer.err = errors.New("model overloaded")

	ts.do(t, postForm("/chat", url.Values{"message": {"hello"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var sawAccess, sawChat bool
	for _, line := range lines {
		if !strings.Contains(line, "request_id=") {
			continue
		}
		assert.Equal(t, 1, strings.Count(line, "component="), line)
		switch {
		case strings.Contains(line, "HTTP request"):
			sawAccess = true
			assert.Contains(t, line, "component=http")
		case strings.Contains(line, "Chat completion failed"):
			sawChat = true
			assert.Contains(t, line, "component=chat")
		}
	}
	assert.True(t, sawAccess, buf.String())
	assert.True(t, sawChat, buf.String())
}

func TestChatDisabled(t *testing.T) {
	ts := newTestServer(t, nil, func(o *Options) { o.Chat = nil })

	assert.Contains(t, ts.get(t, "/ui/chat").Body.String(), "Chat is not configured")
	assert.NotContains(t, ts.get(t, "/").Body.String(), `id="chat-form"`)

	rr := ts.do(t, postForm("/chat", url.Values{"message": {"hello"}}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHealthAndReady(t *testing.T) {
	tests := []struct {
		name      string
		src       services.Source
		wantReady int
		wantData  string
	}{
		{"loaded", nil, http.StatusOK, `"data":"ok"`},
		{"empty store", memory.New(core.Workbook{}), http.StatusOK, `"data":"empty"`},
		{"failing source", failingSource{memory.New(core.Workbook{})}, http.StatusServiceUnavailable, "sheets api unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.src, nil)
			assert.Equal(t, http.StatusOK, ts.get(t, "/healthz").Code)
			rr := ts.get(t, "/readyz")
			assert.Equal(t, tt.wantReady, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantData)
		})
	}
}

func TestPostRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, func(o *Options) { o.RateLimit = ratelimit.Config{RequestsPerMinute: 1} })

	assert.Equal(t, http.StatusOK, ts.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil)).Code)
	rr := ts.do(t, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	results := ts.get(t, "/ui/results?name=pricing")
	assert.Equal(t, http.StatusOK, results.Code, "reads are not limited")
	assert.Equal(t, "no-store", results.Header().Get("Cache-Control"))
	assert.Contains(t, ts.get(t, "/healthz").Body.String(), `"rate_limited":1`)
}

func TestStaticAssets(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rr := ts.get(t, "/static/app.js")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "htmx:beforeSwap")
	assert.Contains(t, rr.Header().Get("Cache-Control"), "max-age=3600")
}

func TestShutdownStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, err := layout.Default()
	require.NoError(t, err)
	srv, err := NewServer(Options{
		Dashboard:    services.NewDashboardService(memory.New(fixtureWorkbook()), l, services.Options{}),
		CacheCleanup: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestNewServerRequiresDashboard(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
