package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	goauth "golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"ratedash/internal/core"
	ports "ratedash/internal/sheets"
)

// Target maps a logical table to the tab expected to hold it.
type Target struct {
	Table string
	Sheet string
	// Dates arrive as serial numbers and are normalised to ISO form.
	Dates []string
}

// Options configures a Client.
type Options struct {
	// SpreadsheetID accepts a bare id or a full spreadsheet URL.
	SpreadsheetID   string
	CredentialsJSON []byte
	CredentialsFile string
	Targets         []Target
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	targets       []Target
}

// Ensure interface conformance
var _ ports.WorkbookReader = (*Client)(nil)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID or GOOGLE_SPREADSHEET_URL.
// Credentials: GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS.
func NewFromEnv(ctx context.Context, targets []Target) (*Client, error) {
	id := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if id == "" {
		id = strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_URL"))
	}
	file := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	return New(ctx, Options{
		SpreadsheetID:   id,
		CredentialsJSON: []byte(strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))),
		CredentialsFile: file,
		Targets:         targets,
	})
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, opts Options) (*Client, error) {
	id, err := SpreadsheetID(opts.SpreadsheetID)
	if err != nil {
		return nil, err
	}
	if len(opts.Targets) == 0 {
		return nil, errors.New("no sheets to read")
	}
	svc, err := newSheetsService(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &Client{svc: svc, spreadsheetID: id, targets: opts.Targets}, nil
}

// newSheetsService builds a read-only Sheets service from service account
// credentials, inline JSON taking precedence over a file path.
func newSheetsService(ctx context.Context, opts Options) (*gsheet.Service, error) {
	credentialsJSON := opts.CredentialsJSON
	if len(credentialsJSON) == 0 {
		if opts.CredentialsFile == "" {
			return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
		}
		slog.InfoContext(ctx, "Reading credentials from file", "path", opts.CredentialsFile)
		b, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	}

	creds, err := goauth.CredentialsFromJSON(ctx, credentialsJSON, gsheet.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}

	// Token requests and API calls share the pooled transport.
	pooled := context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())
	httpClient := oauth2.NewClient(pooled, creds.TokenSource)

	service, err := gsheet.NewService(ctx, goption.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	slog.InfoContext(ctx, "Google Sheets service created", "project", creds.ProjectID)
	return service, nil
}

// newHTTPClientWithPooling creates an HTTP client tuned for the Sheets API
// with connection pooling and bounded timeouts.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}

// ReadWorkbook reads every target tab concurrently. The first row of each
// tab is its header.
func (c *Client) ReadWorkbook(ctx context.Context) (core.Workbook, error) {
	if c.svc == nil {
		return core.Workbook{}, errors.New("sheets service not initialized")
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return core.Workbook{}, fmt.Errorf("read spreadsheet %s: %w", c.spreadsheetID, err)
	}
	titles := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			titles = append(titles, s.Properties.Title)
		}
	}

	resolved := resolveSheets(titles, c.targets)
	tables := make([]*core.Table, len(c.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, title := range resolved {
		if title == "" {
			continue
		}
		i, title := i, title
		g.Go(func() error {
			rng := quoteSheet(title)
			resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).
				ValueRenderOption("UNFORMATTED_VALUE").
				DateTimeRenderOption("SERIAL_NUMBER").
				Context(gctx).Do()
			if err != nil {
				return fmt.Errorf("read %s: %w", rng, err)
			}
			t := core.NewTableFromRecords(c.targets[i].Table, toRecords(resp.Values))
			t.NormalizeDates(c.targets[i].Dates...)
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return core.Workbook{}, err
	}

	wb := core.Workbook{Source: "sheets:" + c.spreadsheetID, LoadedAt: time.Now()}
	for _, t := range tables {
		if t != nil {
			wb.Tables = append(wb.Tables, t)
		}
	}
	if wb.Empty() {
		return core.Workbook{}, fmt.Errorf("%w: spreadsheet has no matching tabs", core.ErrTableNotFound)
	}
	return wb, nil
}
