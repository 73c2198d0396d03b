package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ratedash/internal/cache"
	"ratedash/internal/chat"
	applog "ratedash/internal/log"
	"ratedash/internal/middleware/ratelimit"
	"ratedash/internal/middleware/security"
	"ratedash/internal/middleware/trace"
	"ratedash/internal/services"
	appweb "ratedash/web"
)

// Options wires the server to its collaborators.
type Options struct {
	Addr      string
	Logger    *applog.Logger
	Dashboard *services.DashboardService
	// Chat may be nil or disabled; the panel then says so.
	Chat *chat.Service
	// ReadOnly hides and refuses uploads.
	ReadOnly       bool
	MaxUploadBytes int64
	RateLimit      ratelimit.Config
	// CacheCleanup is the period of expired-entry sweeps; zero disables them.
	CacheCleanup time.Duration
}

type Server struct {
	http.Server
	logger         *applog.Logger
	templates      *template.Template
	dashboard      *services.DashboardService
	chat           *chat.Service
	limiter        *ratelimit.Limiter
	detector       *security.Detector
	caches         *cache.Manager
	readOnly       bool
	maxUploadBytes int64
	started        time.Time

	shutdownOnce sync.Once
}

var funcs = template.FuncMap{
	"exportURL": exportURL,
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}

// exportURL builds the download link of a table under the given widget query.
func exportURL(format, table, query string) string {
	u := "/export." + format + "?name=" + url.QueryEscape(table)
	if query != "" {
		u += "&" + query
	}
	return u
}

// NewServer parses the embedded templates, mounts routes and middleware, and
// starts the cache sweeper. Call Shutdown to stop it.
func NewServer(opts Options) (*Server, error) {
	if opts.Dashboard == nil {
		return nil, errors.New("dashboard service is required")
	}
	if opts.Logger == nil {
		opts.Logger = applog.FromContext(context.Background())
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}

	t, err := template.New("").Funcs(funcs).ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		logger:         opts.Logger.WithComponent(applog.ComponentHTTP),
		templates:      t,
		dashboard:      opts.Dashboard,
		chat:           opts.Chat,
		limiter:        ratelimit.NewLimiter(opts.RateLimit),
		detector:       security.NewDetector(),
		caches:         cache.NewManager(),
		readOnly:       opts.ReadOnly,
		maxUploadBytes: opts.MaxUploadBytes,
		started:        time.Now(),
	}

	s.dashboard.RegisterCaches(s.caches)
	if s.chat != nil {
		s.caches.Register("chat_sessions", s.chat.Sessions())
	}
	if opts.CacheCleanup > 0 {
		s.caches.StartCleanup(opts.CacheCleanup)
	}

	mux := http.NewServeMux()
	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("/static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", applog.FieldError, err)
	}

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/healthz", security.NoStore(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/readyz", security.NoStore(http.HandlerFunc(s.handleReady)))
	mux.Handle("/ui/table", security.NoStore(http.HandlerFunc(s.handleTable)))
	mux.Handle("/ui/results", security.NoStore(http.HandlerFunc(s.handleResults)))
	mux.HandleFunc("/charts", s.handleChart)
	mux.HandleFunc("/export.pdf", s.handleExportPDF)
	mux.HandleFunc("/export.xlsx", s.handleExportXLSX)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.Handle("/ui/chat", security.NoStore(http.HandlerFunc(s.handleChatLog)))
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/chat/reset", s.handleChatReset)

	limited := s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusTooManyRequests, "Too many requests. Please try again in a minute.").
			Header("Retry-After", "60").
			Write(w)
	}, http.MethodPost)

	var h http.Handler = mux
	h = limited(h)
	h = security.Headers(security.DefaultHeadersConfig())(h)
	h = s.detector.Middleware(h)
	h = trace.NewMiddleware(opts.Logger, s.detector.ExtractClientIP).Middleware(h)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Shutdown stops the sweepers and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		s.caches.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// render executes a named template into a buffer first so a failure can still
// produce an error status.
func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	s.renderStatus(w, r, http.StatusOK, name, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		applog.NewStructuredLogger(applog.FromContext(r.Context())).
			LogError(r.Context(), "Template execution failed", err, applog.ComponentTemplate, applog.OpRender,
				applog.LogFields{"template": name})
		ErrorResponse(http.StatusInternalServerError, "Could not render the page.").Write(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// fail writes err as an error fragment and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	b := ErrorFor(err)
	if b.statusCode >= http.StatusInternalServerError {
		applog.NewStructuredLogger(applog.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, applog.ComponentHTTP, op, applog.NewFields())
	}
	b.Write(w)
}
