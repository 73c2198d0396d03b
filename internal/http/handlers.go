package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"ratedash/internal/core"
	applog "ratedash/internal/log"
	"ratedash/internal/services"
)

type (
	tab struct {
		Name   string
		Title  string
		Active bool
	}

	// panel is one table's widgets and results. Error replaces the results
	// when the view could not be built.
	panel struct {
		services.TableView
		Error    string
		ReadOnly bool
	}

	page struct {
		Tabs     []tab
		Panel    panel
		Chat     chatPanel
		ReadOnly bool
	}
)

func (s *Server) panel(ctx context.Context, name string, q url.Values) (panel, int) {
	v, err := s.dashboard.View(ctx, name, q)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			applog.NewStructuredLogger(applog.FromContext(ctx)).
				LogError(ctx, "Table view failed", err, applog.ComponentDashboard, applog.OpFilter,
					applog.NewFields().WithTable(name, 0, 0))
		}
		v.Name = name
		return panel{TableView: v, Error: MessageFor(err), ReadOnly: s.readOnly}, status
	}
	return panel{TableView: v, ReadOnly: s.readOnly}, http.StatusOK
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		ErrorResponse(http.StatusNotFound, "page not found").Write(w)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		MethodNotAllowedError("GET, HEAD").Write(w)
		return
	}

	q := r.URL.Query()
	name := s.tableName(q)
	p := page{ReadOnly: s.readOnly, Chat: chatPanel{Enabled: s.chat.Enabled()}}
	p.Panel, _ = s.panel(r.Context(), name, q)

	l := s.dashboard.Layout()
	for _, n := range l.TableNames() {
		lt, _ := l.Table(n)
		p.Tabs = append(p.Tabs, tab{Name: n, Title: lt.DisplayTitle(), Active: n == name})
	}
	s.render(w, r, "index.html", p)
}

// handleTable renders the whole panel of a table: widgets and results.
func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	s.servePanel(w, r, "table_panel")
}

// handleResults renders only the results, for widget changes.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.servePanel(w, r, "table_results")
}

func (s *Server) servePanel(w http.ResponseWriter, r *http.Request, tmpl string) {
	if r.Method != http.MethodGet {
		MethodNotAllowedError("GET").Write(w)
		return
	}
	q := r.URL.Query()
	p, status := s.panel(r.Context(), s.tableName(q), q)
	if status != http.StatusOK {
		ErrorResponse(status, p.Error).Write(w)
		return
	}
	s.render(w, r, tmpl, p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"requests": map[string]int64{
			"rate_limited": s.limiter.Hits(),
			"suspicious":   s.detector.Suspicious(),
			"clients":      int64(s.limiter.ActiveClients()),
		},
	})
}

// handleReady reports whether the data source can serve a workbook.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := "ready"
	code := http.StatusOK
	checks := map[string]string{"templates": "ok", "data": "ok"}
	err := s.dashboard.Ready(ctx)
	switch {
	case errors.Is(err, core.ErrNoRows):
		// An empty store still accepts uploads.
		checks["data"] = "empty"
	case err != nil:
		checks["data"] = "failed: " + err.Error()
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}
