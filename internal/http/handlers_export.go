package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	applog "ratedash/internal/log"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// handleChart serves one chart of a table as SVG or PNG.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowedError("GET").Write(w)
		return
	}
	q := r.URL.Query()
	format, err := parseChartFormat(q.Get("format"))
	if err != nil {
		s.fail(w, r, applog.OpRender, err)
		return
	}
	table := q.Get("table")
	if table == "" {
		table = s.tableName(q)
	}
	b, err := s.dashboard.RenderChart(r.Context(), table, q.Get("chart"), q, format)
	if err != nil {
		s.fail(w, r, applog.OpRender, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func (s *Server) handleExportPDF(w http.ResponseWriter, r *http.Request) {
	s.serveExport(w, r, "pdf", contentTypePDF, s.dashboard.ExportPDF)
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	s.serveExport(w, r, "xlsx", contentTypeXLSX, s.dashboard.ExportXLSX)
}

// serveExport buffers the document so that a failure midway still yields an
// error status instead of a truncated download.
func (s *Server) serveExport(w http.ResponseWriter, r *http.Request, ext, contentType string,
	export func(ctx context.Context, table string, q url.Values, w io.Writer) error) {
	if r.Method != http.MethodGet {
		MethodNotAllowedError("GET").Write(w)
		return
	}
	q := r.URL.Query()
	table := s.tableName(q)

	var buf bytes.Buffer
	if err := export(r.Context(), table, q, &buf); err != nil {
		s.fail(w, r, applog.OpExport, err)
		return
	}
	filename := fmt.Sprintf("%s-%s.%s", table, time.Now().Format("20060102-150405"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}
