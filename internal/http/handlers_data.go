package http

import (
	"fmt"
	"net/http"
	"strings"

	applog "ratedash/internal/log"
	"ratedash/internal/sheets"
)

// multipart framing allowed on top of the file limit
const multipartOverhead = 1 << 20

// handleUpload replaces the tables carried by an uploaded xlsx, xls or csv file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowedError("POST").Write(w)
		return
	}
	if s.readOnly {
		s.fail(w, r, applog.OpUpload, sheets.ErrReadOnly)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)
	f, filename, err := readUpload(r)
	if err != nil {
		s.fail(w, r, applog.OpUpload, err)
		return
	}
	defer func() {
		_ = f.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	wb, err := s.dashboard.Upload(r.Context(), f, filename)
	if err != nil {
		s.fail(w, r, applog.OpUpload, err)
		return
	}
	SuccessResponse(fmt.Sprintf("Loaded %s: %s", filename, strings.Join(wb.Names(), ", "))).
		TriggerWorkbookUpdated(wb.Source).
		Write(w)
}

// handleRefresh asks the backend to reload its source.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowedError("POST").Write(w)
		return
	}
	if err := s.dashboard.Refresh(r.Context(), "manual"); err != nil {
		s.fail(w, r, applog.OpRefresh, err)
		return
	}
	SuccessResponse("Refresh requested.").
		TriggerWorkbookUpdated("refresh").
		Write(w)
}
