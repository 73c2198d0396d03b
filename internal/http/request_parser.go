package http

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"ratedash/internal/chart"
	"ratedash/internal/chat"
	"ratedash/internal/services"
)

const (
	sessionCookie = "ratedash_session"
	uploadField   = "workbook"
	// multipart parts beyond this spill to disk
	uploadMemory = 8 << 20
)

// tableName returns the requested table, or the first table of the layout.
func (s *Server) tableName(values map[string][]string) string {
	if v := values["name"]; len(v) > 0 && strings.TrimSpace(v[0]) != "" {
		return strings.TrimSpace(v[0])
	}
	if names := s.dashboard.Layout().TableNames(); len(names) > 0 {
		return names[0]
	}
	return ""
}

// parseChartFormat accepts svg (default) or png.
func parseChartFormat(s string) (chart.Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(chart.SVG):
		return chart.SVG, nil
	case string(chart.PNG):
		return chart.PNG, nil
	default:
		return "", &services.InputError{Field: "format", Value: s, Reason: "must be svg or png"}
	}
}

// readUpload opens the uploaded workbook of a multipart form. The body must
// already be wrapped in http.MaxBytesReader.
func readUpload(r *http.Request) (multipart.File, string, error) {
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, "", err
		}
		return nil, "", &services.InputError{Field: uploadField, Reason: "expected a multipart upload"}
	}
	f, hdr, err := r.FormFile(uploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", &services.InputError{Field: uploadField, Reason: "choose a file to upload"}
		}
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return f, hdr.Filename, nil
}

// readMessage returns the chat text of a form post.
func readMessage(r *http.Request) string {
	return sanitizeInput(r.PostForm.Get("message"))
}

// sanitizeInput removes control characters except tab and newlines, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

// sessionID returns the chat session of the browser, issuing a cookie when
// it has none.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := chat.NewSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	return id
}

// existingSession returns the session id without issuing one.
func existingSession(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

