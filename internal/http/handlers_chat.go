package http

import (
	"net/http"

	"ratedash/internal/chat"
	applog "ratedash/internal/log"
)

type chatPanel struct {
	Enabled  bool
	Messages []chat.Message
	Error    string
}

func (s *Server) chatPanel(id string) chatPanel {
	p := chatPanel{Enabled: s.chat.Enabled()}
	if p.Enabled && id != "" {
		p.Messages = s.chat.Transcript(id)
	}
	return p
}

// handleChat sends one message with the active table and widget state as
// context, and renders the updated transcript.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowedError("POST").Write(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		ErrorResponse(http.StatusBadRequest, "invalid request format").Write(w)
		return
	}
	id := sessionID(w, r)
	text := readMessage(r)
	table := s.tableName(r.PostForm)

	summary, err := s.dashboard.Describe(r.Context(), table, r.PostForm)
	if err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Chat without dashboard context",
			applog.FieldComponent, applog.ComponentChat,
			applog.FieldTable, table,
			applog.FieldError, err)
		summary = "The dashboard could not describe table " + table + ": " + MessageFor(err)
	}

	msgs, err := s.chat.Send(r.Context(), id, text, summary)
	p := chatPanel{Enabled: s.chat.Enabled(), Messages: msgs}
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			applog.NewStructuredLogger(applog.FromContext(r.Context())).
				LogError(r.Context(), "Chat completion failed", err, applog.ComponentChat, applog.OpChat, applog.NewFields())
		}
		// Provider errors (quota, auth, model) are shown as returned.
		p.Error = MessageFor(err)
		s.renderStatus(w, r, status, "chat_log", p)
		return
	}
	s.render(w, r, "chat_log", p)
}

// handleChatReset clears the transcript of the browser's session.
func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowedError("POST").Write(w)
		return
	}
	if id := existingSession(r); id != "" && s.chat.Enabled() {
		s.chat.Reset(id)
	}
	w.Header().Set("HX-Trigger", EventChatReset)
	s.render(w, r, "chat_log", chatPanel{Enabled: s.chat.Enabled()})
}

func (s *Server) handleChatLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowedError("GET").Write(w)
		return
	}
	s.render(w, r, "chat_log", s.chatPanel(existingSession(r)))
}
