// Package chat forwards the per-session chat transcript to a language-model
// API and records the reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratedash/internal/cache"
	applog "ratedash/internal/log"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	maxMessageLen = 4000
	maxSessions   = 1000
	sessionTTL    = 24 * time.Hour
)

var (
	ErrDisabled     = errors.New("chat is disabled")
	ErrEmptyMessage = errors.New("message is empty")
	ErrTooLong      = fmt.Errorf("message longer than %d characters", maxMessageLen)
)

// DefaultSystemPrompt frames the assistant; the active table and filters are appended per request.
const DefaultSystemPrompt = "You are an assistant for a logistics pricing and e-way bill dashboard. " +
	"Answer questions about freight rates, transporters, vehicle types and e-way bill volumes concisely."

type Message struct {
	Role    Role
	Content string
	At      time.Time
}

// Completer sends an ordered, role-tagged conversation and returns the reply.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type session struct {
	mu         sync.Mutex
	transcript []Message
}

// Service keeps one transcript per browser session.
type Service struct {
	completer Completer
	system    string
	timeout   time.Duration
	sessions  *cache.LRUCache[*session]
	// guards creation so two requests of one session share a transcript
	mu  sync.Mutex
	now func() time.Time
}

// NewService returns a chat service. A nil completer disables chat; a
// positive timeout bounds each completion.
func NewService(completer Completer, systemPrompt string, timeout time.Duration) *Service {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Service{
		completer: completer,
		system:    systemPrompt,
		timeout:   timeout,
		sessions:  cache.NewLRUCache[*session](maxSessions, sessionTTL),
		now:       time.Now,
	}
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.completer != nil
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Sessions exposes the session cache for periodic cleanup.
func (s *Service) Sessions() cache.Cleaner {
	return s.sessions
}

func (s *Service) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions.Get(id); ok {
		return sess
	}
	sess := &session{}
	s.sessions.Set(id, sess)
	return sess
}

// Transcript returns a copy of the session's messages in order.
func (s *Service) Transcript(id string) []Message {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]Message(nil), sess.transcript...)
}

// Reset clears the session's transcript.
func (s *Service) Reset(id string) {
	s.sessions.Delete(id)
}

// Send appends text to the transcript, forwards the whole transcript with a
// system prompt describing dashboardContext, and appends the reply. On
// failure the user message stays in the transcript and the error is returned
// alongside it.
func (s *Service) Send(ctx context.Context, id, text, dashboardContext string) ([]Message, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return s.Transcript(id), ErrEmptyMessage
	}
	if len([]rune(text)) > maxMessageLen {
		return s.Transcript(id), ErrTooLong
	}

	sess := s.session(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.transcript = append(sess.transcript, Message{Role: RoleUser, Content: text, At: s.now()})

	system := s.system
	if dashboardContext != "" {
		system += "\n\nCurrent dashboard view:\n" + dashboardContext
	}
	msgs := make([]Message, 0, len(sess.transcript)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	msgs = append(msgs, sess.transcript...)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	reply, err := s.completer.Complete(ctx, msgs)
	if err != nil {
		slog.ErrorContext(ctx, "Chat completion failed",
			applog.FieldComponent, applog.ComponentChat,
			applog.FieldOperation, applog.OpChat,
			applog.FieldError, err,
			"messages", len(msgs))
		return append([]Message(nil), sess.transcript...), fmt.Errorf("chat completion: %w", err)
	}
	sess.transcript = append(sess.transcript, Message{Role: RoleAssistant, Content: strings.TrimSpace(reply), At: s.now()})

	slog.InfoContext(ctx, "Chat reply received",
		applog.FieldComponent, applog.ComponentChat,
		applog.FieldOperation, applog.OpChat,
		"messages", len(msgs),
		applog.FieldDuration, time.Since(start).Milliseconds())

	return append([]Message(nil), sess.transcript...), nil
}
