package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type recordingCompleter struct {
	mu    sync.Mutex
	calls [][]Message
	reply string
	err   error
}

func (r *recordingCompleter) Complete(_ context.Context, msgs []Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]Message(nil), msgs...))
	return r.reply, r.err
}

func roles(msgs []Message) []Role {
	out := make([]Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestSendForwardsWholeTranscript(t *testing.T) {
	rc := &recordingCompleter{reply: " Trucks are cheapest. "}
	svc := NewService(rc, "", 0)
	id := NewSessionID()

	_, err := svc.Send(context.Background(), id, "Which vehicle is cheapest?", "table: pricing")
	require.NoError(t, err)
	rc.reply = "Delhi to Mumbai."
	got, err := svc.Send(context.Background(), id, "Which lane?", "table: pricing")
	require.NoError(t, err)

	want := []Message{
		{Role: RoleUser, Content: "Which vehicle is cheapest?"},
		{Role: RoleAssistant, Content: "Trucks are cheapest."},
		{Role: RoleUser, Content: "Which lane?"},
		{Role: RoleAssistant, Content: "Delhi to Mumbai."},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Message{}, "At")); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, rc.calls, 2)
	second := rc.calls[1]
	assert.Equal(t, []Role{RoleSystem, RoleUser, RoleAssistant, RoleUser}, roles(second))
	assert.Contains(t, second[0].Content, DefaultSystemPrompt)
	assert.Contains(t, second[0].Content, "table: pricing")
}

func TestSendKeepsUserMessageOnError(t *testing.T) {
	rc := &recordingCompleter{err: errors.New("quota exceeded")}
	svc := NewService(rc, "custom prompt", time.Second)

	got, err := svc.Send(context.Background(), "s1", "hello", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	require.Len(t, got, 1)
	assert.Equal(t, RoleUser, got[0].Role)
	assert.Equal(t, "custom prompt", rc.calls[0][0].Content)
	assert.Len(t, svc.Transcript("s1"), 1)
}

func TestSendValidation(t *testing.T) {
	_, err := NewService(nil, "", 0).Send(context.Background(), "s", "hi", "")
	assert.ErrorIs(t, err, ErrDisabled)

	svc := NewService(&recordingCompleter{reply: "ok"}, "", 0)
	_, err = svc.Send(context.Background(), "s", "   ", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = svc.Send(context.Background(), "s", strings.Repeat("x", maxMessageLen+1), "")
	assert.ErrorIs(t, err, ErrTooLong)
	assert.Empty(t, svc.Transcript("s"))
}

func TestSessionsAreIsolatedAndResettable(t *testing.T) {
	svc := NewService(&recordingCompleter{reply: "ok"}, "", 0)
	_, _ = svc.Send(context.Background(), "a", "one", "")
	_, _ = svc.Send(context.Background(), "b", "two", "")

	assert.Len(t, svc.Transcript("a"), 2)
	assert.Len(t, svc.Transcript("b"), 2)
	svc.Reset("a")
	assert.Empty(t, svc.Transcript("a"))
	assert.Len(t, svc.Transcript("b"), 2)
	assert.NotEqual(t, NewSessionID(), NewSessionID())
}

func TestOpenAIClientComplete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Rates look stable. "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "test-model"})
	reply, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Rates look stable.", reply)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, []openAIMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, got.Messages)
}

func TestOpenAIClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"api error body", http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`, "status 401: invalid api key"},
		{"plain error body", http.StatusBadGateway, `upstream down`, "status 502: upstream down"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no completion returned"},
		{"bad json", http.StatusOK, `{`, "failed to parse response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := NewOpenAIClient(OpenAIConfig{}).Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "API key not configured")
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	})
	assert.Equal(t, "sys", system)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "a1", contents[1].Parts[0].Text)
	assert.Equal(t, string(genai.RoleUser), contents[2].Role)
}

func TestNewCompleter(t *testing.T) {
	c, err := NewCompleter(context.Background(), ProviderConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewCompleter(context.Background(), ProviderConfig{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	_, err = NewCompleter(context.Background(), ProviderConfig{Provider: "gemini"})
	assert.Error(t, err)

	_, err = NewCompleter(context.Background(), ProviderConfig{Provider: "claude"})
	assert.Error(t, err)
}
