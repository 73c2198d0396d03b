package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextLoggerKeepsOneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Component: ComponentApp, Handler: slog.NewTextHandler(&buf, nil)}).With(FieldRequestID, "req_1")
	ctx := NewContext(context.Background(), logger)

	NewStructuredLogger(FromContext(ctx)).LogError(ctx, "Request failed", errors.New("boom"), ComponentHTTP, OpRender, NewFields())

	out := buf.String()
	if n := strings.Count(out, "component="); n != 1 {
		t.Errorf("component logged %d times: %s", n, out)
	}
	for _, want := range []string{"component=http", "request_id=req_1", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if l := FromContext(context.Background()); l.Component() != "unknown" {
		t.Errorf("Component() = %q, want unknown", l.Component())
	}
}

func TestLogTableView(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(New(Config{Component: ComponentDashboard, Handler: slog.NewTextHandler(&buf, nil)}))
	sl.LogTableView(context.Background(), "pricing", 12, 3, 25*time.Millisecond)

	out := buf.String()
	for _, want := range []string{"table=pricing", "rows=12", "filters=3", "duration_ms=25"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}
