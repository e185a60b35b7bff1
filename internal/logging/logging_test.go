package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"", slog.LevelInfo, slog.LevelDebug},
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"nonsense", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tt := range tests {
		logger := New(tt.level, "text")
		if logger == nil {
			t.Fatalf("New(%q): nil logger", tt.level)
		}
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("New(%q): expected %v enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.muted) {
			t.Errorf("New(%q): expected %v disabled", tt.level, tt.muted)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("expected non-nil logger for json format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request ID on bare context, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-abc")
	if id := RequestID(ctx); id != "req-abc" {
		t.Errorf("expected req-abc, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-def")
	if id := RequestID(ctx); id != "req-def" {
		t.Errorf("expected later value to win, got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger from bare context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if got := FromContext(ctx); got != custom {
		t.Error("expected the stored logger back")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("expected non-nil logger without request ID")
	}
	if L(WithRequestID(ctx, "req-1")) == nil {
		t.Fatal("expected non-nil logger with request ID")
	}
}
