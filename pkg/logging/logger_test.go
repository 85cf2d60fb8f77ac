package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
		quiet  slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"warn level", "warn", slog.LevelWarn, slog.LevelInfo},
		{"warning alias", "WARNING", slog.LevelWarn, slog.LevelInfo},
		{"error level", "error", slog.LevelError, slog.LevelWarn},
		{"default info", "", slog.LevelInfo, slog.LevelDebug},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
			if logger.Enabled(ctx, tt.quiet) {
				t.Fatalf("expected level %s to be disabled", tt.quiet)
			}
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	if logger.Logger == nil {
		t.Fatal("Default() returned Logger with nil slog.Logger")
	}
	if logger == Default() {
		t.Error("Default() returned the same instance twice")
	}
}

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf).Component("scheduling").With("appointment_id", "a-1")
	logger.Info("appointment synced")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "scheduling" {
		t.Fatalf("expected component attribute, got %v", entry["component"])
	}
	if entry["appointment_id"] != "a-1" {
		t.Fatalf("expected appointment_id attribute, got %v", entry["appointment_id"])
	}
	if entry["msg"] != "appointment synced" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
}

func TestNilLoggerWith(t *testing.T) {
	var logger *Logger
	if got := logger.With("k", "v"); got == nil || got.Logger == nil {
		t.Fatal("expected With on nil logger to return a usable logger")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped", "error", "boom")
}
