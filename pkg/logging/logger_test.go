package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("expected info enabled")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Fatal("expected debug disabled")
	}
	if Default() == logger {
		t.Fatal("expected a new instance per call")
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug").With("conversation_id", "c-1")
	logger.Debug("buffer appended", "token", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["conversation_id"] != "c-1" {
		t.Fatalf("expected conversation_id attr, got %v", entry)
	}
	if entry["service"] != "zapdesk" {
		t.Fatalf("expected service attr, got %v", entry)
	}
	if entry["msg"] != "buffer appended" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
}
