package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		want  int
	}{
		{name: "debug emits everything", level: DebugLevel, want: 4},
		{name: "info drops debug", level: InfoLevel, want: 3},
		{name: "warn keeps warn and error", level: WarnLevel, want: 2},
		{name: "error keeps error only", level: ErrorLevel, want: 1},
		{name: "invalid falls back to info", level: "verbose", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := NewZapLogger(Config{Level: tt.level, Format: JSONFormat, Output: &buf})
			if err != nil {
				t.Fatalf("NewZapLogger() error = %v", err)
			}
			log.Debug("d")
			log.Info("i")
			log.Warn("w")
			log.Error("e")
			_ = log.Sync()

			if got := len(decodeLines(t, &buf)); got != tt.want {
				t.Fatalf("expected %d entries, got %d", tt.want, got)
			}
		})
	}
}

func TestZapLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: InfoLevel, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}

	ctx := ContextWithRunID(context.Background(), "run-42")
	log.With("lock", "nightly-report").WithContext(ctx).Info("lock acquired", "result", "inserted")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	for key, want := range map[string]string{
		"message": "lock acquired",
		"level":   "info",
		"lock":    "nightly-report",
		"run_id":  "run-42",
		"result":  "inserted",
	} {
		if entry[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, entry[key])
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected timestamp field")
	}
}

func TestZapLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: InfoLevel, Format: TextFormat, Output: &buf})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	log.Info("plain message", "lock", "x")
	_ = log.Sync()

	out := buf.String()
	if !strings.Contains(out, "plain message") || strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected console output, got %q", out)
	}
}

func TestWithContext_NoRunID(t *testing.T) {
	log, err := NewZapLogger(DefaultConfig())
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	if got := log.WithContext(context.Background()); got != Logger(log) {
		t.Fatal("expected same logger when context carries no run id")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for input, want := range tests {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %q, %v", got, err)
	}
	if got, err := ParseLogFormat("json"); err != nil || got != JSONFormat {
		t.Fatalf("ParseLogFormat(json) = %q, %v", got, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNop(t *testing.T) {
	log := NewNop()
	log.Info("ignored", "k", "v")
	if log.With("a", 1).WithContext(context.Background()) == nil {
		t.Fatal("expected nop logger to chain")
	}
}
