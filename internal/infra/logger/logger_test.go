package logger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatrelay/internal/infra/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputTargets(t *testing.T) {
	tests := []struct {
		output string
		want   io.Writer
	}{
		{"stdout", os.Stdout},
		{"stderr", os.Stderr},
		{"", os.Stderr},
		{"discard", io.Discard},
	}
	for _, tt := range tests {
		w, closer, err := openOutput(tt.output)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", tt.output, err)
		}
		if w != tt.want {
			t.Errorf("openOutput(%q) returned unexpected writer", tt.output)
		}
		_ = closer()
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	if _, _, err := openOutput("/nonexistent/dir/log.txt"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestNewJSONLoggerWithAttrs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := config.LoggerConfig{Level: "info", Format: "json", Output: path}

	log, closer, err := New(cfg, slog.String("service", "chatrelay"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("turn finalized", "message_id", "01H")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(readLog(t, path)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["msg"] != "turn finalized" {
		t.Errorf("msg = %v, want %q", entry["msg"], "turn finalized")
	}
	if entry["service"] != "chatrelay" {
		t.Errorf("service = %v, want chatrelay", entry["service"])
	}
}

func TestNewRedactsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := config.LoggerConfig{Level: "debug", Format: "text", Output: path}

	log, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("login", "username", "me", "password", "hunter2", "session_token", "abc.def")
	_ = closer()

	out := readLog(t, path)
	if strings.Contains(out, "hunter2") || strings.Contains(out, "abc.def") {
		t.Errorf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "username=me") {
		t.Errorf("non-secret attribute missing: %s", out)
	}
	if !strings.Contains(out, Redacted) {
		t.Errorf("expected %q marker: %s", Redacted, out)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, closer, err := New(config.LoggerConfig{Level: "warn", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("should be filtered")
	log.Warn("should appear")
	_ = closer()

	out := readLog(t, path)
	if strings.Contains(out, "should be filtered") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message should appear at warn level")
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	cfg := config.LoggerConfig{Level: "info", Format: "text", Output: "/nonexistent/dir/app.log"}
	if _, _, err := New(cfg); err == nil {
		t.Error("expected error for invalid output path")
	}
}
