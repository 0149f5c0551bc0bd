package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/billm/recbridge/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid json config to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "valid text config to stderr",
			cfg:     config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			cfg:     config.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     config.LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "empty output defaults to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: ""},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("NewDefault() level = %v, want %v", logger.GetLevel(), LevelInfo)
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.Component("client").Info("connected", "transport", "websocket")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "connected" {
		t.Errorf("msg = %v, want connected", entry["msg"])
	}
	if entry["component"] != "client" {
		t.Errorf("component = %v, want client", entry["component"])
	}
	if entry["transport"] != "websocket" {
		t.Errorf("transport = %v, want websocket", entry["transport"])
	}
}

func TestLoggerSetLevelSharedWithDerived(t *testing.T) {
	var buf bytes.Buffer
	root, err := NewWithWriter(&buf, "text", LevelError)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := root.With("k", "v")

	child.Info("before")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at error level, got %q", buf.String())
	}

	root.SetLevel(LevelDebug)
	child.Debug("after")
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("derived logger did not pick up new level, output %q", buf.String())
	}
	if child.GetLevel() != LevelDebug {
		t.Errorf("child level = %v, want %v", child.GetLevel(), LevelDebug)
	}
}

func TestLoggerEnabled(t *testing.T) {
	logger, err := NewWithWriter(&bytes.Buffer{}, "text", LevelWarn)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	tests := []struct {
		level Level
		want  bool
	}{
		{LevelDebug, false},
		{LevelInfo, false},
		{LevelWarn, true},
		{LevelError, true},
	}
	for _, tt := range tests {
		if got := logger.Enabled(tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLoggerFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "recbridge.log")

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: logPath})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("written to file", "count", 3)
	// Closing a derived logger must leave the root's file open
	if err := logger.With("x", 1).Close(); err != nil {
		t.Fatalf("derived Close() error = %v", err)
	}
	logger.Info("still writable")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") || !strings.Contains(string(data), "still writable") {
		t.Errorf("log file missing entries: %q", string(data))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGlobalLogger(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "text", LevelDebug)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	SetGlobal(l)

	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error")
	With("scope", "test").Info("scoped")

	out := buf.String()
	for _, want := range []string{"global debug", "global info", "global warn", "global error", "scope=test"} {
		if !strings.Contains(out, want) {
			t.Errorf("global output missing %q", want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Error("discarded")
	if l.Enabled(LevelInfo) {
		t.Error("nop logger should not be enabled below error")
	}
}
