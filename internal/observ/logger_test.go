package observ

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		env   string
		level string
	}{
		{"development", "debug"},
		{"production", "info"},
		{"production", "not-a-level"},
	}

	for _, tt := range tests {
		logger, err := NewLogger(tt.env, tt.level)
		if err != nil {
			t.Fatalf("NewLogger(%q, %q): %v", tt.env, tt.level, err)
		}
		if logger == nil {
			t.Fatalf("NewLogger(%q, %q) returned nil", tt.env, tt.level)
		}
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("production", "loud")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Error("debug should be disabled at the fallback level")
	}
	if !logger.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be enabled at the fallback level")
	}
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewCronLogger(zap.New(core))

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "job panicked", "entry", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.DebugLevel {
		t.Errorf("expected info to map to debug, got %s", entries[0].Level)
	}
	if entries[1].Level != zap.ErrorLevel {
		t.Errorf("expected error level, got %s", entries[1].Level)
	}
	if entries[1].ContextMap()["error"] != "boom" {
		t.Errorf("expected error field, got %v", entries[1].ContextMap())
	}
	if entries[1].LoggerName != "cron" {
		t.Errorf("expected logger name cron, got %q", entries[1].LoggerName)
	}
}
