package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autopilot/internal/config"
)

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "autopilot.log")
	log, err := New(config.LogConfig{
		Level:    "debug",
		Encoding: "json",
		File:     config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	log.Info("session started")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log err=%v", err)
	}
	if !strings.Contains(string(raw), "session started") {
		t.Fatalf("log file=%q want message", string(raw))
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "loud", Encoding: "console"})
	if err != nil {
		t.Fatalf("New err=%v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug enabled on invalid level")
	}
}
