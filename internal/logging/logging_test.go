package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsInit(t *testing.T) {
	// Created before Init, as package-level loggers are.
	log := Component("probe")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelDebug, false)
	defer Init(slog.LevelInfo, false)

	log.Debug("tick", "targets", 3)

	out := buf.String()
	for _, want := range []string{"component=probe", "msg=tick", "targets=3", "level=DEBUG"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, true)
	defer Init(slog.LevelInfo, false)

	log := Component("aggregator")
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"component":"aggregator"`) {
		t.Errorf("JSON output missing component: %q", out)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)
	defer Init(slog.LevelInfo, false)

	ctx := ContextWithSessionID(context.Background(), "s-1")
	ctx = ContextWithRequestID(ctx, 42)
	WithContext(ctx).Info("request")

	out := buf.String()
	if !strings.Contains(out, "session_id=s-1") || !strings.Contains(out, "request_id=42") {
		t.Errorf("context values missing from %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
