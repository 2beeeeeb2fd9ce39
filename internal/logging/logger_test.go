// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	if !ValidLevel("Warn") {
		t.Error("expected Warn to be valid")
	}
	if ValidLevel("verbose") {
		t.Error("expected verbose to be invalid")
	}
}

// Tests below mutate the global logger and must not run in parallel.

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("site_id", "greenhouse-1").Msg("batch accepted")

	out := buf.String()
	if !strings.Contains(out, `"site_id":"greenhouse-1"`) {
		t.Errorf("missing field in %s", out)
	}
	if !strings.Contains(out, `"message":"batch accepted"`) {
		t.Errorf("missing message in %s", out)
	}
}

func TestCtxAddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSite(ctx, "site-a")
	ctx = ContextWithSession(ctx, "sess-9")

	Ctx(ctx).Info().Msg("closed")

	out := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"site_id":"site-a"`, `"session_id":"sess-9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "correlation_id") {
		t.Errorf("unexpected correlation_id in %s", out)
	}
}

func TestSlogHandlerGroupsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	logger := NewSlogLogger().WithGroup("supervisor").With(slog.String("service", "changefeed"))
	logger.Warn("restarting", slog.Duration("backoff", 15*time.Second))

	out := buf.String()
	if !strings.Contains(out, `"supervisor.service":"changefeed"`) {
		t.Errorf("group prefix missing: %s", out)
	}
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("level missing: %s", out)
	}
}
