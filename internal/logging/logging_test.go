package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestGenerateCorrelationID(t *testing.T) {
	id := GenerateCorrelationID()
	if len(id) != 16 {
		t.Errorf("correlation ID length = %d, want 16 hex chars", len(id))
	}
	if strings.ToLower(id) != id {
		t.Errorf("correlation ID %q should be lowercase hex", id)
	}
	if other := GenerateCorrelationID(); other == id {
		t.Errorf("two correlation IDs collided: %q", id)
	}
}

func TestItemLoggerCarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ItemLogger("deadbeefdeadbeef", "m_3708501_ne", 2).Info("staged")

	line := buf.String()
	for _, want := range []string{
		`"correlation_id":"deadbeefdeadbeef"`,
		`"item_id":"m_3708501_ne"`,
		`"attempt":2`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s:\n%s", want, line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
