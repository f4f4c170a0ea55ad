package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if l.With(Int("n", 1)).IsZero() {
		t.Fatal("derived logger with fields should not be zero")
	}
}

func TestAlertWriterFiltersByLevelAndRate(t *testing.T) {
	var buf bytes.Buffer
	s := &Service{}
	s.Apply(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}})
	s.mu.Lock()
	s.alertOut = &buf
	s.mu.Unlock()

	w := &alertWriter{svc: s}
	_, _ = w.WriteLevel(zerolog.InfoLevel, []byte("info line\n"))
	_, _ = w.WriteLevel(zerolog.WarnLevel, []byte("warn line\n"))
	_, _ = w.WriteLevel(zerolog.ErrorLevel, []byte("burst line\n"))

	out := buf.String()
	if strings.Contains(out, "info line") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Fatalf("warn line missing: %q", out)
	}
	if strings.Contains(out, "burst line") {
		t.Fatalf("second line within the same second should be rate limited: %q", out)
	}
}
