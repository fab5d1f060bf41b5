package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"ERROR", zerolog.ErrorLevel, true},
		{"loud", zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q (len %d)", got, len(got))
	}
}

func TestFormatTelegramLine(t *testing.T) {
	t.Parallel()
	line := formatTelegramLine([]byte(`{"level":"warn","message":"publish failed","account":"main","time":"x"}`))
	if !strings.HasPrefix(line, "[WARN] publish failed") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, "- account=main") {
		t.Fatalf("field missing: %q", line)
	}
	if strings.Contains(line, "time=") {
		t.Fatalf("time field should be dropped: %q", line)
	}

	// Non-JSON input passes through.
	if got := formatTelegramLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("passthrough = %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	// Must not panic.
	l.Info("hello", String("k", "v"))
	l.With(Int("n", 1)).Warn("still fine")
	if !l.IsZero() {
		t.Fatal("zero logger reported non-zero")
	}
	if Nop().IsZero() {
		// Nop carries an explicit base writer.
		t.Fatal("Nop logger reported zero")
	}
}
