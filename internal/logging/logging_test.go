package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Fatalf("parseLevel(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("parseLevel accepted an invalid level")
	}
}

func TestConfigure(t *testing.T) {
	if err := Configure(LevelDebug, FormatText); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := Configure(LevelInfo, FormatJSON); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := Configure(LevelInfo, "xml"); err == nil {
		t.Fatal("Configure accepted an invalid format")
	}
}
