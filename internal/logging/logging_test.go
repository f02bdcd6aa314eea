package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCycleIDContext(t *testing.T) {
	ctx := context.Background()
	if CycleID(ctx) != "" {
		t.Error("empty context should have no cycle id")
	}

	id := NewCycleID()
	if len(id) != 36 {
		t.Errorf("unexpected cycle id %q", id)
	}
	if got := CycleID(WithCycleID(ctx, id)); got != id {
		t.Errorf("CycleID = %q, want %q", got, id)
	}
	if NewCycleID() == id {
		t.Error("cycle ids should be unique")
	}
}
