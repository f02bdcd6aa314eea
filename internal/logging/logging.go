// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// cycleIDKey is the context key for publish cycle IDs.
type cycleIDKey struct{}

// WithCycleID adds a publish cycle ID to the context.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

// CycleID retrieves the publish cycle ID from context.
func CycleID(ctx context.Context) string {
	if id, ok := ctx.Value(cycleIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewCycleID creates a new unique cycle ID.
func NewCycleID() string {
	return uuid.NewString()
}

// SegmentLogger returns a logger scoped to one segment.
func SegmentLogger(base *slog.Logger, name string) *slog.Logger {
	return base.With("segment", name)
}

// CycleLogger returns a logger scoped to one publish cycle.
func CycleLogger(base *slog.Logger, cycleID string) *slog.Logger {
	return base.With("cycle_id", cycleID)
}

// SourceLogger returns a logger scoped to one video source.
func SourceLogger(base *slog.Logger, index int, address string) *slog.Logger {
	return base.With("source_index", index, "source", address)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
