// Package logger provides structured logging for ingestion runs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cesargomez89/hymnsync/internal/domain"
)

// Logger wraps slog.Logger for application-wide logging
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // text, json
	Output io.Writer // defaults to os.Stderr
}

// New creates a new structured logger. Unknown levels fall back to info.
func New(cfg Config) *Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: durationsAsText,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// durationsAsText keeps backoff delays and run times readable in JSON output,
// where slog would otherwise emit nanoseconds.
func durationsAsText(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

// WithComponent returns a logger with a component attribute
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With("component", component),
	}
}

// WithRun tags records with the ingestion run they belong to.
func (l *Logger) WithRun(runID string, mode domain.RunMode) *Logger {
	return &Logger{
		Logger: l.With("run_id", runID, "mode", string(mode)),
	}
}

// WithArtifact tags records with the file being reconciled and the identity
// derived from its name, grouped under "artifact".
func (l *Logger) WithArtifact(a domain.Artifact) *Logger {
	return &Logger{
		Logger: l.With(slog.Group("artifact",
			"path", a.Path,
			"title", a.Title,
			"creator", a.Creator,
			"category", a.Category,
		)),
	}
}

// Default returns a default logger for quick usage
func Default() *Logger {
	return New(Config{
		Level:  "info",
		Format: "text",
	})
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
