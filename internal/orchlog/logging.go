package orchlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
)

// New builds a slog.Logger that writes to an append-only JSONL file
// under homeDir/logs, plus stdout unless quiet, applying secret
// redaction to every attribute via ReplaceAttr. Mirrors
// internal/telemetry.NewLogger's split between "quiet" (file only) and
// normal (stdout + file) operation. The file handle is always JSON
// (for durable, machine-parseable history); the stdout leg switches to
// a human-readable slog.TextHandler when stdout is attached to a
// terminal, and JSON otherwise — an operator watching `orchestratord`
// in a shell gets readable lines, a process supervisor capturing piped
// stdout gets the same structured JSON as the file.
func New(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(logDir, "orchestrator.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if quiet {
		handler = slog.NewJSONHandler(file, opts)
	} else if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = fanoutHandler{slog.NewTextHandler(os.Stdout, opts), slog.NewJSONHandler(file, opts)}
	} else {
		handler = slog.NewJSONHandler(io.MultiWriter(os.Stdout, file), opts)
	}

	logger := slog.New(handler).With("component", "orchestratord")
	return logger, file, nil
}

// fanoutHandler dispatches every record to each of its handlers,
// letting stdout and the durable file use different slog.Handler
// implementations (text vs JSON) for the same logger.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redactedPlaceholder)
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
