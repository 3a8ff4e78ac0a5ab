package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is used in
	// production; text is easier to read during local development.
	Format string

	// Output is the writer log records are written to. Defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns, beyond
	// DefaultRedactPatterns, whose matches are replaced with "[REDACTED]"
	// in every record this logger emits.
	RedactPatterns []string
}

// ContextKey is the type for context keys this package reads and writes.
type ContextKey string

// UserIDKey is the context key for the acting user's id, the one identity
// this system threads through context: the web layer resolves it from the
// signed session cookie, and the run_code tool reads it back to pick the
// caller's sandbox.
const UserIDKey ContextKey = "user_id"

// DefaultRedactPatterns matches the secret shapes the model gateway and
// sandbox backends deal in: bearer/API tokens, JWTs (the session cookie
// itself is one), and generic key=value secret assignments.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// Logger builds a *slog.Logger with level/format configuration and
// redaction already wired into its handler, so every caller that takes the
// result of Slog() gets both without repeating the setup.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a structured logger with the given configuration.
//
// If config.Output is nil, logs are written to os.Stdout. If config.Level
// is empty or invalid, it defaults to "info". If config.Format is empty,
// it defaults to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	allPatterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(allPatterns))
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(&redactingHandler{next: handler, redacts: redacts})}
}

// Slog returns the underlying *slog.Logger. Every component in this module
// (driver client, controller, registry, agent loop, web handlers) takes a
// *slog.Logger rather than this wrapper, so construction happens once here
// and the redaction/level/format configuration travels with the handler
// rather than needing a parallel logging API.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// redactingHandler wraps another slog.Handler, replacing matches of the
// configured patterns in the message and in every string-valued attribute
// before the record reaches it. AddUserID's context value is attached to
// every record that passes through, the same way a request-scoped logger
// would, without callers needing to build one.
type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	if userID := GetUserID(ctx); userID != "" {
		out.AddAttrs(slog.String("user_id", userID))
	}
	return h.next.Handle(ctx, out)
}

// redactAttr redacts a string-valued attribute in place; other kinds (ints,
// durations, groups) pass through unchanged since the patterns above only
// ever match string shapes.
func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, h.redactString(a.Value.String()))
	}
	if err, ok := a.Value.Any().(error); ok {
		return slog.String(a.Key, h.redactString(err.Error()))
	}
	return a
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// AddUserID adds the acting user's id to ctx, picked up automatically by
// every record a Logger built by NewLogger emits.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user id from the context, as set by AddUserID.
// The run_code tool uses this to resolve which user's sandbox a given tool
// call should be dispatched against.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level, defaulting to info
// for an empty or unrecognized value.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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
