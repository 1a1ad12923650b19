package internal

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// LogFormat selects the slog handler encoding
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

const redacted = "[REDACTED]"

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// HeaderRedactor redacts credential-bearing header values
type HeaderRedactor struct{}

func (r *HeaderRedactor) Redact(input string) string {
	patterns := []string{
		"Bearer ",
		"Basic ",
		"Cookie: ",
	}

	result := input
	for _, pattern := range patterns {
		result = redactAfter(result, pattern, func(c byte) bool {
			return c == ' ' || c == ';' || c == '\n' || c == '\r'
		})
	}
	return result
}

// URLRedactor redacts sensitive URL and form parameters
type URLRedactor struct{}

func (r *URLRedactor) Redact(input string) string {
	sensitiveParams := []string{
		"_token=",
		"token=",
		"password=",
		"username=",
		"key=",
		"secret=",
	}

	result := input
	for _, param := range sensitiveParams {
		result = redactAfter(result, param, func(c byte) bool {
			return c == '&' || c == ' ' || c == '\n' || c == '"'
		})
	}
	return result
}

// redactAfter replaces the value following every case-insensitive occurrence
// of pattern, up to the first byte for which stop reports true
func redactAfter(input, pattern string, stop func(byte) bool) string {
	lowerPattern := strings.ToLower(pattern)
	var b strings.Builder
	rest := input
	for {
		index := strings.Index(strings.ToLower(rest), lowerPattern)
		if index == -1 {
			b.WriteString(rest)
			return b.String()
		}
		start := index + len(pattern)
		end := start
		for end < len(rest) && !stop(rest[end]) {
			end++
		}
		if strings.HasPrefix(rest[start:], redacted) {
			end = start + len(redacted)
			b.WriteString(rest[:end])
			rest = rest[end:]
			continue
		}
		b.WriteString(rest[:start])
		if end > start {
			b.WriteString(redacted)
		}
		rest = rest[end:]
	}
}

// DefaultRedactors returns the redactors every SecureHandler starts with
func DefaultRedactors() []Redactor {
	return []Redactor{
		&HeaderRedactor{},
		&URLRedactor{},
	}
}

// SecureHandler is a slog.Handler that scrubs tokens and credentials from
// messages and string attributes before delegating
type SecureHandler struct {
	next      slog.Handler
	redactors []Redactor
}

// NewSecureHandler wraps next with the default redactors plus any extra ones
func NewSecureHandler(next slog.Handler, extra ...Redactor) *SecureHandler {
	return &SecureHandler{
		next:      next,
		redactors: append(DefaultRedactors(), extra...),
	}
}

func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SecureHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redact(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		cleaned[i] = h.redactAttr(attr)
	}
	return &SecureHandler{next: h.next.WithAttrs(cleaned), redactors: h.redactors}
}

func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{next: h.next.WithGroup(name), redactors: h.redactors}
}

// redact applies all redactors to the input string
func (h *SecureHandler) redact(input string) string {
	result := input
	for _, redactor := range h.redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (h *SecureHandler) redactAttr(attr slog.Attr) slog.Attr {
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redact(value.String()))
	case slog.KindGroup:
		group := value.Group()
		cleaned := make([]any, len(group))
		for i, member := range group {
			cleaned[i] = h.redactAttr(member)
		}
		return slog.Group(attr.Key, cleaned...)
	case slog.KindAny:
		if params, ok := value.Any().(url.Values); ok {
			return slog.String(attr.Key, h.redact(params.Encode()))
		}
		if stringer, ok := value.Any().(interface{ String() string }); ok {
			return slog.String(attr.Key, h.redact(stringer.String()))
		}
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.redact(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

// isSensitiveKey checks if an attribute key names a secret
func isSensitiveKey(key string) bool {
	sensitiveKeys := []string{
		"token",
		"_token",
		"password",
		"authorization",
		"cookie",
		"secret",
	}

	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if lowerKey == sensitive {
			return true
		}
	}
	return false
}

// SanitizeHeaders returns a header map safe for logging
func SanitizeHeaders(header http.Header) map[string]string {
	sanitized := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name) {
			sanitized[name] = redacted
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

// isSensitiveHeader checks if a header contains sensitive information
func isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"set-cookie",
		"x-auth-token",
		"x-api-key",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// NewLogger creates a redacting slog.Logger writing to output
func NewLogger(output io.Writer, level string, format LogFormat, debug, quiet bool) *slog.Logger {
	options := &slog.HandlerOptions{
		Level:     levelFor(level, debug, quiet),
		AddSource: debug,
	}

	var handler slog.Handler
	switch LogFormat(strings.ToLower(strings.TrimSpace(string(format)))) {
	case LogFormatText:
		handler = slog.NewTextHandler(output, options)
	default:
		handler = slog.NewJSONHandler(output, options)
	}
	return slog.New(NewSecureHandler(handler))
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *slog.Logger {
	return NewLogger(os.Stderr, "info", LogFormatText, debug, quiet)
}

// levelFor resolves the effective level; quiet wins over debug
func levelFor(level string, debug, quiet bool) slog.Level {
	if quiet {
		return slog.LevelError
	}
	if debug {
		return slog.LevelDebug
	}
	return parseLogLevel(level)
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
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
