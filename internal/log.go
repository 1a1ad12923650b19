package internal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// Global logger instance
	globalLogger *slog.Logger
	loggerMutex  sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(config *Config) error {
	var output io.Writer = os.Stderr
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return NewValidationError("log_file", "failed to open log file").
				WithSuggestion("Check file permissions and path validity").
				WithContext("file", config.LogFile).
				WithContext("error", err.Error())
		}
		output = file
	}

	logger := NewLogger(output, config.LogLevel, LogFormat(config.LogFormat), config.EnableDebug, config.QuietMode)
	SetLogger(logger)
	return nil
}

// SetLogger replaces the global logger and the slog default
func SetLogger(logger *slog.Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	globalLogger = logger
	slog.SetDefault(logger)
}

// GetLogger returns the global logger instance
func GetLogger() *slog.Logger {
	loggerMutex.RLock()
	logger := globalLogger
	loggerMutex.RUnlock()

	if logger != nil {
		return logger
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = NewDefaultLogger(false, false)
	}
	return globalLogger
}

// LoggerOrDefault returns logger, or the global logger when it is nil
func LoggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return GetLogger()
}

// SeverityLevel maps an error severity to a slog level
func SeverityLevel(severity ErrorSeverity) slog.Level {
	switch severity {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelError
	}
}

// LogMpxError logs an MpxError at the level its severity calls for
func LogMpxError(ctx context.Context, logger *slog.Logger, err *MpxError, attrs ...any) {
	logger = LoggerOrDefault(logger)

	fields := []any{
		"kind", err.Kind.String(),
		"severity", err.Severity.String(),
	}
	if err.URL != "" {
		fields = append(fields, "url", redactSensitiveURL(err.URL))
	}
	if len(err.Params) > 0 {
		fields = append(fields, "params", err.Params)
	}
	if err.StatusCode != 0 {
		fields = append(fields, "status", err.StatusCode)
	}
	if err.ResponseCode != 0 {
		fields = append(fields, "response_code", err.ResponseCode)
	}
	if err.Description != "" {
		fields = append(fields, "description", err.Description)
	}
	for key, value := range err.Context {
		fields = append(fields, key, value)
	}
	if err.Err != nil {
		fields = append(fields, "cause", err.Err.Error())
	}
	if err.Suggestion != "" {
		fields = append(fields, "suggestion", err.Suggestion)
	}
	fields = append(fields, attrs...)

	logger.Log(ctx, SeverityLevel(err.Severity), err.Message, fields...)
}

// LogError logs err at the level its severity calls for. Errors that are
// not MpxErrors are logged at error level.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	if mpxErr, ok := AsMpxError(err); ok {
		LogMpxError(ctx, logger, mpxErr, append([]any{"operation", msg}, attrs...)...)
		return
	}
	if validationErr, ok := err.(*ValidationError); ok {
		LogValidationError(ctx, logger, validationErr)
		return
	}
	LoggerOrDefault(logger).ErrorContext(ctx, msg, append([]any{"error", err}, attrs...)...)
}

// LogValidationError logs a ValidationError
func LogValidationError(ctx context.Context, logger *slog.Logger, err *ValidationError) {
	fields := []any{"field", err.Field}
	if err.Value != nil {
		fields = append(fields, "value", err.Value)
	}
	if err.Suggestion != "" {
		fields = append(fields, "suggestion", err.Suggestion)
	}
	LoggerOrDefault(logger).ErrorContext(ctx, "validation error: "+err.Message, fields...)
}
