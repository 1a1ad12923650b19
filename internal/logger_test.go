package internal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestRedactors(t *testing.T) {
	handler := NewSecureHandler(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "redact_token_parameter",
			input:    "https://example.com/notify?token=abc123&size=500",
			expected: "https://example.com/notify?token=[REDACTED]&size=500",
		},
		{
			name:     "redact_sign_out_token",
			input:    "https://example.com/signOut?_token=abc123",
			expected: "https://example.com/signOut?_token=[REDACTED]",
		},
		{
			name:     "redact_form_credentials",
			input:    "username=mpx%2Falice&password=hunter2",
			expected: "username=[REDACTED]&password=[REDACTED]",
		},
		{
			name:     "redact_authorization_header",
			input:    "Authorization: Bearer token123",
			expected: "Authorization: Bearer [REDACTED]",
		},
		{
			name:     "redact_cookie_header",
			input:    "Cookie: session=abc; other=value",
			expected: "Cookie: [REDACTED]; other=value",
		},
		{
			name:     "redact_repeated_parameters",
			input:    "a?token=one b?token=two",
			expected: "a?token=[REDACTED] b?token=[REDACTED]",
		},
		{
			name:     "no_sensitive_data",
			input:    "This is a normal log message",
			expected: "This is a normal log message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := handler.redact(tt.input)
			if result != tt.expected {
				t.Errorf("redact() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestSecureHandler_RedactsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", LogFormatJSON, false, false)

	params := url.Values{"token": {"secret123"}, "range": {"1-100"}}
	logger.Info("request sent",
		"url", "https://example.com/data?token=secret456",
		"params", params,
		"password", "hunter2",
		slog.Group("auth", "token", "secret789"),
	)

	output := buf.String()
	for _, secret := range []string{"secret123", "secret456", "secret789", "hunter2"} {
		if strings.Contains(output, secret) {
			t.Errorf("output leaked %q: %s", secret, output)
		}
	}
	if !strings.Contains(output, "1-100") {
		t.Error("non-sensitive params should be preserved")
	}
}

func TestSecureHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", LogFormatText, false, false).With("token", "abc")

	logger.Info("hello")

	if strings.Contains(buf.String(), "abc") {
		t.Errorf("attributes added with With must be redacted: %s", buf.String())
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		debug     bool
		quiet     bool
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{name: "info", level: "info", wantInfo: true, wantWarn: true},
		{name: "warn", level: "warn", wantWarn: true},
		{name: "debug flag", level: "error", debug: true, wantDebug: true, wantInfo: true, wantWarn: true},
		{name: "quiet wins", level: "debug", debug: true, quiet: true},
		{name: "unknown defaults to info", level: "verbose", wantInfo: true, wantWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level, LogFormatText, tt.debug, tt.quiet)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")

			output := buf.String()
			if got := strings.Contains(output, "debug message"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(output, "info message"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "warn message"); got != tt.wantWarn {
				t.Errorf("warn logged = %v, want %v", got, tt.wantWarn)
			}
			if !strings.Contains(output, "error message") {
				t.Error("error messages are always logged")
			}
		})
	}
}

func TestNewLogger_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug", LogFormatText, true, false)

	logger.Info("test message")

	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("debug mode should include source location, got: %s", buf.String())
	}
}

func TestSanitizeHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer secret456")
	header.Set("User-Agent", "mpxsync/1.0")
	header.Set("Cookie", "session=secret789")

	sanitized := SanitizeHeaders(header)

	if sanitized["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %q, want redacted", sanitized["Authorization"])
	}
	if sanitized["Cookie"] != "[REDACTED]" {
		t.Errorf("Cookie = %q, want redacted", sanitized["Cookie"])
	}
	if sanitized["User-Agent"] != "mpxsync/1.0" {
		t.Errorf("User-Agent = %q, should be preserved", sanitized["User-Agent"])
	}
}

func TestIsSensitiveHeader(t *testing.T) {
	tests := []struct {
		header    string
		sensitive bool
	}{
		{"Authorization", true},
		{"Cookie", true},
		{"Set-Cookie", true},
		{"X-Auth-Token", true},
		{"X-API-Key", true},
		{"User-Agent", false},
		{"Content-Type", false},
		{"COOKIE", true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := isSensitiveHeader(tt.header); got != tt.sensitive {
				t.Errorf("isSensitiveHeader(%q) = %v, want %v", tt.header, got, tt.sensitive)
			}
		})
	}
}

func TestLogMpxError_LevelFromSeverity(t *testing.T) {
	tests := []struct {
		name      string
		err       *MpxError
		wantLevel string
	}{
		{"lock busy logs at info", NewLockContentionError("mpx_ingest_7"), "level=INFO"},
		{"cursor expired logs at warn", NewCursorExpiredError("media", "1", "a"), "level=WARN"},
		{"transport logs at error", NewTransportError("https://example.com", "boom"), "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, "debug", LogFormatText, false, false)

			LogMpxError(context.Background(), logger, tt.err)

			if !strings.Contains(buf.String(), tt.wantLevel) {
				t.Errorf("expected %s in %q", tt.wantLevel, buf.String())
			}
		})
	}
}

func TestLogError_PlainError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info", LogFormatText, false, false)

	LogError(context.Background(), logger, "sync failed", errors.New("disk full"), "account", 3)

	output := buf.String()
	if !strings.Contains(output, "level=ERROR") || !strings.Contains(output, "disk full") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestGetLogger_Default(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("GetLogger() should never return nil")
	}
	if LoggerOrDefault(nil) == nil {
		t.Fatal("LoggerOrDefault(nil) should fall back to the global logger")
	}
}
