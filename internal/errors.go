package internal

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrorKind represents the class of an mpx failure
type ErrorKind int

const (
	ErrAuthentication ErrorKind = iota
	ErrTransport
	ErrProtocol
	ErrCursorExpired
	ErrLockBusy
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// InvalidTokenDescription is the description mpx returns for a rejected token
const InvalidTokenDescription = "Invalid security token."

// MpxError is the single error type raised by the mpx client. Callers branch
// on Kind rather than on message text.
type MpxError struct {
	Kind         ErrorKind              `json:"kind"`
	Message      string                 `json:"message"`
	Severity     ErrorSeverity          `json:"severity"`
	URL          string                 `json:"url,omitempty"`
	Params       url.Values             `json:"params,omitempty"`
	StatusCode   int                    `json:"status_code,omitempty"`
	ResponseCode int                    `json:"response_code,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Body         []byte                 `json:"-"`
	Suggestion   string                 `json:"suggestion,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Err          error                  `json:"-"`
}

// Error implements the error interface
func (e *MpxError) Error() string {
	parts := []string{fmt.Sprintf("mpx %s error", e.Kind.String())}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause
func (e *MpxError) Unwrap() error {
	return e.Err
}

// DetailedError returns a multi-line description with all available context
func (e *MpxError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Kind.String()))
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("Status: %d", e.StatusCode))
	}
	if e.ResponseCode != 0 {
		parts = append(parts, fmt.Sprintf("Response code: %d", e.ResponseCode))
	}
	if e.Description != "" {
		parts = append(parts, fmt.Sprintf("Description: %s", e.Description))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}
	if e.Err != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Err))
	}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrAuthentication:
		return "Authentication"
	case ErrTransport:
		return "Transport"
	case ErrProtocol:
		return "Protocol"
	case ErrCursorExpired:
		return "CursorExpired"
	case ErrLockBusy:
		return "LockBusy"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewMpxError creates an MpxError with the default severity and suggestion for its kind
func NewMpxError(kind ErrorKind, message string) *MpxError {
	return &MpxError{
		Kind:       kind,
		Message:    message,
		Severity:   getDefaultSeverity(kind),
		Suggestion: getDefaultSuggestion(kind),
		Context:    make(map[string]interface{}),
	}
}

// WithURL records the request URL (redacted when logged)
func (e *MpxError) WithURL(rawURL string) *MpxError {
	e.URL = rawURL
	return e
}

// WithParams records the request parameters
func (e *MpxError) WithParams(params url.Values) *MpxError {
	e.Params = params
	return e
}

// WithStatus records the HTTP status and raw response body
func (e *MpxError) WithStatus(status int, body []byte) *MpxError {
	e.StatusCode = status
	e.Body = body
	return e
}

// WithCause wraps an underlying error
func (e *MpxError) WithCause(err error) *MpxError {
	e.Err = err
	return e
}

// WithSuggestion replaces the default suggestion
func (e *MpxError) WithSuggestion(suggestion string) *MpxError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context information to the error
func (e *MpxError) WithContext(key string, value interface{}) *MpxError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsInvalidToken reports whether mpx rejected the session token
func (e *MpxError) IsInvalidToken() bool {
	return e.Kind == ErrProtocol && e.Description == InvalidTokenDescription
}

// IsNotFound reports a 404 either at the HTTP level or in an exception payload
func (e *MpxError) IsNotFound() bool {
	return e.StatusCode == 404 || e.ResponseCode == 404
}

// IsRetryable reports whether retrying the same call later may succeed
func (e *MpxError) IsRetryable() bool {
	switch e.Kind {
	case ErrTransport:
		return e.StatusCode == 0 || e.StatusCode >= 500
	case ErrLockBusy:
		return true
	default:
		return false
	}
}

// IsKind reports whether err is an MpxError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var mpxErr *MpxError
	if errors.As(err, &mpxErr) {
		return mpxErr.Kind == kind
	}
	return false
}

// AsMpxError extracts an MpxError from err
func AsMpxError(err error) (*MpxError, bool) {
	var mpxErr *MpxError
	if errors.As(err, &mpxErr) {
		return mpxErr, true
	}
	return nil, false
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getDefaultSuggestion(kind ErrorKind) string {
	switch kind {
	case ErrAuthentication:
		return "Check the mpx username and password configured for the account"
	case ErrTransport:
		return "Check connectivity to the mpx service and retry on the next scheduled run"
	case ErrProtocol:
		return "The mpx service rejected the request or returned an unexpected payload"
	case ErrCursorExpired:
		return "Reset the notification cursor and run a full resync"
	case ErrLockBusy:
		return "Ingestion is already running for this account and will be retried on the next run"
	default:
		return "Please check the error details and try again"
	}
}

// Lock contention is expected under overlapping schedules, so it ranks
// below real failures.
func getDefaultSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case ErrLockBusy:
		return SeverityInfo
	case ErrCursorExpired:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// redactSensitiveURL drops the query string, which carries tokens
func redactSensitiveURL(rawURL string) string {
	if i := strings.Index(rawURL, "?"); i >= 0 {
		return rawURL[:i] + "?[REDACTED]"
	}
	return rawURL
}

// NewAuthenticationError creates an error for sign-in/sign-out failures
func NewAuthenticationError(message string) *MpxError {
	return NewMpxError(ErrAuthentication, message)
}

// NewTransportError creates an error for connection failures, non-success
// statuses and empty bodies
func NewTransportError(rawURL string, message string) *MpxError {
	return NewMpxError(ErrTransport, message).WithURL(rawURL)
}

// NewProtocolError creates an error for undecodable or exception payloads
func NewProtocolError(rawURL string, message string) *MpxError {
	return NewMpxError(ErrProtocol, message).WithURL(rawURL)
}

// NewCursorExpiredError creates an error for a notification cursor the feed no longer retains
func NewCursorExpiredError(feed string, cursor string, account string) *MpxError {
	return NewMpxError(ErrCursorExpired, fmt.Sprintf("notification sequence id %s for %s is too old to fetch notifications", cursor, account)).
		WithContext("feed", feed).
		WithContext("cursor", cursor)
}

// NewLockContentionError creates an error for a lock held by another process
func NewLockContentionError(lockName string) *MpxError {
	return NewMpxError(ErrLockBusy, fmt.Sprintf("unable to acquire lock %s, ingestion may be running in another process", lockName)).
		WithContext("lock", lockName)
}
