package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrMalformedBody    = errors.New("malformed response body")
	ErrBreakerOpen      = errors.New("circuit breaker is open")
	ErrSessionExpired   = errors.New("session expired")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// PortalError is a structured error for portal client operations
type PortalError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "resolve_base_url", "recharge")
	Endpoint   string // Remote endpoint if applicable
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *PortalError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PortalError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PortalError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrMalformedBody:
		return e.Type == ErrorTypeParse
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewPortalError creates a new PortalError
func NewPortalError(errorType ErrorType, op, endpoint string, err error) *PortalError {
	return &PortalError{
		Type:      errorType,
		Op:        op,
		Endpoint:  endpoint,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *PortalError) WithStatusCode(code int) *PortalError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable determines if an error should be retried.
// Mutations are never retried automatically by callers regardless of this
// flag; it only guides read-path behavior.
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeBusiness, ErrorTypeParse:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrUnauthorized)
		}
		return true
	}
}

// ParseError records a response body that could not be decoded as JSON.
// Preview is bounded so an HTML error page never floods logs.
type ParseError struct {
	Endpoint string
	Preview  string
	Err      error
}

const previewLimit = 160

// NewParseError builds a ParseError with a bounded preview of the raw body.
func NewParseError(endpoint, body string, err error) *ParseError {
	preview := strings.TrimSpace(body)
	if len(preview) > previewLimit {
		preview = preview[:previewLimit] + "..."
	}
	return &ParseError{Endpoint: endpoint, Preview: preview, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("non-JSON response from %s: %v (body: %q)", e.Endpoint, e.Err, e.Preview)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedBody
}

// Helper functions

// WrapConnectionError wraps a connection error with context
func WrapConnectionError(op, endpoint string, err error) error {
	return NewPortalError(ErrorTypeConnection, op, endpoint, err)
}

// WrapAuthError wraps an authentication error with context
func WrapAuthError(op, endpoint string, err error) error {
	return NewPortalError(ErrorTypeAuth, op, endpoint, err)
}

// WrapValidationError wraps a local validation failure; no network was touched
func WrapValidationError(op string, err error) error {
	return NewPortalError(ErrorTypeValidation, op, "", err)
}

// WrapBusinessError wraps a backend rejection ({success:false}) with its message
func WrapBusinessError(op, endpoint, message string) error {
	return NewPortalError(ErrorTypeBusiness, op, endpoint, errors.New(message))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var perr *PortalError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var perr *PortalError
	if errors.As(err, &perr) {
		if perr.Type == ErrorTypeAuth {
			return true
		}
		if perr.StatusCode == 401 || perr.StatusCode == 403 {
			return true
		}
	}

	return errors.Is(err, ErrUnauthorized)
}

// IsBreakerOpen checks if an error is the breaker-open sentinel
func IsBreakerOpen(err error) bool {
	return errors.Is(err, ErrBreakerOpen)
}
