package remotekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error type constants used in ClientError.Type.
const (
	ErrorTypeNetwork         = "Network"
	ErrorTypeServer          = "Server"
	ErrorTypeCircuitOpen     = "CircuitOpen"
	ErrorTypeRateLimit       = "RateLimit"
	ErrorTypeCancelled       = "Cancelled"
	ErrorTypeCommandTimeout  = "CommandTimeout"
	ErrorTypeConnectionLimit = "ConnectionLimit"
	ErrorTypeTransfer        = "Transfer"
	ErrorTypeValidation      = "Validation"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("remotekit: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("remotekit: rate limited")

	// ErrCommandTimeout is returned when a remote command exceeds its deadline
	ErrCommandTimeout = errors.New("remotekit: command timeout")

	// ErrConnectionLimit is returned when the per-host SSH connection limit is reached
	ErrConnectionLimit = errors.New("remotekit: connection limit reached")

	// ErrConnectionNotFound is returned for operations on an unknown connection id
	ErrConnectionNotFound = errors.New("remotekit: connection not found")

	// ErrStreamClosed is returned when connecting an already-closed stream client
	ErrStreamClosed = errors.New("remotekit: stream closed")
)

// ClientError is the typed error surfaced by all three clients.
type ClientError struct {
	Type    string
	Message string
	Cause   error

	// Request executor context, zero-valued elsewhere.
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration

	// Parsed from a JSON error body of shape
	// {"error":{"message":...,"type":...,"code":...}} when present.
	APIErrorType string
	APIErrorCode string
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrCommandTimeout:
		return e.Type == ErrorTypeCommandTimeout
	case ErrConnectionLimit:
		return e.Type == ErrorTypeConnectionLimit
	}
	return false
}

// IsTransient determines if an error represents a transient failure that
// might succeed on retry. Returns true for network errors, timeouts and
// 5xx server responses. Returns false for 4xx responses (except 429),
// cancellation and configuration errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork:
			return true
		case ErrorTypeServer:
			return clientErr.StatusCode >= 500 || clientErr.StatusCode == 429
		default:
			return false
		}
	}

	return false
}

// apiErrorBody mirrors the wire shape of an error response:
// {"error":{"message":...,"type":...,"code":...}}.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// parseAPIError extracts the structured error body when the server sent
// one; the fallback message is used for opaque bodies.
func parseAPIError(body []byte, fallback string) (message, apiType, apiCode string) {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message, parsed.Error.Type, parsed.Error.Code
	}
	return fallback, "", ""
}

// cancellationError maps a context error to the Cancelled taxonomy entry.
func cancellationError(ctx context.Context) *ClientError {
	return &ClientError{
		Type:    ErrorTypeCancelled,
		Message: "request abandoned",
		Cause:   ctx.Err(),
	}
}
