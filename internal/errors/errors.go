package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrConflict           = errors.New("operation already running")
	ErrNotRunning         = errors.New("activity not running")
	ErrCredentialTimeout  = errors.New("credential request timed out")
	ErrCredentialDeclined = errors.New("credential request declined")
	ErrSessionGone        = errors.New("session gone")
	ErrInvalidToken       = errors.New("invalid token")
	ErrDisconnected       = errors.New("disconnected")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeNotRunning ErrorType = "not_running"
	ErrorTypeRelay      ErrorType = "relay"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// RelayError describes a failed credential relay round-trip.
type RelayError struct {
	Op        string // "ask_sudo", "resolve"
	SessionID string
	RequestID string
	Err       error
}

func (e *RelayError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s failed for session %s (request %s): %v", e.Op, e.SessionID, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewRelayError creates a new RelayError
func NewRelayError(op, sessionID, requestID string, err error) *RelayError {
	return &RelayError{
		Op:        op,
		SessionID: sessionID,
		RequestID: requestID,
		Err:       err,
	}
}

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrNotRunning):
		return ErrorTypeNotRunning
	case errors.Is(err, ErrCredentialTimeout),
		errors.Is(err, ErrCredentialDeclined),
		errors.Is(err, ErrSessionGone),
		errors.Is(err, ErrDisconnected):
		return ErrorTypeRelay
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthorized):
		return ErrorTypeAuth
	case errors.Is(err, ErrInvalidInput):
		return ErrorTypeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	default:
		return ErrorTypeInternal
	}
}

// HTTPStatus returns the response status for an error surfaced to an API caller.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case ErrorTypeConflict, ErrorTypeNotRunning:
		return http.StatusConflict
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRelay:
		if errors.Is(err, ErrSessionGone) {
			return http.StatusGone
		}
		return http.StatusGatewayTimeout
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// IsRelayError reports whether err is a transient credential relay failure.
func IsRelayError(err error) bool {
	return Classify(err) == ErrorTypeRelay
}
