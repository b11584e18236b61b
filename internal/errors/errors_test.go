package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusOK},
		{"conflict", ErrConflict, http.StatusConflict},
		{"wrapped conflict", fmt.Errorf("start: %w", ErrConflict), http.StatusConflict},
		{"not running", ErrNotRunning, http.StatusConflict},
		{"invalid token", ErrInvalidToken, http.StatusUnauthorized},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"invalid input", ErrInvalidInput, http.StatusBadRequest},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"session gone", ErrSessionGone, http.StatusGone},
		{"credential timeout", ErrCredentialTimeout, http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.expected {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.expected)
			}
		})
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	err := NewRelayError("ask_sudo", "sess-1", "req-1", ErrCredentialTimeout)

	if !errors.Is(err, ErrCredentialTimeout) {
		t.Fatalf("expected relay error to match ErrCredentialTimeout")
	}
	if !IsRelayError(err) {
		t.Fatalf("expected IsRelayError to be true")
	}
	want := "ask_sudo failed for session sess-1 (request req-1): credential request timed out"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestClassifyContextErrorsAreInternal(t *testing.T) {
	if got := Classify(context.Canceled); got != ErrorTypeInternal {
		t.Fatalf("Classify(context.Canceled) = %q, want %q", got, ErrorTypeInternal)
	}
}
