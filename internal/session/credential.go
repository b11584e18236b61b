package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/metrics"
)

const credentialComponent = "credential_relay"

type credentialResult struct {
	password string
	declined bool
}

// CredentialChannel asks the operator behind one session for a password and
// waits for the answer. Requests carry a correlation id so several may be
// outstanding at once.
type CredentialChannel struct {
	sessionID string
	send      func(msgType string, data any) error
	newID     func() string

	mu      sync.Mutex
	pending map[string]chan credentialResult
	closed  bool
	done    chan struct{}
}

// NewCredentialChannel creates a relay that writes prompts through send.
func NewCredentialChannel(sessionID string, send func(msgType string, data any) error) *CredentialChannel {
	return &CredentialChannel{
		sessionID: sessionID,
		send:      send,
		newID:     uuid.NewString,
		pending:   make(map[string]chan credentialResult),
		done:      make(chan struct{}),
	}
}

// AskSudo prompts the operator for username's password and blocks until an
// answer arrives, timeout elapses, the session closes or ctx is done.
func (c *CredentialChannel) AskSudo(ctx context.Context, username string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", fmt.Errorf("sudo timeout must be positive: %w", internalerrors.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		metrics.RecordSudoRequest("session_gone")
		return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, "", internalerrors.ErrSessionGone)
	}
	requestID := c.newID()
	reply := make(chan credentialResult, 1)
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer c.remove(requestID)

	logger := log.With().
		Str("component", credentialComponent).
		Str("session_id", c.sessionID).
		Str("request_id", requestID).
		Str("username", username).
		Logger()

	req := SudoRequest{RequestID: requestID, Username: username, TimeoutMs: timeout.Milliseconds()}
	if err := c.send(MsgSudo, req); err != nil {
		metrics.RecordSudoRequest("session_gone")
		logger.Warn().Err(err).Msg("Failed to send credential request")
		return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, requestID,
			fmt.Errorf("%w: %v", internalerrors.ErrSessionGone, err))
	}
	logger.Info().Dur("timeout", timeout).Msg("Credential requested from operator")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		if res.declined {
			metrics.RecordSudoRequest("declined")
			logger.Info().Msg("Operator declined credential request")
			return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, requestID, internalerrors.ErrCredentialDeclined)
		}
		metrics.RecordSudoRequest("answered")
		logger.Debug().Msg("Credential received")
		return res.password, nil

	case <-timer.C:
		c.withdraw(requestID)
		metrics.RecordSudoRequest("timeout")
		logger.Warn().Dur("timeout", timeout).Msg("Credential request timed out")
		return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, requestID, internalerrors.ErrCredentialTimeout)

	case <-c.done:
		metrics.RecordSudoRequest("session_gone")
		logger.Warn().Msg("Session closed while waiting for credential")
		return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, requestID, internalerrors.ErrSessionGone)

	case <-ctx.Done():
		c.withdraw(requestID)
		metrics.RecordSudoRequest("cancelled")
		logger.Info().Err(ctx.Err()).Msg("Credential request cancelled")
		return "", internalerrors.NewRelayError("ask_sudo", c.sessionID, requestID, ctx.Err())
	}
}

// Resolve hands the operator's password to the waiting request. An empty
// requestID matches only when exactly one request is pending.
func (c *CredentialChannel) Resolve(requestID, password string) bool {
	return c.deliver(requestID, credentialResult{password: password})
}

// Decline fails the waiting request with ErrCredentialDeclined.
func (c *CredentialChannel) Decline(requestID string) bool {
	return c.deliver(requestID, credentialResult{declined: true})
}

// Pending returns the number of outstanding requests.
func (c *CredentialChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding request with ErrSessionGone and rejects new ones.
func (c *CredentialChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *CredentialChannel) deliver(requestID string, res credentialResult) bool {
	c.mu.Lock()
	if requestID == "" && len(c.pending) == 1 {
		for id := range c.pending {
			requestID = id
		}
	}
	reply, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		log.Debug().
			Str("component", credentialComponent).
			Str("session_id", c.sessionID).
			Str("request_id", requestID).
			Msg("Ignoring answer for unknown credential request")
		return false
	}
	reply <- res
	return true
}

func (c *CredentialChannel) remove(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// withdraw tells the browser to drop a prompt nobody is waiting for.
func (c *CredentialChannel) withdraw(requestID string) {
	c.remove(requestID)
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.send(MsgSudoCancel, SudoCancel{RequestID: requestID}); err != nil {
		log.Debug().
			Str("component", credentialComponent).
			Str("session_id", c.sessionID).
			Str("request_id", requestID).
			Err(err).
			Msg("Failed to withdraw credential prompt")
	}
}
