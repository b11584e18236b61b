// Package session tracks connected browser sessions and relays credential
// requests to the operator behind each one.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// Message types exchanged on the session channel.
const (
	MsgHello        = "hello"
	MsgActivity     = "activity"
	MsgSudo         = "sudo"
	MsgSudoCancel   = "sudoCancel"
	MsgSudoResponse = "sudoResponse"
	MsgSudoDecline  = "sudoDecline"
	MsgPing         = "ping"
	MsgPong         = "pong"
)

// HelloPayload is sent once when a session is registered.
type HelloPayload struct {
	SessionID string             `json:"sessionId"`
	Activity  *activity.Activity `json:"activity,omitempty"`
}

// ActivityPayload announces a change of the running activity. Activity is
// null when nothing is running.
type ActivityPayload struct {
	Activity *activity.Activity `json:"activity"`
}

// SudoRequest asks the operator for a superuser password.
type SudoRequest struct {
	RequestID string `json:"requestId"`
	Username  string `json:"username"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// SudoCancel withdraws a prompt that is no longer awaited.
type SudoCancel struct {
	RequestID string `json:"requestId"`
}

// SudoResponse carries the operator's answer.
type SudoResponse struct {
	RequestID string `json:"requestId,omitempty"`
	Password  string `json:"password"`
}

// SudoDecline reports that the operator dismissed the prompt.
type SudoDecline struct {
	RequestID string `json:"requestId,omitempty"`
}

// Conn is the outbound side of a browser connection. Send must not block.
type Conn interface {
	Send(msgType string, data any) error
	Close()
}

// Session is one authenticated browser connection.
type Session struct {
	ID          string
	Subject     string
	ConnectedAt time.Time

	conn        Conn
	credentials *CredentialChannel
}

// Credentials returns the session's credential relay.
func (s *Session) Credentials() *CredentialChannel {
	return s.credentials
}

// Send queues a message to the browser.
func (s *Session) Send(msgType string, data any) error {
	return s.conn.Send(msgType, data)
}

// HandleMessage applies an inbound message from the browser.
func (s *Session) HandleMessage(msgType string, data json.RawMessage) error {
	switch msgType {
	case MsgSudoResponse:
		var resp SudoResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decode %s: %w", msgType, internalerrors.ErrInvalidInput)
		}
		if !s.credentials.Resolve(resp.RequestID, resp.Password) {
			return fmt.Errorf("%s for request %q: %w", msgType, resp.RequestID, internalerrors.ErrNotFound)
		}
		return nil
	case MsgSudoDecline:
		var decline SudoDecline
		if len(data) > 0 {
			if err := json.Unmarshal(data, &decline); err != nil {
				return fmt.Errorf("decode %s: %w", msgType, internalerrors.ErrInvalidInput)
			}
		}
		if !s.credentials.Decline(decline.RequestID) {
			return fmt.Errorf("%s for request %q: %w", msgType, decline.RequestID, internalerrors.ErrNotFound)
		}
		return nil
	case MsgPing:
		return s.conn.Send(MsgPong, nil)
	default:
		return fmt.Errorf("unsupported message type %q: %w", msgType, internalerrors.ErrInvalidInput)
	}
}
