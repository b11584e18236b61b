package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/session"
)

const sessionComponent = "session_client"

// Prompter asks the operator for a password. The context expires at the
// server's deadline or when the server withdraws the prompt. Returning an
// error declines the request.
type Prompter interface {
	PromptPassword(ctx context.Context, req session.SudoRequest) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req session.SudoRequest) (string, error)

// PromptPassword implements Prompter.
func (f PrompterFunc) PromptPassword(ctx context.Context, req session.SudoRequest) (string, error) {
	return f(ctx, req)
}

// SessionClient holds the /ws/session channel: it learns its session id,
// follows activity changes and answers credential prompts.
type SessionClient struct {
	api        *API
	prompter   Prompter
	onActivity func(*activity.Activity)

	conn  *wsConn
	hello chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	sessionID string
	current   *activity.Activity
	pending   map[string]context.CancelFunc
	err       error
	helloOnce sync.Once
}

// NewSessionClient creates a session client. prompter may be nil, in which
// case every prompt is declined.
func NewSessionClient(api *API, prompter Prompter) *SessionClient {
	return &SessionClient{
		api:      api,
		prompter: prompter,
		hello:    make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]context.CancelFunc),
	}
}

// OnActivity registers a callback for activity changes. It must be set
// before Connect and runs on the reader goroutine.
func (c *SessionClient) OnActivity(fn func(*activity.Activity)) {
	c.onActivity = fn
}

// Connect dials the session channel and waits for hello.
func (c *SessionClient) Connect(ctx context.Context) error {
	conn, err := c.api.dial(ctx, "/ws/session")
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.close()
		return errors.New("session client already connected")
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	select {
	case <-c.hello:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// SessionID returns the id assigned by the server.
func (c *SessionClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// CurrentActivity returns the last announced running activity.
func (c *SessionClient) CurrentActivity() *activity.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Done is closed when the connection ends.
func (c *SessionClient) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *SessionClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the session and withdraws any prompt in progress. Closing a
// client that never connected is a no-op.
func (c *SessionClient) Close() {
	conn := c.connection()
	if conn == nil {
		return
	}
	conn.close()
	<-c.done
}

func (c *SessionClient) connection() *wsConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *SessionClient) readLoop(conn *wsConn) {
	defer func() {
		c.mu.Lock()
		for id, cancel := range c.pending {
			cancel()
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		msg, err := conn.read()
		if err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", internalerrors.ErrDisconnected, err)
			c.mu.Unlock()
			return
		}
		if err := c.handle(msg); err != nil {
			log.Debug().
				Str("component", sessionComponent).
				Str("type", msg.Type).
				Err(err).
				Msg("Ignoring malformed message")
		}
	}
}

func (c *SessionClient) handle(msg envelope) error {
	switch msg.Type {
	case session.MsgHello:
		var hello session.HelloPayload
		if err := json.Unmarshal(msg.Data, &hello); err != nil {
			return err
		}
		c.mu.Lock()
		c.sessionID = hello.SessionID
		c.current = hello.Activity
		c.mu.Unlock()
		c.notifyActivity(hello.Activity)
		c.helloOnce.Do(func() { close(c.hello) })

	case session.MsgActivity:
		var payload session.ActivityPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return err
		}
		c.mu.Lock()
		c.current = payload.Activity
		c.mu.Unlock()
		c.notifyActivity(payload.Activity)

	case session.MsgSudo:
		var req session.SudoRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return err
		}
		c.startPrompt(req)

	case session.MsgSudoCancel:
		var cancel session.SudoCancel
		if err := json.Unmarshal(msg.Data, &cancel); err != nil {
			return err
		}
		c.mu.Lock()
		if fn, ok := c.pending[cancel.RequestID]; ok {
			fn()
			delete(c.pending, cancel.RequestID)
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *SessionClient) notifyActivity(act *activity.Activity) {
	if c.onActivity != nil {
		c.onActivity(act)
	}
}

// startPrompt answers a sudo request on its own goroutine so the reader
// keeps handling cancellations.
func (c *SessionClient) startPrompt(req session.SudoRequest) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	c.mu.Lock()
	if prev, ok := c.pending[req.RequestID]; ok {
		prev()
	}
	c.pending[req.RequestID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, req.RequestID)
			c.mu.Unlock()
			cancel()
		}()

		var (
			password string
			err      = errors.New("no prompter configured")
		)
		if c.prompter != nil {
			password, err = c.prompter.PromptPassword(ctx, req)
		}
		if ctx.Err() != nil {
			// Withdrawn or expired; the server no longer waits for an answer.
			return
		}

		if err != nil {
			log.Info().
				Str("component", sessionComponent).
				Str("request_id", req.RequestID).
				Err(err).
				Msg("Declining credential request")
			if sendErr := c.connection().send(session.MsgSudoDecline, session.SudoDecline{RequestID: req.RequestID}); sendErr != nil {
				log.Warn().Err(sendErr).Str("component", sessionComponent).Msg("Failed to send decline")
			}
			return
		}
		if sendErr := c.connection().send(session.MsgSudoResponse, session.SudoResponse{RequestID: req.RequestID, Password: password}); sendErr != nil {
			log.Warn().Err(sendErr).Str("component", sessionComponent).Msg("Failed to send credential response")
		}
	}()
}
