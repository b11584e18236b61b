package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// State is the lifecycle of an OperationHandle.
type State int

const (
	StateAttaching State = iota
	StateActive
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OperationError is the failure reported by the server when an activity ends.
type OperationError struct {
	Message string
}

func (e *OperationError) Error() string {
	return e.Message
}

// Callbacks receive an attached activity's stream. They run on the handle's
// reader goroutine, in order. Nil callbacks are skipped.
type Callbacks struct {
	OnBackfill  func(lines []string)
	OnOutput    func(lines []string)
	OnCompleted func()
	OnError     func(err error)
}

// OperationHandle follows one activity over /ws/activity/{id}.
type OperationHandle struct {
	activityID string
	conn       *wsConn
	callbacks  Callbacks

	mu    sync.Mutex
	state State
	err   error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// Attach connects to an activity's stream and waits for the first event: a
// backfill makes the handle Active, an end makes it terminal at once.
func (a *API) Attach(ctx context.Context, activityID string, cb Callbacks) (*OperationHandle, error) {
	conn, err := a.dial(ctx, "/ws/activity/"+url.PathEscape(activityID))
	if err != nil {
		return nil, err
	}

	h := &OperationHandle{
		activityID: activityID,
		conn:       conn,
		callbacks:  cb,
		state:      StateAttaching,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.readLoop()

	select {
	case <-h.ready:
		return h, nil
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	}
}

// ActivityID returns the attached activity's id.
func (h *OperationHandle) ActivityID() string {
	return h.activityID
}

// State returns the current state.
func (h *OperationHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the terminal error, if any.
func (h *OperationHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the handle reaches a terminal state.
func (h *OperationHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the activity finishes. It returns nil on success.
func (h *OperationHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort asks the server to abort the activity. Only valid while Active.
func (h *OperationHandle) Abort() error {
	if state := h.State(); state != StateActive {
		return fmt.Errorf("abort in state %s: %w", state, internalerrors.ErrNotRunning)
	}
	if err := h.conn.send("abort", nil); err != nil {
		return fmt.Errorf("send abort: %w", err)
	}
	return nil
}

// Close drops the connection. A handle that has not finished becomes
// Errored with ErrDisconnected.
func (h *OperationHandle) Close() {
	h.conn.close()
	<-h.done
}

func (h *OperationHandle) readLoop() {
	for {
		msg, err := h.conn.read()
		if err != nil {
			h.finish(StateErrored, fmt.Errorf("%w: %v", internalerrors.ErrDisconnected, err))
			return
		}

		switch activity.EventKind(msg.Type) {
		case activity.EventBackfill:
			var payload activity.LinesPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.finish(StateErrored, fmt.Errorf("decode backfill: %w", err))
				return
			}
			if !h.transition(StateAttaching, StateActive) {
				continue
			}
			if h.callbacks.OnBackfill != nil {
				h.callbacks.OnBackfill(payload.Lines)
			}
			h.markReady()

		case activity.EventOutput:
			if h.State() != StateActive {
				continue
			}
			var payload activity.LinesPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.finish(StateErrored, fmt.Errorf("decode output: %w", err))
				return
			}
			if h.callbacks.OnOutput != nil {
				h.callbacks.OnOutput(payload.Lines)
			}

		case activity.EventEnd:
			var payload activity.EndPayload
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &payload); err != nil {
					h.finish(StateErrored, fmt.Errorf("decode end: %w", err))
					return
				}
			}
			switch {
			case payload.NotRunning:
				h.finish(StateErrored, fmt.Errorf("activity %s: %w", h.activityID, internalerrors.ErrNotRunning))
			case payload.Error != "":
				h.finish(StateErrored, &OperationError{Message: payload.Error})
			default:
				h.finish(StateCompleted, nil)
			}
			return

		case "error":
			log.Debug().
				Str("component", "client").
				Str("activity_id", h.activityID).
				RawJSON("data", msg.Data).
				Msg("Server rejected request")

		default:
		}
	}
}

func (h *OperationHandle) transition(from, to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}

func (h *OperationHandle) markReady() {
	h.readyOnce.Do(func() { close(h.ready) })
}

// finish moves to a terminal state once and reports it.
func (h *OperationHandle) finish(state State, err error) {
	h.mu.Lock()
	if h.state == StateCompleted || h.state == StateErrored {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.err = err
	h.mu.Unlock()

	if state == StateCompleted {
		if h.callbacks.OnCompleted != nil {
			h.callbacks.OnCompleted()
		}
	} else if h.callbacks.OnError != nil {
		h.callbacks.OnError(err)
	}

	h.conn.close()
	close(h.done)
	h.markReady()
}

// IsOperationError reports whether err is a failure reported by the server.
func IsOperationError(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr)
}
