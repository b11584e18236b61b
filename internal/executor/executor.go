// Package executor runs the work behind an activity and reports its output
// and completion to the activity registry.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

const executorComponent = "executor"

// DefaultSudoTimeout bounds how long an operation waits for the operator.
const DefaultSudoTimeout = 60 * time.Second

// Runner carries out one kind of activity.
type Runner interface {
	Run(ctx context.Context, op *Operation) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, op *Operation) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, op *Operation) error {
	return f(ctx, op)
}

// CredentialRelay obtains a password from the operator behind a session.
type CredentialRelay interface {
	AskSudo(ctx context.Context, sessionID, username string, timeout time.Duration) (string, error)
}

// StartRequest describes an activity to run.
type StartRequest struct {
	Type        activity.Type
	Params      json.RawMessage
	SessionID   string
	Username    string
	InitiatedBy string
}

// Service claims the activity slot and drives a Runner in the background.
type Service struct {
	activities *activity.Registry
	relay      CredentialRelay

	mu      sync.RWMutex
	runners map[activity.Type]Runner

	sudoTimeout atomic.Int64
	baseCtx     context.Context
	cancelAll   context.CancelFunc
	wg          sync.WaitGroup
}

// NewService creates a service with no runners registered.
func NewService(activities *activity.Registry, relay CredentialRelay) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		activities: activities,
		relay:      relay,
		runners:    make(map[activity.Type]Runner),
		baseCtx:    ctx,
		cancelAll:  cancel,
	}
	s.sudoTimeout.Store(int64(DefaultSudoTimeout))
	return s
}

// Register installs the runner for an activity type.
func (s *Service) Register(t activity.Type, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[t] = r
}

// Types lists the activity types that can be started.
func (s *Service) Types() []activity.Type {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]activity.Type, 0, len(s.runners))
	for t := range s.runners {
		types = append(types, t)
	}
	return types
}

// SetSudoTimeout changes the credential deadline for later requests.
func (s *Service) SetSudoTimeout(d time.Duration) {
	if d > 0 {
		s.sudoTimeout.Store(int64(d))
	}
}

// SudoTimeout returns the current credential deadline.
func (s *Service) SudoTimeout() time.Duration {
	return time.Duration(s.sudoTimeout.Load())
}

// Start claims the activity slot and runs the matching runner in the
// background. The returned activity is already running; its completion is
// reported to the registry exactly once.
func (s *Service) Start(ctx context.Context, req StartRequest) (activity.Activity, error) {
	if err := ctx.Err(); err != nil {
		return activity.Activity{}, err
	}

	s.mu.RLock()
	runner, ok := s.runners[req.Type]
	s.mu.RUnlock()
	if !ok {
		return activity.Activity{}, fmt.Errorf("unsupported activity type %q: %w", req.Type, internalerrors.ErrInvalidInput)
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return activity.Activity{}, fmt.Errorf("activity params must be valid JSON: %w", internalerrors.ErrInvalidInput)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	act, err := s.activities.Start(activity.Descriptor{
		Type:        req.Type,
		InitiatedBy: req.InitiatedBy,
		Metadata:    req.Params,
	}, cancel)
	if err != nil {
		cancel()
		return activity.Activity{}, err
	}

	username := req.Username
	if username == "" {
		username = req.InitiatedBy
	}
	op := &Operation{
		Activity:  act,
		params:    req.Params,
		sessionID: req.SessionID,
		username:  username,
		service:   s,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := s.run(runCtx, runner, op)
		if runCtx.Err() != nil {
			if err == nil {
				err = runCtx.Err()
			}
			err = fmt.Errorf("operation aborted: %w", err)
		}
		if endErr := s.activities.End(act.ID, err); endErr != nil {
			log.Error().
				Str("component", executorComponent).
				Str("activity_id", act.ID).
				Err(endErr).
				Msg("Failed to report activity end")
		}
	}()

	return act, nil
}

func (s *Service) run(ctx context.Context, runner Runner, op *Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", executorComponent).
				Str("activity_id", op.Activity.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Runner panicked")
			err = fmt.Errorf("operation failed: internal error")
		}
	}()
	return runner.Run(ctx, op)
}

// Shutdown aborts the running operation and waits for it to report its end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Operation is the runner's view of the activity it is executing.
type Operation struct {
	Activity activity.Activity

	params    json.RawMessage
	sessionID string
	username  string
	service   *Service

	mu       sync.Mutex
	password string
}

// Params returns the raw parameters supplied at start.
func (o *Operation) Params() json.RawMessage {
	return o.params
}

// DecodeParams unmarshals the parameters into v.
func (o *Operation) DecodeParams(v any) error {
	if len(o.params) == 0 {
		return nil
	}
	if err := json.Unmarshal(o.params, v); err != nil {
		return fmt.Errorf("decode params: %w: %v", internalerrors.ErrInvalidInput, err)
	}
	return nil
}

// StringParams flattens the top-level scalar parameters into strings.
// Nested objects and arrays are skipped.
func (o *Operation) StringParams() (map[string]string, error) {
	out := make(map[string]string)
	if len(o.params) == 0 {
		return out, nil
	}

	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(string(o.params)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", internalerrors.ErrInvalidInput)
	}
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		}
	}
	return out, nil
}

// Output appends lines to the activity's stream.
func (o *Operation) Output(lines ...string) {
	if len(lines) == 0 {
		return
	}
	_ = o.service.activities.AppendOutput(o.Activity.ID, lines)
}

// Outputf appends one formatted line.
func (o *Operation) Outputf(format string, args ...any) {
	o.Output(fmt.Sprintf(format, args...))
}

// Username is the account the operator is asked to authenticate as.
func (o *Operation) Username() string {
	return o.username
}

// AskSudo obtains the superuser password from the operator who started the
// activity. The answer is kept in memory for the rest of the operation.
func (o *Operation) AskSudo(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.password != "" {
		return o.password, nil
	}
	if o.sessionID == "" || o.service.relay == nil {
		return "", internalerrors.NewRelayError("ask_sudo", o.sessionID, "", internalerrors.ErrSessionGone)
	}

	o.Output("Waiting for the administrator password...")
	password, err := o.service.relay.AskSudo(ctx, o.sessionID, o.username, o.service.SudoTimeout())
	if err != nil {
		return "", err
	}
	o.password = password
	return password, nil
}
