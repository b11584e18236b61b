package activity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/buffer"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/metrics"
)

const registryComponent = "activity_registry"

// DefaultHistorySize is the number of ended activities kept by Recent.
const DefaultHistorySize = 20

// Registry is the gate that lets at most one activity run at a time.
// State moves Idle -> Running -> Idle; the running activity owns a Channel.
type Registry struct {
	mu       sync.Mutex
	current  *Activity
	channel  *Channel
	notifier Notifier
	history  *buffer.Ring[Summary]
	now      func() time.Time
	newID    func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the receiver of activity transitions.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithHistorySize bounds the number of ended activities kept in memory.
func WithHistorySize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.history = buffer.New[Summary](n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an idle registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		history: buffer.New[Summary](DefaultHistorySize),
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNotifier replaces the transition receiver. Sessions and activities
// reference each other, so the notifier is usually wired after construction.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Start claims the slot for a new activity. abort may be nil.
func (r *Registry) Start(desc Descriptor, abort func()) (Activity, error) {
	if strings.TrimSpace(string(desc.Type)) == "" {
		return Activity{}, fmt.Errorf("activity type is required: %w", internalerrors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		running := *r.current
		metrics.RecordStartConflict()
		log.Warn().
			Str("component", registryComponent).
			Str("action", "start_rejected").
			Str("current_activity_id", running.ID).
			Str("current_type", string(running.Type)).
			Str("requested_type", string(desc.Type)).
			Msg("Activity rejected: another activity is already running")
		return Activity{}, &ConflictError{Running: running}
	}

	act := Activity{
		ID:          r.newID(),
		Type:        desc.Type,
		StartedAt:   r.now().UTC(),
		InitiatedBy: desc.InitiatedBy,
		Metadata:    append([]byte(nil), desc.Metadata...),
	}
	if len(act.Metadata) == 0 {
		act.Metadata = nil
	}

	r.current = &act
	r.channel = newChannel(act, abort)
	metrics.RecordActivityStarted(string(act.Type))

	log.Info().
		Str("component", registryComponent).
		Str("action", "start").
		Str("activity_id", act.ID).
		Str("type", string(act.Type)).
		Str("initiated_by", act.InitiatedBy).
		Msg("Activity started")

	r.notifyLocked()
	return act, nil
}

// End reports completion of the running activity. A stale or repeated id
// returns ErrNotRunning and changes nothing.
func (r *Registry) End(id string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.ID != id {
		log.Warn().
			Str("component", registryComponent).
			Str("action", "end_ignored").
			Str("activity_id", id).
			Msg("End reported for an activity that is not running")
		return fmt.Errorf("end %s: %w", id, internalerrors.ErrNotRunning)
	}

	act := *r.current
	channel := r.channel
	channel.End(err)

	summary := Summary{
		Activity:    act,
		EndedAt:     r.now().UTC(),
		OutputLines: channel.LineCount(),
	}
	if err != nil {
		summary.Error = err.Error()
	}
	r.history.Push(summary)
	r.current = nil
	r.channel = nil
	metrics.RecordActivityEnded(string(act.Type), act.StartedAt, err != nil)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("component", registryComponent).
		Str("action", "end").
		Str("activity_id", act.ID).
		Str("type", string(act.Type)).
		Dur("duration", summary.EndedAt.Sub(act.StartedAt)).
		Int("output_lines", summary.OutputLines).
		Msg("Activity ended")

	r.notifyLocked()
	return nil
}

// Current returns a snapshot of the running activity.
func (r *Registry) Current() (Activity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Activity{}, false
	}
	return *r.current, true
}

// Snapshot calls fn with the running activity, or nil when idle, while
// holding the registry lock. No transition is notified until fn returns, so
// fn may publish the snapshot without racing the Notifier. fn must not block
// or call back into the registry.
func (r *Registry) Snapshot(fn func(current *Activity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		fn(nil)
		return
	}
	current := *r.current
	fn(&current)
}

// Attach subscribes o to the running activity when id matches. Any other id
// gets an immediate end event and is disconnected.
func (r *Registry) Attach(id string, o Observer) {
	r.mu.Lock()
	channel := r.channelForLocked(id)
	r.mu.Unlock()

	// A channel that ends after the lookup answers the attach with its own
	// end event.
	if channel != nil {
		channel.Attach(o)
		return
	}

	log.Debug().
		Str("component", registryComponent).
		Str("activity_id", id).
		Str("observer_id", o.ID()).
		Msg("Observer attached to an activity that is not running")
	_ = o.Deliver(Event{Kind: EventEnd, NotRunning: true})
	o.Disconnect()
}

// Detach removes an observer from the running activity.
func (r *Registry) Detach(id, observerID string) {
	r.mu.Lock()
	channel := r.channelForLocked(id)
	r.mu.Unlock()
	if channel != nil {
		channel.Detach(observerID)
	}
}

// AppendOutput routes executor output to the running activity. Output for
// any other id is dropped.
func (r *Registry) AppendOutput(id string, lines []string) error {
	r.mu.Lock()
	channel := r.channelForLocked(id)
	r.mu.Unlock()

	if channel == nil || !channel.AppendOutput(lines) {
		metrics.RecordOutputDropped()
		log.Warn().
			Str("component", registryComponent).
			Str("action", "output_dropped").
			Str("activity_id", id).
			Int("lines", len(lines)).
			Msg("Dropping output for an activity that is not running")
		return fmt.Errorf("append output %s: %w", id, internalerrors.ErrNotRunning)
	}
	return nil
}

// Abort asks the running activity's initiator to stop it. The activity keeps
// running until End is reported.
func (r *Registry) Abort(id string) error {
	r.mu.Lock()
	channel := r.channelForLocked(id)
	r.mu.Unlock()

	if channel == nil {
		return fmt.Errorf("abort %s: %w", id, internalerrors.ErrNotRunning)
	}

	invoked := channel.Abort()
	log.Info().
		Str("component", registryComponent).
		Str("action", "abort").
		Str("activity_id", id).
		Bool("callback_invoked", invoked).
		Msg("Abort requested")
	return nil
}

// Lines returns the buffered output of the running activity.
func (r *Registry) Lines(id string) ([]string, error) {
	r.mu.Lock()
	channel := r.channelForLocked(id)
	r.mu.Unlock()
	if channel == nil {
		return nil, fmt.Errorf("lines %s: %w", id, internalerrors.ErrNotRunning)
	}
	return channel.Lines(), nil
}

// Recent returns summaries of ended activities, newest first.
func (r *Registry) Recent() []Summary {
	return r.history.Items()
}

func (r *Registry) channelForLocked(id string) *Channel {
	if r.current == nil || r.current.ID != id {
		return nil
	}
	return r.channel
}

func (r *Registry) notifyLocked() {
	if r.notifier == nil {
		return
	}
	if r.current == nil {
		r.notifier.ActivityChanged(nil)
		return
	}
	snapshot := *r.current
	r.notifier.ActivityChanged(&snapshot)
}
