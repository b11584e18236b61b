package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/activity"
	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
	"github.com/hostdeck/hostdeck/internal/metrics"
)

const registryComponent = "session_registry"

// ActivitySource hands the running activity to newly connected sessions.
// Snapshot must hold off ActivityChanged notifications until fn returns.
type ActivitySource interface {
	Snapshot(fn func(current *activity.Activity))
}

// Registry tracks live sessions by id.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	activities ActivitySource
	now        func() time.Time
	newID      func() string
}

// NewRegistry creates an empty registry. activities may be nil.
func NewRegistry(activities ActivitySource) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		activities: activities,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Register creates a session for conn and greets it with its id and the
// running activity, if any.
func (r *Registry) Register(conn Conn, subject string) *Session {
	id := r.newID()
	s := &Session{
		ID:          id,
		Subject:     subject,
		ConnectedAt: r.now().UTC(),
		conn:        conn,
		credentials: NewCredentialChannel(id, conn.Send),
	}

	// The session becomes visible to ActivityChanged and receives hello inside
	// the snapshot, so every later transition is queued after hello.
	var count int
	greet := func(current *activity.Activity) {
		r.mu.Lock()
		r.sessions[id] = s
		count = len(r.sessions)
		r.mu.Unlock()

		if err := conn.Send(MsgHello, HelloPayload{SessionID: id, Activity: current}); err != nil {
			log.Warn().
				Str("component", registryComponent).
				Str("session_id", id).
				Err(err).
				Msg("Failed to send hello")
		}
	}
	if r.activities != nil {
		r.activities.Snapshot(greet)
	} else {
		greet(nil)
	}

	metrics.SetSessions(count)
	log.Info().
		Str("component", registryComponent).
		Str("action", "register").
		Str("session_id", id).
		Str("subject", subject).
		Int("sessions", count).
		Msg("Session registered")
	return s
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Unregister removes a session and fails its outstanding credential requests.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.credentials.Close()
	metrics.SetSessions(count)
	log.Info().
		Str("component", registryComponent).
		Str("action", "unregister").
		Str("session_id", id).
		Dur("connected_for", r.now().Sub(s.ConnectedAt)).
		Int("sessions", count).
		Msg("Session unregistered")
	return true
}

// AskSudo relays a credential request through the given session.
func (r *Registry) AskSudo(ctx context.Context, sessionID, username string, timeout time.Duration) (string, error) {
	s, ok := r.Get(sessionID)
	if !ok {
		metrics.RecordSudoRequest("session_gone")
		return "", internalerrors.NewRelayError("ask_sudo", sessionID, "", internalerrors.ErrSessionGone)
	}
	return s.credentials.AskSudo(ctx, username, timeout)
}

// ActivityChanged tells every session about the running activity. It only
// enqueues, so it is safe to call with the activity registry locked.
func (r *Registry) ActivityChanged(current *activity.Activity) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payload := ActivityPayload{Activity: current}
	for id, s := range r.sessions {
		if err := s.conn.Send(MsgActivity, payload); err != nil {
			log.Warn().
				Str("component", registryComponent).
				Str("session_id", id).
				Err(err).
				Msg("Failed to notify session of activity change")
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll disconnects every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.credentials.Close()
		s.conn.Close()
	}
	metrics.SetSessions(0)
}
