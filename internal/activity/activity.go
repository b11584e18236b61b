// Package activity coordinates the single long-running privileged operation
// a host may run at a time and streams its output to observers.
package activity

import (
	"encoding/json"
	"fmt"
	"time"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

// Type identifies the kind of operation an activity performs.
type Type string

const (
	TypeModuleChange Type = "module-change"
	TypeDeployment   Type = "deployment"
	TypeBackup       Type = "backup"
)

// Valid reports whether t is a known activity type.
func (t Type) Valid() bool {
	switch t {
	case TypeModuleChange, TypeDeployment, TypeBackup:
		return true
	default:
		return false
	}
}

// Activity is one running operation. It does not change after creation.
type Activity struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	StartedAt   time.Time       `json:"startedAt"`
	InitiatedBy string          `json:"initiatedBy,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Descriptor is what a caller supplies to start an activity.
type Descriptor struct {
	Type        Type
	InitiatedBy string
	Metadata    json.RawMessage
}

// Summary is kept for recently ended activities.
type Summary struct {
	Activity    Activity  `json:"activity"`
	EndedAt     time.Time `json:"endedAt"`
	Error       string    `json:"error,omitempty"`
	OutputLines int       `json:"outputLines"`
}

// ConflictError is returned by Start while another activity is running.
type ConflictError struct {
	Running Activity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %s started at %s", internalerrors.ErrConflict, e.Running.Type, e.Running.ID, e.Running.StartedAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error {
	return internalerrors.ErrConflict
}

// EventKind names the messages an observer receives.
type EventKind string

const (
	EventBackfill EventKind = "backfill"
	EventOutput   EventKind = "output"
	EventEnd      EventKind = "end"
)

// Event is delivered to observers. Backfill and output carry lines; end may
// carry the failure message.
type Event struct {
	Kind       EventKind
	Lines      []string
	Error      string
	NotRunning bool
}

// LinesPayload is the wire form of backfill and output events.
type LinesPayload struct {
	Lines []string `json:"lines"`
}

// EndPayload is the wire form of an end event.
type EndPayload struct {
	Error      string `json:"error,omitempty"`
	NotRunning bool   `json:"notRunning,omitempty"`
}

// Payload returns the JSON body for the event.
func (e Event) Payload() any {
	if e.Kind == EventEnd {
		return EndPayload{Error: e.Error, NotRunning: e.NotRunning}
	}
	lines := e.Lines
	if lines == nil {
		lines = []string{}
	}
	return LinesPayload{Lines: lines}
}

// Observer receives an activity's output stream.
//
// Deliver must not block. An error means the observer cannot keep up or is
// gone; the channel then detaches it and calls Disconnect.
type Observer interface {
	ID() string
	Deliver(Event) error
	Disconnect()
}

// Notifier is told about every transition of the running activity. It is
// called with the registry lock held and must not block or call back into
// the registry.
type Notifier interface {
	ActivityChanged(current *Activity)
}
