package activity

import (
	"errors"
	"sync"
)

var errSlowObserver = errors.New("observer queue full")

type recordingObserver struct {
	id string

	mu           sync.Mutex
	events       []Event
	disconnected bool
	capacity     int // zero means unlimited
}

func newObserver(id string) *recordingObserver {
	return &recordingObserver{id: id}
}

func (o *recordingObserver) ID() string { return o.id }

func (o *recordingObserver) Deliver(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.capacity > 0 && len(o.events) >= o.capacity {
		return errSlowObserver
	}
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) Disconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = true
}

func (o *recordingObserver) Events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

func (o *recordingObserver) Disconnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected
}

// Lines flattens backfill and output events in delivery order.
func (o *recordingObserver) Lines() []string {
	var lines []string
	for _, ev := range o.Events() {
		if ev.Kind == EventBackfill || ev.Kind == EventOutput {
			lines = append(lines, ev.Lines...)
		}
	}
	return lines
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []*Activity
}

func (n *recordingNotifier) ActivityChanged(current *Activity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, current)
}

func (n *recordingNotifier) Changes() []*Activity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Activity(nil), n.changes...)
}
