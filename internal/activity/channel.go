package activity

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hostdeck/hostdeck/internal/metrics"
)

const channelComponent = "activity_channel"

// Channel buffers an activity's output and fans it out to attached observers.
// Appends, attaches and the end broadcast share one lock, so an observer sees
// the buffer as of its attach followed by every later append.
type Channel struct {
	activity Activity
	abort    func()

	mu        sync.Mutex
	output    [][]string
	lineCount int
	observers map[string]Observer
	ended     bool
	endErr    string
}

func newChannel(activity Activity, abort func()) *Channel {
	return &Channel{
		activity:  activity,
		abort:     abort,
		observers: make(map[string]Observer),
	}
}

// Activity returns the activity this channel belongs to.
func (c *Channel) Activity() Activity {
	return c.activity
}

// AppendOutput appends a batch and broadcasts it. Appends after End are
// ignored and report false.
func (c *Channel) AppendOutput(lines []string) bool {
	if len(lines) == 0 {
		return true
	}
	batch := append([]string(nil), lines...)

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	c.output = append(c.output, batch)
	c.lineCount += len(batch)
	evicted := c.broadcastLocked(Event{Kind: EventOutput, Lines: batch})
	c.mu.Unlock()

	metrics.RecordOutput(len(batch))
	c.disconnect(evicted)
	return true
}

// Attach replays the buffered output to o and adds it to the live set. An
// observer attaching after End receives the end event and is disconnected.
func (c *Channel) Attach(o Observer) {
	c.mu.Lock()
	if c.ended {
		endErr := c.endErr
		c.mu.Unlock()
		_ = o.Deliver(Event{Kind: EventEnd, Error: endErr})
		o.Disconnect()
		return
	}

	if err := o.Deliver(Event{Kind: EventBackfill, Lines: c.historyLocked()}); err != nil {
		c.mu.Unlock()
		log.Warn().
			Str("component", channelComponent).
			Str("activity_id", c.activity.ID).
			Str("observer_id", o.ID()).
			Err(err).
			Msg("Failed to deliver backfill, dropping observer")
		o.Disconnect()
		return
	}

	replaced, hadPrevious := c.observers[o.ID()]
	c.observers[o.ID()] = o
	count := len(c.observers)
	c.mu.Unlock()

	if hadPrevious && replaced != o {
		replaced.Disconnect()
	}

	metrics.SetObservers(count)
	log.Debug().
		Str("component", channelComponent).
		Str("activity_id", c.activity.ID).
		Str("observer_id", o.ID()).
		Int("observers", count).
		Msg("Observer attached")
}

// Detach removes an observer whose connection went away.
func (c *Channel) Detach(observerID string) bool {
	c.mu.Lock()
	_, ok := c.observers[observerID]
	delete(c.observers, observerID)
	count := len(c.observers)
	ended := c.ended
	c.mu.Unlock()

	if ok && !ended {
		metrics.SetObservers(count)
	}
	return ok
}

// End delivers the end event to every observer and disconnects them. Only
// the first call has any effect.
func (c *Channel) End(err error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	if err != nil {
		c.endErr = err.Error()
	}

	event := Event{Kind: EventEnd, Error: c.endErr}
	observers := make([]Observer, 0, len(c.observers))
	for id, o := range c.observers {
		_ = o.Deliver(event)
		observers = append(observers, o)
		delete(c.observers, id)
	}
	c.mu.Unlock()

	metrics.SetObservers(0)
	c.disconnect(observers)
}

// Abort invokes the abort callback supplied at start. It reports false when
// there is no callback or the channel already ended.
func (c *Channel) Abort() bool {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()

	if ended || c.abort == nil {
		return false
	}
	c.abort()
	return true
}

// Lines returns a flat copy of the buffered output.
func (c *Channel) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

// LineCount returns the number of buffered lines.
func (c *Channel) LineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineCount
}

// Observers returns the number of attached observers.
func (c *Channel) Observers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *Channel) historyLocked() []string {
	lines := make([]string, 0, c.lineCount)
	for _, batch := range c.output {
		lines = append(lines, batch...)
	}
	return lines
}

// broadcastLocked delivers ev to every observer and removes the ones that
// could not take it. The caller disconnects the returned observers after
// releasing the lock.
func (c *Channel) broadcastLocked(ev Event) []Observer {
	var evicted []Observer
	for id, o := range c.observers {
		if err := o.Deliver(ev); err != nil {
			delete(c.observers, id)
			evicted = append(evicted, o)
			metrics.RecordObserverEvicted()
			log.Warn().
				Str("component", channelComponent).
				Str("activity_id", c.activity.ID).
				Str("observer_id", id).
				Err(err).
				Msg("Observer cannot keep up, disconnecting")
		}
	}
	if len(evicted) > 0 {
		metrics.SetObservers(len(c.observers))
	}
	return evicted
}

func (c *Channel) disconnect(observers []Observer) {
	for _, o := range observers {
		o.Disconnect()
	}
}
