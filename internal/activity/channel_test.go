package activity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActivity() Activity {
	return Activity{ID: "act-1", Type: TypeBackup, StartedAt: time.Now()}
}

func TestChannelAttachReceivesEmptyBackfill(t *testing.T) {
	c := newChannel(testActivity(), nil)
	o := newObserver("o1")

	c.Attach(o)

	events := o.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBackfill, events[0].Kind)
	assert.Empty(t, events[0].Lines)
	assert.Equal(t, LinesPayload{Lines: []string{}}, events[0].Payload())
	assert.Equal(t, 1, c.Observers())
}

func TestChannelBackfillThenLive(t *testing.T) {
	c := newChannel(testActivity(), nil)
	c.AppendOutput([]string{"one"})
	c.AppendOutput([]string{"two", "three"})

	o := newObserver("o1")
	c.Attach(o)
	c.AppendOutput([]string{"four"})

	events := o.Events()
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: EventBackfill, Lines: []string{"one", "two", "three"}}, events[0])
	assert.Equal(t, Event{Kind: EventOutput, Lines: []string{"four"}}, events[1])
	assert.Equal(t, []string{"one", "two", "three", "four"}, c.Lines())
	assert.Equal(t, 4, c.LineCount())
}

func TestChannelAppendCopiesInput(t *testing.T) {
	c := newChannel(testActivity(), nil)
	lines := []string{"a"}
	c.AppendOutput(lines)
	lines[0] = "mutated"
	assert.Equal(t, []string{"a"}, c.Lines())
}

func TestChannelEndNotifiesAndDisconnects(t *testing.T) {
	c := newChannel(testActivity(), nil)
	a, b := newObserver("a"), newObserver("b")
	c.Attach(a)
	c.Attach(b)

	c.End(errors.New("exit status 1"))

	for _, o := range []*recordingObserver{a, b} {
		events := o.Events()
		require.Len(t, events, 2)
		assert.Equal(t, Event{Kind: EventEnd, Error: "exit status 1"}, events[1])
		assert.True(t, o.Disconnected())
	}
	assert.Equal(t, 0, c.Observers())

	// Output after end is ignored.
	assert.False(t, c.AppendOutput([]string{"late"}))
	assert.Len(t, a.Events(), 2)

	// A second End is a no-op.
	c.End(nil)
	assert.Len(t, a.Events(), 2)
}

func TestChannelAttachAfterEnd(t *testing.T) {
	c := newChannel(testActivity(), nil)
	c.AppendOutput([]string{"one"})
	c.End(errors.New("boom"))

	o := newObserver("late")
	c.Attach(o)

	assert.Equal(t, []Event{{Kind: EventEnd, Error: "boom"}}, o.Events())
	assert.True(t, o.Disconnected())
	assert.Equal(t, 0, c.Observers())
}

func TestChannelSlowObserverIsEvicted(t *testing.T) {
	c := newChannel(testActivity(), nil)
	slow := newObserver("slow")
	slow.capacity = 2
	fast := newObserver("fast")
	c.Attach(slow)
	c.Attach(fast)

	c.AppendOutput([]string{"1"})
	c.AppendOutput([]string{"2"})
	c.AppendOutput([]string{"3"})

	assert.True(t, slow.Disconnected())
	assert.False(t, fast.Disconnected())
	assert.Equal(t, []string{"1", "2", "3"}, fast.Lines())
	assert.Equal(t, 1, c.Observers())
}

func TestChannelBackfillFailureDropsObserver(t *testing.T) {
	c := newChannel(testActivity(), nil)
	o := newObserver("full")
	o.events = []Event{{}}
	o.capacity = 1

	c.Attach(o)

	assert.True(t, o.Disconnected())
	assert.Equal(t, 0, c.Observers())
}

func TestChannelDetach(t *testing.T) {
	c := newChannel(testActivity(), nil)
	o := newObserver("o1")
	c.Attach(o)

	assert.True(t, c.Detach("o1"))
	assert.False(t, c.Detach("o1"))
	c.AppendOutput([]string{"after"})
	assert.Len(t, o.Events(), 1)
}

func TestChannelReattachSameIDReplacesObserver(t *testing.T) {
	c := newChannel(testActivity(), nil)
	first, second := newObserver("tab"), newObserver("tab")
	c.Attach(first)
	c.Attach(second)

	assert.True(t, first.Disconnected())
	assert.Equal(t, 1, c.Observers())
}

func TestChannelAbort(t *testing.T) {
	called := 0
	c := newChannel(testActivity(), func() { called++ })

	assert.True(t, c.Abort())
	assert.Equal(t, 1, called)

	c.End(nil)
	assert.False(t, c.Abort())
	assert.Equal(t, 1, called)

	assert.False(t, newChannel(testActivity(), nil).Abort())
}

func TestEventPayload(t *testing.T) {
	assert.Equal(t, LinesPayload{Lines: []string{"x"}}, Event{Kind: EventOutput, Lines: []string{"x"}}.Payload())
	assert.Equal(t, EndPayload{Error: "failed"}, Event{Kind: EventEnd, Error: "failed"}.Payload())
	assert.Equal(t, EndPayload{NotRunning: true}, Event{Kind: EventEnd, NotRunning: true}.Payload())
}
