package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/hostdeck/hostdeck/internal/errors"
)

func moduleChange() Descriptor {
	return Descriptor{
		Type:        TypeModuleChange,
		InitiatedBy: "admin",
		Metadata:    json.RawMessage(`{"module":"nextcloud","action":"install"}`),
	}
}

func TestStartConflictThenEndThenStart(t *testing.T) {
	r := NewRegistry()

	first, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, TypeModuleChange, first.Type)
	assert.JSONEq(t, `{"module":"nextcloud","action":"install"}`, string(first.Metadata))

	_, err = r.Start(Descriptor{Type: TypeBackup}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrConflict))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first, conflict.Running)

	current, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, first, current)

	require.NoError(t, r.End(first.ID, nil))
	_, ok = r.Current()
	assert.False(t, ok)

	third, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestStartRequiresType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Start(Descriptor{}, nil)
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))
	_, ok := r.Current()
	assert.False(t, ok)
}

func TestConcurrentStartsGrantExactlyOne(t *testing.T) {
	r := NewRegistry()

	const callers = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   []Activity
		conflicts []*ConflictError
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			act, err := r.Start(Descriptor{Type: TypeDeployment}, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted = append(granted, act)
				return
			}
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				conflicts = append(conflicts, conflict)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, granted, 1)
	assert.Len(t, conflicts, callers-1)
	for _, c := range conflicts {
		assert.Equal(t, granted[0].ID, c.Running.ID)
	}

	current, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, granted[0], current)
}

func TestEndWithStaleIDIsRejected(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	err = r.End("someone-else", nil)
	assert.True(t, errors.Is(err, internalerrors.ErrNotRunning))
	_, ok := r.Current()
	assert.True(t, ok, "stale end must not disturb the running activity")

	require.NoError(t, r.End(act.ID, nil))
	err = r.End(act.ID, nil)
	assert.True(t, errors.Is(err, internalerrors.ErrNotRunning))
}

func TestAttachAfterThreeAppends(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	for _, line := range []string{"resolving", "downloading", "installing"} {
		require.NoError(t, r.AppendOutput(act.ID, []string{line}))
	}

	o := newObserver("browser")
	r.Attach(act.ID, o)
	require.NoError(t, r.AppendOutput(act.ID, []string{"done"}))

	events := o.Events()
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: EventBackfill, Lines: []string{"resolving", "downloading", "installing"}}, events[0])
	assert.Equal(t, Event{Kind: EventOutput, Lines: []string{"done"}}, events[1])
	assert.False(t, o.Disconnected())
}

func TestAttachWithUnknownIDEndsImmediately(t *testing.T) {
	r := NewRegistry()

	idle := newObserver("idle")
	r.Attach("missing", idle)
	assert.Equal(t, []Event{{Kind: EventEnd, NotRunning: true}}, idle.Events())
	assert.True(t, idle.Disconnected())

	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	require.NoError(t, r.AppendOutput(act.ID, []string{"secret progress"}))

	stale := newObserver("stale")
	r.Attach("old-activity", stale)
	assert.Equal(t, []Event{{Kind: EventEnd, NotRunning: true}}, stale.Events())
	assert.True(t, stale.Disconnected())
}

func TestEndDeliversErrorAndDisconnects(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	o := newObserver("browser")
	r.Attach(act.ID, o)
	require.NoError(t, r.End(act.ID, errors.New("installer exited with status 2")))

	events := o.Events()
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: EventEnd, Error: "installer exited with status 2"}, events[1])
	assert.True(t, o.Disconnected())

	late := newObserver("late")
	r.Attach(act.ID, late)
	assert.Equal(t, []Event{{Kind: EventEnd, NotRunning: true}}, late.Events())
}

func TestAppendOutputStaleIDIsDropped(t *testing.T) {
	r := NewRegistry()
	err := r.AppendOutput("nothing", []string{"x"})
	assert.True(t, errors.Is(err, internalerrors.ErrNotRunning))

	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	require.NoError(t, r.End(act.ID, nil))

	err = r.AppendOutput(act.ID, []string{"late"})
	assert.True(t, errors.Is(err, internalerrors.ErrNotRunning))
}

func TestAbortInvokesCallbackWithoutEnding(t *testing.T) {
	r := NewRegistry()
	aborted := make(chan struct{}, 1)
	act, err := r.Start(moduleChange(), func() { aborted <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, r.Abort(act.ID))
	select {
	case <-aborted:
	default:
		t.Fatal("abort callback not invoked")
	}
	_, ok := r.Current()
	assert.True(t, ok)

	assert.True(t, errors.Is(r.Abort("other"), internalerrors.ErrNotRunning))
}

func TestDetachStopsDelivery(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	o := newObserver("browser")
	r.Attach(act.ID, o)
	r.Detach(act.ID, o.ID())
	require.NoError(t, r.AppendOutput(act.ID, []string{"unseen"}))

	assert.Len(t, o.Events(), 1)
}

func TestNotifierSeesTransitionsInOrder(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRegistry(WithNotifier(n))

	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	_, err = r.Start(moduleChange(), nil)
	require.Error(t, err)
	require.NoError(t, r.End(act.ID, nil))

	changes := n.Changes()
	require.Len(t, changes, 2)
	require.NotNil(t, changes[0])
	assert.Equal(t, act.ID, changes[0].ID)
	assert.Nil(t, changes[1])
}

func TestRecentIsBoundedNewestFirst(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(WithHistorySize(2), WithClock(func() time.Time { return now }))

	var ids []string
	for i := 0; i < 3; i++ {
		act, err := r.Start(Descriptor{Type: TypeBackup}, nil)
		require.NoError(t, err)
		require.NoError(t, r.AppendOutput(act.ID, []string{"line"}))
		var endErr error
		if i == 2 {
			endErr = fmt.Errorf("run %d failed", i)
		}
		require.NoError(t, r.End(act.ID, endErr))
		ids = append(ids, act.ID)
	}

	recent := r.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].Activity.ID)
	assert.Equal(t, "run 2 failed", recent[0].Error)
	assert.Equal(t, ids[1], recent[1].Activity.ID)
	assert.Equal(t, 1, recent[1].OutputLines)
	assert.Equal(t, now, recent[1].EndedAt)
}

func TestLines(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)
	require.NoError(t, r.AppendOutput(act.ID, []string{"a", "b"}))

	lines, err := r.Lines(act.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	_, err = r.Lines("other")
	assert.True(t, errors.Is(err, internalerrors.ErrNotRunning))
}

// Observers attaching while output streams in must see every line exactly
// once and in order.
func TestConcurrentAttachReplayIsGapless(t *testing.T) {
	r := NewRegistry()
	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	const total = 2000
	expected := make([]string, total)
	for i := range expected {
		expected[i] = fmt.Sprintf("line %d", i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i += 2 {
			_ = r.AppendOutput(act.ID, expected[i:i+2])
		}
	}()

	observers := make([]*recordingObserver, 16)
	for i := range observers {
		observers[i] = newObserver(fmt.Sprintf("o%d", i))
		wg.Add(1)
		go func(o *recordingObserver) {
			defer wg.Done()
			r.Attach(act.ID, o)
		}(observers[i])
	}
	wg.Wait()
	require.NoError(t, r.End(act.ID, nil))

	for _, o := range observers {
		assert.Equal(t, expected, o.Lines(), "observer %s", o.ID())
		events := o.Events()
		require.NotEmpty(t, events)
		assert.Equal(t, EventBackfill, events[0].Kind)
		assert.Equal(t, EventEnd, events[len(events)-1].Kind)
	}
}

func TestSnapshotHoldsOffTransitions(t *testing.T) {
	notifier := &recordingNotifier{}
	r := NewRegistry(WithNotifier(notifier))

	r.Snapshot(func(current *Activity) {
		assert.Nil(t, current)
	})

	act, err := r.Start(moduleChange(), nil)
	require.NoError(t, err)

	ended := make(chan error, 1)
	r.Snapshot(func(current *Activity) {
		require.NotNil(t, current)
		assert.Equal(t, act.ID, current.ID)

		go func() { ended <- r.End(act.ID, nil) }()
		time.Sleep(20 * time.Millisecond)
		// End is blocked until the snapshot returns.
		assert.Len(t, notifier.Changes(), 1)
	})

	require.NoError(t, <-ended)
	changes := notifier.Changes()
	require.Len(t, changes, 2)
	assert.Nil(t, changes[1])
}
