package listener

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu    sync.Mutex
	name  string
	order *[]string
}

func (l *recordingListener) ClusterChanged(Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.order = append(*l.order, l.name)
}

func TestBandOrderingAndInsertionOrder(t *testing.T) {
	r := New()
	var order []string

	r.AddLast(&recordingListener{name: "last-1", order: &order})
	r.Add(&recordingListener{name: "normal-1", order: &order})
	r.AddFirst(&recordingListener{name: "priority-1", order: &order})
	r.AddFirst(&recordingListener{name: "priority-2", order: &order})
	r.Add(&recordingListener{name: "normal-2", order: &order})

	r.NotifyPreApplied(Event{Source: "test"})

	// priority-2 was AddFirst'd after priority-1, so it's now first in
	// that band (front-insertion, not FIFO within AddFirst itself).
	require.Equal(t, []string{"priority-2", "priority-1", "normal-1", "normal-2", "last-1"}, order)
}

func TestPostAppliedFiresAfterPreApplied(t *testing.T) {
	r := New()
	var order []string

	r.Add(&recordingListener{name: "pre", order: &order})
	r.AddPostApplied(&recordingListener{name: "post", order: &order})

	r.NotifyPreApplied(Event{Source: "test"})
	r.NotifyPostApplied(Event{Source: "test"})

	require.Equal(t, []string{"pre", "post"}, order)
}

// selfRemovingListener removes itself from its registry while it is
// being notified.
type selfRemovingListener struct {
	r     *Registry
	order *[]string
}

func (l *selfRemovingListener) ClusterChanged(Event) {
	*l.order = append(*l.order, "self-removing")
	l.r.Remove(l)
}

func TestRemoveDuringNotificationDoesNotSkipInFlightEvent(t *testing.T) {
	r := New()
	var order []string
	self := &selfRemovingListener{r: r, order: &order}
	other := &recordingListener{name: "other", order: &order}

	r.Add(self)
	r.Add(other)

	// Snapshot is taken before either listener runs; "self" removing
	// itself mid-notification must not prevent "other" (added after it)
	// from being notified for this same event.
	r.NotifyPreApplied(Event{Source: "test"})

	require.Contains(t, order, "other")
}

type panicListener struct{}

func (panicListener) ClusterChanged(Event) { panic("boom") }

func TestPanickingListenerIsIsolated(t *testing.T) {
	r := New()
	var order []string
	r.Add(panicListener{})
	r.Add(&recordingListener{name: "after-panic", order: &order})

	require.NotPanics(t, func() {
		r.NotifyPreApplied(Event{Source: "test"})
	})
	require.Equal(t, []string{"after-panic"}, order)
}

type timeoutListener struct {
	mu        sync.Mutex
	notified  bool
	timedOut  bool
	closed    bool
	timeoutCh chan time.Duration
	closeCh   chan struct{}
}

func newTimeoutListener() *timeoutListener {
	return &timeoutListener{
		timeoutCh: make(chan time.Duration, 1),
		closeCh:   make(chan struct{}, 1),
	}
}

func (l *timeoutListener) ClusterChanged(Event) {
	l.mu.Lock()
	l.notified = true
	l.mu.Unlock()
}

func (l *timeoutListener) OnTimeout(d time.Duration) {
	l.mu.Lock()
	l.timedOut = true
	l.mu.Unlock()
	l.timeoutCh <- d
}

func (l *timeoutListener) OnClose() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.closeCh <- struct{}{}
}

func TestTimeoutListenerFiresOnceOnExpiry(t *testing.T) {
	r := New()
	l := newTimeoutListener()
	r.AddWithTimeout(30*time.Millisecond, l)

	select {
	case d := <-l.timeoutCh:
		require.Equal(t, 30*time.Millisecond, d)
	case <-time.After(time.Second):
		t.Fatal("OnTimeout never fired")
	}

	r.timeoutMu.Lock()
	_, stillTracked := r.timeouts[l]
	r.timeoutMu.Unlock()
	require.False(t, stillTracked)

	// Spec §8 S5: the listener stays in the post-applied band after its
	// timeout fires, unless it removes itself.
	require.Contains(t, r.postApplied.snapshot(), Listener(l))
}

func TestTimeoutListenerNotifiedBeforeDeadlineCancelsTimer(t *testing.T) {
	r := New()
	l := newTimeoutListener()
	r.AddWithTimeout(200*time.Millisecond, l)

	r.NotifyPostApplied(Event{Source: "test"})

	select {
	case <-l.timeoutCh:
		t.Fatal("OnTimeout fired despite the listener having already been notified")
	case <-time.After(300 * time.Millisecond):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	require.True(t, l.notified)
	require.False(t, l.timedOut)
}

func TestShutdownDeliversOnCloseExactlyOnce(t *testing.T) {
	r := New()
	l1 := newTimeoutListener()
	l2 := newTimeoutListener()
	r.AddWithTimeout(time.Hour, l1)
	r.AddWithTimeout(time.Hour, l2)

	r.Shutdown()

	for _, l := range []*timeoutListener{l1, l2} {
		select {
		case <-l.closeCh:
		case <-time.After(time.Second):
			t.Fatal("OnClose never fired on shutdown")
		}
	}

	// Shutdown again must not re-deliver OnClose (idempotent, tracked set
	// is now empty).
	require.NotPanics(t, r.Shutdown)
	for _, l := range []*timeoutListener{l1, l2} {
		select {
		case <-l.closeCh:
			t.Fatal("OnClose delivered a second time")
		default:
		}
	}
}
