// Package listener implements the Listener Registry (spec §4.2): four
// ordered bands with copy-on-write, snapshot-on-iterate notification
// semantics, plus a timeout-listener band with scheduled expiry.
package listener

import (
	"sync"
	"time"

	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
)

var logger = logging.GetLogger("cluster/listener")

// Event is delivered to every pre-applied and post-applied listener for
// one cluster-state transition.
type Event struct {
	Source            string
	Previous          *state.ClusterState
	Current           *state.ClusterState
	LocalNodeIsMaster bool
}

// MetadataChanged reports whether the metadata actually changed between
// Previous and Current (used by the CAS-conflict replay trigger, spec
// §4.5 step 3c / §8 S3).
func (e Event) MetadataChanged() bool {
	return e.Previous == nil || e.Previous.Metadata.Version != e.Current.Metadata.Version
}

// Listener is notified of a cluster-state transition. Implementations
// must not block for long: they run inline on the Update Executor's
// single worker goroutine (spec §5).
type Listener interface {
	ClusterChanged(e Event)
}

// TimeoutListener additionally participates in scheduled-expiry tracking
// (spec §4.2's "timeout-listener band").
type TimeoutListener interface {
	Listener
	// OnTimeout fires if the registry has not delivered ClusterChanged to
	// this listener by the deadline passed to AddWithTimeout.
	OnTimeout(timeout time.Duration)
	// OnClose fires exactly once, on shutdown, for every timeout listener
	// still tracked: one that has not already received OnTimeout, been
	// notified of a cluster-state change, or been removed.
	OnClose()
}

type band struct {
	mu        sync.Mutex
	listeners []Listener
}

func (b *band) add(l Listener, front bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if front {
		b.listeners = append([]Listener{l}, b.listeners...)
		return
	}
	b.listeners = append(b.listeners, l)
}

func (b *band) remove(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.listeners[:0:0]
	for _, existing := range b.listeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	b.listeners = out
}

// snapshot returns the band's current listener slice. Because add/remove
// never overwrite an element of a slice already handed out (remove and
// front-insertion build a new slice; appending only writes past the old
// length), a snapshot taken here remains valid to range over even if
// another goroutine calls add/remove concurrently with the notification
// loop (spec §5's ordering guarantee: "a listener registered during event
// notification only observes subsequent events").
func (b *band) snapshot() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listeners
}

func notify(listeners []Listener, e Event) {
	for _, l := range listeners {
		dispatch(l, e)
	}
}

// dispatch calls l.ClusterChanged, isolating a panicking listener so one
// bad listener never stops the rest of the band (spec §4.5 step 9/11,
// §7 "Listener exception").
func dispatch(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panicked during cluster state notification",
				"panic", r,
				"source", e.Source,
			)
		}
	}()
	l.ClusterChanged(e)
}

// notifyTimeout tracks one listener registered via AddWithTimeout.
type notifyTimeout struct {
	listener TimeoutListener
	timeout  time.Duration
	timer    *time.Timer
	done     bool // guarded by Registry.timeoutMu
}

// Registry holds the four notification bands plus the timeout-listener
// tracking table.
type Registry struct {
	priority, normal, last, postApplied band

	timeoutMu sync.Mutex
	timeouts  map[TimeoutListener]*notifyTimeout
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		timeouts: make(map[TimeoutListener]*notifyTimeout),
	}
}

// AddFirst registers l at the front of the priority band.
func (r *Registry) AddFirst(l Listener) { r.priority.add(l, true) }

// Add registers l at the end of the normal band.
func (r *Registry) Add(l Listener) { r.normal.add(l, false) }

// AddLast registers l at the end of the last (pre-applied tail) band.
func (r *Registry) AddLast(l Listener) { r.last.add(l, false) }

// AddPostApplied registers l at the end of the post-applied band.
func (r *Registry) AddPostApplied(l Listener) { r.postApplied.add(l, false) }

// AddWithTimeout registers l into the post-applied band and arms a timer
// that fires l.OnTimeout(timeout) if l has not been notified of a
// cluster-state change by the deadline. Spec's driving detail — that
// registration happens as a HIGH-priority task submitted to the Update
// Executor — is the caller's responsibility (cluster/service wires that);
// Registry only owns the band insertion and the timer bookkeeping.
func (r *Registry) AddWithTimeout(timeout time.Duration, l TimeoutListener) {
	r.postApplied.add(l, false)

	nt := &notifyTimeout{listener: l, timeout: timeout}
	r.timeoutMu.Lock()
	r.timeouts[l] = nt
	r.timeoutMu.Unlock()

	nt.timer = time.AfterFunc(timeout, func() {
		r.fireTimeout(nt)
	})
}

func (r *Registry) fireTimeout(nt *notifyTimeout) {
	r.timeoutMu.Lock()
	if nt.done {
		r.timeoutMu.Unlock()
		return
	}
	nt.done = true
	delete(r.timeouts, nt.listener)
	r.timeoutMu.Unlock()

	// Only the timeout tracking entry expires here (spec §8 S5): the
	// listener stays registered in the post-applied band until it
	// removes itself or Shutdown delivers OnClose.
	nt.listener.OnTimeout(nt.timeout)
}

// markNotified cancels the pending timer for l, if any: the listener has
// now been invoked at least once, so its timeout can never legitimately
// fire afterwards.
func (r *Registry) markNotified(l Listener) {
	tl, ok := l.(TimeoutListener)
	if !ok {
		return
	}
	r.timeoutMu.Lock()
	nt, tracked := r.timeouts[tl]
	if tracked {
		nt.done = true
		delete(r.timeouts, tl)
	}
	r.timeoutMu.Unlock()
	if tracked {
		nt.timer.Stop()
	}
}

// Remove unregisters l from whichever band(s) contain it and cancels any
// pending timeout timer it owns.
func (r *Registry) Remove(l Listener) {
	r.priority.remove(l)
	r.normal.remove(l)
	r.last.remove(l)
	r.postApplied.remove(l)

	if tl, ok := l.(TimeoutListener); ok {
		r.timeoutMu.Lock()
		nt, tracked := r.timeouts[tl]
		if tracked {
			delete(r.timeouts, tl)
		}
		r.timeoutMu.Unlock()
		if tracked {
			nt.timer.Stop()
		}
	}
}

// NotifyPreApplied delivers e to the priority, normal and last bands, in
// that order (spec §3 "Listener notification order").
func (r *Registry) NotifyPreApplied(e Event) {
	for _, b := range []*band{&r.priority, &r.normal, &r.last} {
		listeners := b.snapshot()
		notify(listeners, e)
		for _, l := range listeners {
			r.markNotified(l)
		}
	}
}

// NotifyPostApplied delivers e to the post-applied band, after the
// transport reconnect phase has run (spec §4.5 step 11).
func (r *Registry) NotifyPostApplied(e Event) {
	listeners := r.postApplied.snapshot()
	notify(listeners, e)
	for _, l := range listeners {
		r.markNotified(l)
	}
}

// Shutdown cancels every outstanding timeout timer and delivers OnClose
// to each tracked timeout listener exactly once (spec §3, §5).
func (r *Registry) Shutdown() {
	r.timeoutMu.Lock()
	pending := make([]*notifyTimeout, 0, len(r.timeouts))
	for _, nt := range r.timeouts {
		if nt.done {
			continue
		}
		nt.done = true
		pending = append(pending, nt)
	}
	r.timeouts = make(map[TimeoutListener]*notifyTimeout)
	r.timeoutMu.Unlock()

	for _, nt := range pending {
		nt.timer.Stop()
		nt.listener.OnClose()
	}
}
