// Package executor implements the Update Executor (spec §4.5): a
// single-threaded cooperative scheduler fed by a priority queue, driving
// the full cluster-state apply pipeline. Grounded on
// roothash/memory/memory.go's runtimeState.worker (one command channel
// drained by one goroutine, per-command error channel) generalised from
// a single FIFO channel to the (priority, insertionOrder) min-heap
// nakominosu-oasis-core/go/worker/storage/committee/node.go uses for its
// out-of-order round queue.
package executor

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/petermattis/goid"

	"github.com/oasisprotocol/ringcluster/go/cluster/ack"
	"github.com/oasisprotocol/ringcluster/go/cluster/listener"
	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/cluster/store"
	"github.com/oasisprotocol/ringcluster/go/cluster/workpool"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/common/node"
	"github.com/oasisprotocol/ringcluster/go/discovery"
	"github.com/oasisprotocol/ringcluster/go/ring"
	"github.com/oasisprotocol/ringcluster/go/transport"
)

var logger = logging.GetLogger("cluster/executor")

// ErrTaskTimeout is passed to Task.OnFailure when a task's TaskTimeout
// elapses before it is dequeued (spec §4.5 "Per-task timeout").
var ErrTaskTimeout = errors.New("executor: task timed out before execution")

// ErrNotStarted is returned by Submit if Start was never called.
var ErrNotStarted = errors.New("executor: not started")

// ErrShutdownGraceExceeded is returned by Stop if the executor did not
// drain within the grace period.
var ErrShutdownGraceExceeded = errors.New("executor: shutdown grace period exceeded")

const timeoutPoolName = "executor-timeout"

// Executor is the single-writer update worker. queue, nextOrder, closing
// and stopped are protected by mu; coordinators by coordMu;
// slowThreshold and runnerGoid are accessed atomically; the collaborators
// above mu are immutable after construction.
type Executor struct {
	store     *store.Store
	ring      ring.Store
	discovery discovery.Publisher
	transport transport.Transport
	listeners *listener.Registry
	pool      *workpool.Pool

	mu        sync.Mutex
	queue     taskQueue
	nextOrder uint64
	closing   bool

	wake    chan struct{}
	stopped chan struct{}

	slowThreshold atomic.Value // time.Duration
	runnerGoid    int64        // set once Start's goroutine begins running

	coordMu      sync.Mutex
	coordinators map[uint64]*ack.Coordinator
}

// New constructs an Executor. Call Start to begin processing.
func New(st *store.Store, rs ring.Store, disc discovery.Publisher, tp transport.Transport, listeners *listener.Registry, pool *workpool.Pool) *Executor {
	e := &Executor{
		store:        st,
		ring:         rs,
		discovery:    disc,
		transport:    tp,
		listeners:    listeners,
		pool:         pool,
		wake:         make(chan struct{}, 1),
		coordinators: make(map[uint64]*ack.Coordinator),
	}
	e.slowThreshold.Store(30 * time.Second)
	return e
}

// SetSlowTaskThreshold updates the slow-task logging threshold; takes
// effect for the next task processed (spec §4.7 "Settings reload").
func (e *Executor) SetSlowTaskThreshold(d time.Duration) {
	e.slowThreshold.Store(d)
}

func (e *Executor) slowTaskThreshold() time.Duration {
	return e.slowThreshold.Load().(time.Duration)
}

// SlowTaskThreshold exposes the currently configured slow-task threshold,
// for diagnostics and tests.
func (e *Executor) SlowTaskThreshold() time.Duration {
	return e.slowTaskThreshold()
}

// Start launches the update goroutine. Safe to call once.
func (e *Executor) Start() {
	e.mu.Lock()
	e.stopped = make(chan struct{})
	e.mu.Unlock()
	go e.run()
}

// IsUpdateGoroutine reports whether the caller is running on the single
// update goroutine (spec §6 "Thread-identity assertion"), backed by
// goroutine-local identity rather than any user-visible lock.
func (e *Executor) IsUpdateGoroutine() bool {
	return atomic.LoadInt64(&e.runnerGoid) == goid.Get()
}

// Submit enqueues a task. It returns ErrNotStarted, and drops the task,
// if Start was never called. Submissions after Stop has been called are
// silently swallowed (spec §4.5 "Rejection semantics").
func (e *Executor) Submit(t Task) error {
	e.mu.Lock()
	if e.stopped == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	order := e.nextOrder
	e.nextOrder++
	en := &entry{task: t, insertionOrder: order, enqueuedAt: time.Now()}
	heap.Push(&e.queue, en)
	e.mu.Unlock()

	if to := t.TaskTimeout(); to > 0 {
		en.cancelTimeout = e.pool.Schedule(to, timeoutPoolName, func() { e.onTaskTimeout(en) })
	}
	e.signalWake()
	return nil
}

func (e *Executor) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) onTaskTimeout(en *entry) {
	e.mu.Lock()
	if en.executing || en.removed {
		e.mu.Unlock()
		return
	}
	en.removed = true
	if en.index >= 0 && en.index < len(e.queue) && e.queue[en.index] == en {
		heap.Remove(&e.queue, en.index)
	}
	e.mu.Unlock()
	en.task.OnFailure(sourceOf(en.task), ErrTaskTimeout)
}

// Stop signals shutdown and waits up to grace for the update goroutine to
// drain its queue and exit (spec §4.7 "shut down the Update Executor
// (grace 10 s)").
func (e *Executor) Stop(grace time.Duration) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.signalWake()

	select {
	case <-e.stopped:
		return nil
	case <-time.After(grace):
		return ErrShutdownGraceExceeded
	}
}

// PendingTasks implements the pending-tasks introspection surface (spec
// §6).
func (e *Executor) PendingTasks() []PendingTaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	out := make([]PendingTaskInfo, 0, len(e.queue))
	for _, en := range e.queue {
		out = append(out, PendingTaskInfo{
			InsertionOrder: en.insertionOrder,
			Priority:       en.task.Priority(),
			Source:         sourceOf(en.task),
			AgeMillis:      now.Sub(en.enqueuedAt).Milliseconds(),
			Executing:      en.executing,
		})
	}
	return out
}

// NumberOfPendingTasks implements spec §6's numberOfPendingTasks().
func (e *Executor) NumberOfPendingTasks() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(len(e.queue))
}

// MaxTaskWaitTime implements spec §6's maxTaskWaitTime(): the age of the
// longest-waiting pending entry, zero if the queue is empty.
func (e *Executor) MaxTaskWaitTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	var oldest time.Time
	for _, en := range e.queue {
		if oldest.IsZero() || en.enqueuedAt.Before(oldest) {
			oldest = en.enqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (e *Executor) run() {
	atomic.StoreInt64(&e.runnerGoid, goid.Get())
	defer close(e.stopped)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closing {
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		en := heap.Pop(&e.queue).(*entry)
		en.executing = true
		e.mu.Unlock()

		if en.cancelTimeout != nil {
			en.cancelTimeout()
		}
		e.process(en)
	}
}

// process runs the full apply pipeline (spec §4.5, steps 1-13) for one
// dequeued task.
func (e *Executor) process(en *entry) { // nolint: gocyclo
	task := en.task
	source := sourceOf(task)
	ctx := context.Background()
	start := time.Now()

	span, ctx := opentracing.StartSpanFromContext(ctx, "cluster.executor.process")
	span.SetTag("source", source)
	defer span.Finish()

	// Step 2: execute.
	prev := e.store.Load()
	next, err := task.Execute(prev)
	if err != nil {
		e.logSlowIfNeeded(source, time.Since(start))
		task.OnFailure(source, err)
		return
	}

	// Step 3: serialise and compare metadata.
	if task.DoPersistMetaData() && !blocksPersistMetaData(prev) {
		prevBlob, perr := prev.Metadata.SerializePersisted()
		nextBlob, nerr := next.Metadata.SerializePersisted()
		if perr == nil && nerr == nil && !bytes.Equal(prevBlob, nextBlob) {
			bumped := *next
			bumped.Metadata.Version++
			bumped.Version++
			bumped.StateUUID = state.ComputeStateUUID(bumped.Version, bumped.Metadata.ClusterUUID, bumped.Metadata.Version)
			next = &bumped

			persistErr := e.ring.PersistMetaData(ctx, prev.Metadata, next.Metadata, source)
			if persistErr != nil {
				if ring.IsConcurrentUpdate(persistErr) {
					if diff, derr := state.DiffPersisted(prevBlob, nextBlob); derr == nil {
						logger.Warn("CAS conflict persisting metadata, scheduling replay", "source", source, "diff", diff)
					}
					e.registerCASReplay(task)
					return
				}
				e.logSlowIfNeeded(source, time.Since(start))
				task.OnFailure(source, persistErr)
				return
			}
		}
	}

	// Step 4: no-change fast path.
	if next == prev {
		if task.Acked() {
			task.OnAllNodesAcked(nil)
		}
		if task.Processed() {
			task.ClusterStateProcessed(source, prev, next)
		}
		e.logSlowIfNeeded(source, time.Since(start))
		return
	}

	// Step 5: apply.
	applying := next.WithStatus(state.StatusBeingApplied)
	delta := node.DeltaBetween(prev.Nodes, applying.Nodes)

	// Step 6: connect added nodes.
	for _, n := range delta.Added {
		if cerr := e.transport.ConnectToNode(ctx, n); cerr != nil {
			logger.Warn("failed to connect to added node", "node", n.ID, "err", cerr)
		}
	}

	// Step 7: install snapshot, publish.
	e.store.Store(applying)
	e.discovery.Publish(ctx, applying)

	// Step 8: ack setup.
	if task.Acked() {
		e.setupAck(ctx, task, applying)
	}

	// Step 9: pre-applied notifications.
	ev := listener.Event{Source: source, Previous: prev, Current: applying, LocalNodeIsMaster: localIsMaster(applying)}
	e.listeners.NotifyPreApplied(ev)

	// Step 10: disconnect removed nodes.
	for _, n := range delta.Removed {
		if derr := e.transport.DisconnectFromNode(ctx, n); derr != nil {
			logger.Warn("failed to disconnect from removed node", "node", n.ID, "err", derr)
		}
	}

	// Step 11: status APPLIED, post-applied notifications.
	applied := applying.WithStatus(state.StatusApplied)
	e.store.Store(applied)
	e.listeners.NotifyPostApplied(listener.Event{Source: source, Previous: prev, Current: applied, LocalNodeIsMaster: localIsMaster(applied)})

	// Step 12: completion callbacks.
	if task.Processed() {
		task.ClusterStateProcessed(source, prev, applied)
	}

	// Step 13: slow-task log.
	e.logSlowIfNeeded(source, time.Since(start))
}

func localIsMaster(s *state.ClusterState) bool {
	if s == nil || s.Nodes == nil {
		return false
	}
	return s.Nodes.LocalIsMaster()
}

func blocksPersistMetaData(s *state.ClusterState) bool {
	return s != nil && s.Blocks.Has(state.NoRingBlock)
}

// setupAck implements step 8. Per SPEC_FULL.md's resolution of the
// source's ambiguous wiring between the Ack Coordinator and gossip-driven
// awaitMetaDataVersion, the task picks the mechanism via
// UseAckCoordinator.
func (e *Executor) setupAck(ctx context.Context, task Task, next *state.ClusterState) {
	nodeCount := 0
	if next.Nodes != nil {
		nodeCount = len(next.Nodes.Nodes())
	}
	if !task.MustApplyMetaData() || nodeCount <= 1 {
		ack.InlineComplete(task)
		return
	}

	if task.UseAckCoordinator() {
		e.armAckCoordinator(task, next)
		return
	}

	ok, err := e.discovery.AwaitMetaDataVersion(ctx, next.Metadata.Version, task.AckTimeout())
	switch {
	case err != nil:
		task.OnAllNodesAcked(err)
	case ok:
		task.OnAllNodesAcked(nil)
	default:
		logger.Warn("ack timeout awaiting gossiped metadata version", "version", next.Metadata.Version)
		task.OnAckTimeout()
	}
}

func (e *Executor) armAckCoordinator(task Task, next *state.ClusterState) {
	version := next.Metadata.Version
	required := 0
	for _, n := range next.Nodes.Nodes() {
		if task.MustAck(n) {
			required++
		}
	}
	masterID := ""
	if m := next.Nodes.Master(); m != nil {
		masterID = m.ID
	}

	wrapped := &ackTaskWrapper{Task: task, onDone: func() { e.untrackCoordinator(version) }}
	c := ack.New(wrapped, masterID, version, required)

	e.coordMu.Lock()
	e.coordinators[version] = c
	e.coordMu.Unlock()

	c.Arm(task.AckTimeout())
}

func (e *Executor) untrackCoordinator(version uint64) {
	e.coordMu.Lock()
	delete(e.coordinators, version)
	e.coordMu.Unlock()
}

// DeliverNodeAck routes an asynchronously-received node ack (e.g. from
// diag's DeliverNodeAck gRPC service) to the coordinator armed for
// version, if any is still pending. A signature that fails to verify
// against n's known public key is rejected silently (logged, never
// surfaced as a coordinator failure) rather than forwarded (SPEC_FULL §3).
func (e *Executor) DeliverNodeAck(version uint64, n *node.DiscoveryNode, sig []byte, ackErr error) {
	if n.PublicKey != nil && !node.VerifyAck(n.PublicKey, ack.Payload(n.ID, version), sig) {
		logger.Warn("rejected node ack with invalid signature", "node", n.ID, "version", version)
		return
	}
	e.coordMu.Lock()
	c := e.coordinators[version]
	e.coordMu.Unlock()
	if c != nil {
		c.OnNodeAck(n, ackErr)
	}
}

// ackTaskWrapper intercepts the terminal ack callbacks to release the
// coordinator tracking entry before forwarding to the real task.
type ackTaskWrapper struct {
	Task
	onDone func()
}

func (w *ackTaskWrapper) OnAllNodesAcked(err error) {
	w.onDone()
	w.Task.OnAllNodesAcked(err)
}

func (w *ackTaskWrapper) OnAckTimeout() {
	w.onDone()
	w.Task.OnAckTimeout()
}

// registerCASReplay implements spec §4.5 step 3c: a one-shot priority-band
// listener that resubmits task at URGENT on the next event with a
// metadata change, then removes itself.
func (e *Executor) registerCASReplay(task Task) {
	l := &casReplayListener{}
	l.fn = func(ev listener.Event) {
		if !ev.MetadataChanged() {
			return
		}
		e.listeners.Remove(l)
		_ = e.Submit(&priorityOverride{Task: task, priority: PriorityUrgent})
	}
	e.listeners.AddFirst(l)
}

// casReplayListener is a pointer type so that Registry.Remove can compare
// it against the registered listeners (a func value is not comparable).
type casReplayListener struct {
	fn func(listener.Event)
}

func (c *casReplayListener) ClusterChanged(e listener.Event) { c.fn(e) }

// priorityOverride resubmits an existing task at a different priority
// (used for CAS-conflict replay, spec §4.5 step 3c / §8 property 5).
type priorityOverride struct {
	Task
	priority Priority
}

func (p *priorityOverride) Priority() Priority { return p.priority }

func (e *Executor) logSlowIfNeeded(source string, elapsed time.Duration) {
	if elapsed > e.slowTaskThreshold() {
		logger.Warn("slow update task", "source", source, "elapsed", elapsed)
	}
}
