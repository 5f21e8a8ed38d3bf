// Package workpool implements the thread-pool collaborator named in
// spec §4.8: threadPool.schedule(delay, poolName, runnable), executor(name),
// generic(), scheduler(). Every named pool here is a single goroutine
// fed by an unbounded queue (eapache/channels.InfiniteChannel) — fan-out
// across pools, not within one, since no SPEC_FULL caller needs more than
// that and it keeps per-pool ordering simple to reason about.
package workpool

import (
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queuedTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ringcluster_workpool_queued_tasks",
		Help: "Number of runnables currently queued per named pool.",
	}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(queuedTasks)
}

// Runner accepts runnables to execute, in submission order, on its own
// goroutine.
type Runner interface {
	Submit(fn func())
}

type namedRunner struct {
	name string
	ch   *channels.InfiniteChannel
}

func newNamedRunner(name string) *namedRunner {
	r := &namedRunner{name: name, ch: channels.NewInfiniteChannel()}
	go r.loop()
	return r
}

func (r *namedRunner) loop() {
	for v := range r.ch.Out() {
		queuedTasks.WithLabelValues(r.name).Dec()
		v.(func())()
	}
}

func (r *namedRunner) Submit(fn func()) {
	queuedTasks.WithLabelValues(r.name).Inc()
	r.ch.In() <- fn
}

func (r *namedRunner) close() { r.ch.Close() }

// Pool is the concrete threadPool collaborator: a generic runner plus any
// number of lazily-created named executors, and a scheduler for delayed
// one-shot runnables (used by per-task timeouts and the Reconnect Loop).
type Pool struct {
	mu        sync.Mutex
	generic   *namedRunner
	executors map[string]*namedRunner
	closed    bool
}

// New constructs a Pool with its generic runner already started.
func New() *Pool {
	return &Pool{
		generic:   newNamedRunner("generic"),
		executors: make(map[string]*namedRunner),
	}
}

// Generic returns the always-available generic worker.
func (p *Pool) Generic() Runner {
	return p.generic
}

// Executor returns (creating if necessary) the named executor pool.
func (p *Pool) Executor(name string) Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.executors[name]; ok {
		return r
	}
	r := newNamedRunner(name)
	p.executors[name] = r
	return r
}

// Schedule arranges for fn to run on the named pool after delay elapses,
// returning a cancel function that prevents it from running if called
// before the delay expires. poolName is resolved via Executor, so named
// pools used only for scheduled work are created on demand.
func (p *Pool) Schedule(delay time.Duration, poolName string, fn func()) (cancel func()) {
	runner := p.Executor(poolName)
	timer := time.AfterFunc(delay, func() {
		runner.Submit(fn)
	})
	return func() { timer.Stop() }
}

// Close stops every named runner's goroutine. Submissions after Close
// panic, matching the "never call into a torn-down collaborator" lifecycle
// the rest of this module follows.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.generic.close()
	for _, r := range p.executors {
		r.close()
	}
}
