// Package service implements Lifecycle & Settings (spec §4.7): wires the
// Snapshot Store, Listener Registry, Update Executor, Master-Role
// Watcher and Reconnect Loop together into one orchestrated unit, and
// exposes the two runtime-refreshable settings (spec §6) through a
// viper-backed config source.
package service

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/ringcluster/go/cluster/executor"
	"github.com/oasisprotocol/ringcluster/go/cluster/listener"
	"github.com/oasisprotocol/ringcluster/go/cluster/reconnect"
	"github.com/oasisprotocol/ringcluster/go/cluster/rolewatch"
	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/cluster/store"
	"github.com/oasisprotocol/ringcluster/go/cluster/workpool"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/common/node"
	"github.com/oasisprotocol/ringcluster/go/discovery"
	"github.com/oasisprotocol/ringcluster/go/ring"
	"github.com/oasisprotocol/ringcluster/go/transport"
)

var logger = logging.GetLogger("cluster/service")

// Config keys (spec §6). Both are scalar durations, refreshable at
// runtime through a viper config-file watch.
const (
	KeySlowTaskLoggingThreshold = "cluster.service.slow_task_logging_threshold"
	KeyReconnectInterval        = "cluster.service.reconnect_interval"

	DefaultSlowTaskLoggingThreshold = 30 * time.Second
	DefaultReconnectInterval        = reconnect.DefaultInterval
)

// BindDefaults registers the two config keys' defaults on v. Call before
// v.ReadInConfig so a config file or flag can override them.
func BindDefaults(v *viper.Viper) {
	v.SetDefault(KeySlowTaskLoggingThreshold, DefaultSlowTaskLoggingThreshold)
	v.SetDefault(KeyReconnectInterval, DefaultReconnectInterval)
}

// Phase is the lifecycle state machine (spec §4.7).
type Phase uint8

const (
	PhaseInitialized Phase = iota
	PhaseStarted
	PhaseStopped
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseStarted:
		return "started"
	case PhaseStopped:
		return "stopped"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrWrongPhase is returned when an operation is attempted from a phase
// that doesn't permit it (Start called twice, Stop outside Started).
var ErrWrongPhase = errors.New("service: operation not valid in current phase")

// Service orchestrates one cluster-state coordination node.
type Service struct {
	Identity *node.Identity

	store     *store.Store
	listeners *listener.Registry
	pool      *workpool.Pool
	executor  *executor.Executor
	watcher   *rolewatch.Watcher
	reconnect *reconnect.Loop
	transport transport.Transport

	v *viper.Viper

	mu    sync.Mutex
	phase Phase
}

// New constructs a Service carrying a freshly generated local identity
// and an initial ClusterState gated by NoRingBlock (spec §6 "Initial
// blocks"). v may be nil, in which case the two runtime settings keep
// their defaults and are never live-reloaded.
func New(clusterUUID string, rs ring.Store, disc discovery.Publisher, tp transport.Transport, v *viper.Viper) (*Service, error) {
	identity, err := node.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("service: generating local identity: %w", err)
	}

	local := &node.DiscoveryNode{
		ID:        identity.ID,
		Name:      identity.ID,
		PublicKey: identity.PublicKey,
	}
	nodes, err := node.NewNodeSet([]*node.DiscoveryNode{local}, local.ID, local.ID)
	if err != nil {
		return nil, fmt.Errorf("service: building initial node set: %w", err)
	}

	initial := state.New(
		1,
		nodes,
		nil,
		state.NewBlockSet(state.NoRingBlock),
		state.MetaData{Version: 0, ClusterUUID: clusterUUID},
		state.StatusApplied,
	)

	st := store.New(initial)
	listeners := listener.New()
	pool := workpool.New()
	ex := executor.New(st, rs, disc, tp, listeners, pool)
	watcher := rolewatch.New(pool)
	rc := reconnect.New(st, tp, pool, nil)

	if v == nil {
		v = viper.New()
		BindDefaults(v)
	}

	svc := &Service{
		Identity:  identity,
		store:     st,
		listeners: listeners,
		pool:      pool,
		executor:  ex,
		watcher:   watcher,
		reconnect: rc,
		transport: tp,
		v:         v,
		phase:     PhaseInitialized,
	}
	svc.applySettings()
	return svc, nil
}

// Store exposes the Snapshot Store for read-only access (e.g. diag/).
func (s *Service) Store() *store.Store { return s.store }

// Listeners exposes the Listener Registry so callers can register
// additional pre/post-applied listeners (e.g. index/'s IndexNotifier as
// a last-band listener, spec §4.10) before or after Start.
func (s *Service) Listeners() *listener.Registry { return s.listeners }

// Watcher exposes the Master-Role Watcher for RoleListener registration.
func (s *Service) Watcher() *rolewatch.Watcher { return s.watcher }

// Pool exposes the shared worker pool collaborator.
func (s *Service) Pool() *workpool.Pool { return s.pool }

// SlowTaskThreshold and ReconnectInterval expose the two runtime-
// refreshable settings' currently active values (spec §6), for
// diagnostics and tests.
func (s *Service) SlowTaskThreshold() time.Duration { return s.executor.SlowTaskThreshold() }
func (s *Service) ReconnectInterval() time.Duration { return s.reconnect.Interval() }

// Submit enqueues an update task on the Update Executor.
func (s *Service) Submit(t executor.Task) error {
	return s.executor.Submit(t)
}

// DeliverNodeAck forwards an asynchronously-received node ack to the
// Update Executor's ack coordinator tracking table.
func (s *Service) DeliverNodeAck(version uint64, n *node.DiscoveryNode, sig []byte, ackErr error) {
	s.executor.DeliverNodeAck(version, n, sig, ackErr)
}

// PendingTasks, NumberOfPendingTasks and MaxTaskWaitTime implement the
// pending-tasks introspection surface (spec §6), forwarded from the
// Update Executor.
func (s *Service) PendingTasks() []executor.PendingTaskInfo { return s.executor.PendingTasks() }
func (s *Service) NumberOfPendingTasks() uint32             { return s.executor.NumberOfPendingTasks() }
func (s *Service) MaxTaskWaitTime() time.Duration           { return s.executor.MaxTaskWaitTime() }

// IsUpdateGoroutine implements the thread-identity assertion (spec §6).
func (s *Service) IsUpdateGoroutine() bool { return s.executor.IsUpdateGoroutine() }

// Phase reports the current lifecycle phase.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start transitions Initialized -> Started: installs the Master-Role
// Watcher as a priority-band listener, arms the settings-reload watch,
// and starts the Update Executor and Reconnect Loop.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.phase != PhaseInitialized {
		s.mu.Unlock()
		return ErrWrongPhase
	}
	s.phase = PhaseStarted
	s.mu.Unlock()

	s.listeners.AddFirst(s.watcher)

	s.v.WatchConfig()
	s.v.OnConfigChange(func(fsnotify.Event) { s.applySettings() })

	s.executor.Start()
	s.reconnect.Start()

	logger.Info("service started", "node_id", s.Identity.ID)
	return nil
}

func (s *Service) applySettings() {
	s.executor.SetSlowTaskThreshold(s.v.GetDuration(KeySlowTaskLoggingThreshold))
	s.reconnect.SetInterval(s.v.GetDuration(KeyReconnectInterval))
}

// Stop transitions Started -> Stopped, aggregating every collaborator's
// teardown error into one hashicorp/go-multierror (spec §4.7) rather
// than returning only the first.
func (s *Service) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.phase != PhaseStarted {
		s.mu.Unlock()
		return ErrWrongPhase
	}
	s.phase = PhaseStopped
	s.mu.Unlock()

	return s.teardown(grace)
}

// teardown runs the actual collaborator shutdown sequence (spec §4.7):
// reconnect loop, update executor, listener registry (delivering OnClose
// to every timeout listener), transport. Callers are responsible for the
// phase transition; teardown itself never reads or writes s.phase, so
// both Stop and Close can drive it exactly once regardless of which
// phase they're transitioning from.
func (s *Service) teardown(grace time.Duration) error {
	var result *multierror.Error

	s.reconnect.Stop()

	if err := s.executor.Stop(grace); err != nil {
		result = multierror.Append(result, fmt.Errorf("executor shutdown: %w", err))
	}

	s.listeners.Remove(s.watcher)
	s.listeners.Shutdown()

	if closer, ok := s.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("transport close: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// Close releases any resources Stop did not already tear down and moves
// the service to its terminal phase. Safe to call without a prior Stop:
// if the service is still Started, Close claims the teardown itself
// (transitioning straight through Stopped, same as Stop would) before
// marking the service Closed, so OnClose still reaches every timeout
// listener and every collaborator still tears down exactly once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	wasStarted := s.phase == PhaseStarted
	if wasStarted {
		s.phase = PhaseStopped
	}
	s.mu.Unlock()

	var err error
	if wasStarted {
		err = s.teardown(10 * time.Second)
	}

	s.mu.Lock()
	s.phase = PhaseClosed
	s.mu.Unlock()

	s.pool.Close()
	return err
}
