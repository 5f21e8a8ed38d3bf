// Package rolewatch implements the Master-Role Watcher (spec §4.3): a
// singleton listener that derives onMaster/offMaster transitions from
// the local node's master status and fans them out to registered role
// listeners, each on an executor of its own choosing.
package rolewatch

import (
	"sync"

	"github.com/oasisprotocol/ringcluster/go/cluster/listener"
	"github.com/oasisprotocol/ringcluster/go/cluster/workpool"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
)

var logger = logging.GetLogger("cluster/rolewatch")

// RoleListener is notified when the local node transitions into or out
// of the master role.
type RoleListener interface {
	OnMaster()
	OffMaster()
	// ExecutorName names the workpool.Pool executor each dispatched
	// notification should run on (spec §4.3).
	ExecutorName() string
}

// Watcher is the singleton listener installed at Start (spec §4.7). It
// holds exactly one boolean, isMaster, and only acts on the XOR between
// the event's view and its own.
type Watcher struct {
	pool *workpool.Pool

	mu        sync.Mutex
	isMaster  bool
	listeners []RoleListener
}

// New constructs a Watcher dispatching through pool.
func New(pool *workpool.Pool) *Watcher {
	return &Watcher{pool: pool}
}

// Register adds a role listener. Safe to call concurrently with
// ClusterChanged.
func (w *Watcher) Register(l RoleListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Unregister removes a previously registered role listener.
func (w *Watcher) Unregister(l RoleListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.listeners[:0:0]
	for _, existing := range w.listeners {
		if existing != l {
			out = append(out, existing)
		}
	}
	w.listeners = out
}

// ClusterChanged implements listener.Listener.
func (w *Watcher) ClusterChanged(e listener.Event) {
	w.mu.Lock()
	flip := e.LocalNodeIsMaster != w.isMaster
	if !flip {
		w.mu.Unlock()
		return
	}
	w.isMaster = e.LocalNodeIsMaster
	becameMaster := w.isMaster
	listeners := append([]RoleListener(nil), w.listeners...)
	w.mu.Unlock()

	for _, l := range listeners {
		l := l
		w.pool.Executor(l.ExecutorName()).Submit(func() {
			w.dispatch(l, becameMaster)
		})
	}
}

// dispatch isolates one role listener's panic so it cannot prevent the
// other dispatched notifications (each is an independent task, spec §4.3
// "failures are isolated").
func (w *Watcher) dispatch(l RoleListener, becameMaster bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("role listener panicked", "panic", r, "became_master", becameMaster)
		}
	}()
	if becameMaster {
		l.OnMaster()
	} else {
		l.OffMaster()
	}
}

// IsMaster reports the watcher's current view of whether the local node
// is master. Exposed for tests and diagnostics only.
func (w *Watcher) IsMaster() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isMaster
}
