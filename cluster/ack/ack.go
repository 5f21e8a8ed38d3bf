// Package ack implements the Ack Coordinator (spec §4.4): a per-update
// countdown with a deadline, driven by gossip node-ack callbacks, with
// single-winner semantics between reaching zero and timing out.
package ack

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/common/node"
)

var logger = logging.GetLogger("cluster/ack")

// Task is the subset of UpdateTask the coordinator needs (spec §3's
// UpdateTask.flags and callbacks).
type Task interface {
	// MustAck reports whether n's ack is required for this task.
	MustAck(n *node.DiscoveryNode) bool
	OnAllNodesAcked(err error)
	OnAckTimeout()
}

// Coordinator counts down required acks for one update task, starting at
// construction, firing its terminal callback exactly once — on the K-th
// required ack, or on the deadline, whichever comes first (spec §4.4,
// §8 testable property 8).
type Coordinator struct {
	task        Task
	masterID    string
	targetVer   uint64
	remaining   int32
	lastErr     atomic.Value // error
	done        uint32       // atomic: 0 = pending, 1 = terminal callback fired
	timeoutStop func() bool
}

// New constructs a Coordinator for targetVersion that counts down from
// requiredCount acks, clamped to at least 1 (spec §4.4: "clamped to ≥
// 1... the master ack is always awaited"). The master's ack is counted
// by OnNodeAck even if task.MustAck(master) is false; New does not add
// it to requiredCount. New only sets up the countdown and bookkeeping;
// the caller starts the ack-timeout timer via Arm.
func New(task Task, masterID string, targetVersion uint64, requiredCount int) *Coordinator {
	if requiredCount < 1 {
		requiredCount = 1
	}
	return &Coordinator{
		task:      task,
		masterID:  masterID,
		targetVer: targetVersion,
		remaining: int32(requiredCount),
	}
}

// Arm starts the ack-timeout clock: after timeout elapses without the
// countdown reaching zero, OnTimeout fires (spec §4.4 "onTimeout").
func (c *Coordinator) Arm(timeout time.Duration) {
	timer := time.AfterFunc(timeout, c.OnTimeout)
	c.timeoutStop = timer.Stop
}

// OnNodeAck records one node's ack (or ack error). If n is not required
// for this task but is the master, it is still counted (spec §4.4); any
// other non-required node's ack is ignored. When the countdown reaches
// zero, the timeout is cancelled and OnAllNodesAcked(lastError) fires.
func (c *Coordinator) OnNodeAck(n *node.DiscoveryNode, ackErr error) {
	required := c.task.MustAck(n) || (c.masterID != "" && n.ID == c.masterID)
	if !required {
		return
	}
	if ackErr != nil {
		c.lastErr.Store(ackErr)
	}

	remaining := atomic.AddInt32(&c.remaining, -1)
	if remaining > 0 {
		return
	}
	if remaining < 0 {
		// Already reached zero (or timed out) from a previous ack; this
		// one is redundant (e.g. a late duplicate delivery).
		return
	}
	c.finish(func() {
		var err error
		if v := c.lastErr.Load(); v != nil {
			err = v.(error)
		}
		c.task.OnAllNodesAcked(err)
	})
}

// OnTimeout is the one-shot ack-deadline transition (spec §4.4
// "onTimeout"). It is a no-op if the countdown already completed.
func (c *Coordinator) OnTimeout() {
	c.finish(func() {
		logger.Warn("ack timeout for update task", "target_version", c.targetVer)
		c.task.OnAckTimeout()
	})
}

// finish guarantees exactly one of OnAllNodesAcked/OnAckTimeout ever
// runs, via a single CompareAndSwap on the done flag (spec §5's
// "fast-forward countdown so simultaneous completion and expiry produce
// exactly one terminal callback").
func (c *Coordinator) finish(terminal func()) {
	if !atomic.CompareAndSwapUint32(&c.done, 0, 1) {
		return
	}
	if c.timeoutStop != nil {
		c.timeoutStop()
	}
	terminal()
}

// Payload builds the canonical byte string a node signs (node.Identity.
// SignAck) and a verifier checks (node.VerifyAck) for one node ack: the
// target metadata version and the acking node's ID, so a forged or
// replayed ack for a different version/node fails verification.
func Payload(nodeID string, targetVersion uint64) []byte {
	buf := make([]byte, 8+len(nodeID))
	binary.BigEndian.PutUint64(buf, targetVersion)
	copy(buf[8:], nodeID)
	return buf
}

// InlineComplete is used when the coordinator is not armed at all — spec
// §4.4: "armed only when mustApplyMetaData && nodes.size > 1; otherwise
// onAllNodesAcked(nil) is invoked inline."
func InlineComplete(task Task) {
	task.OnAllNodesAcked(nil)
}
