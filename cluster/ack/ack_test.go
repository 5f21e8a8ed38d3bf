package ack

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/common/node"
)

type fakeTask struct {
	required map[string]bool
	acked    chan error
	timedOut chan struct{}
}

func newFakeTask(required ...string) *fakeTask {
	m := make(map[string]bool)
	for _, id := range required {
		m[id] = true
	}
	return &fakeTask{required: m, acked: make(chan error, 1), timedOut: make(chan struct{}, 1)}
}

func (f *fakeTask) MustAck(n *node.DiscoveryNode) bool { return f.required[n.ID] }
func (f *fakeTask) OnAllNodesAcked(err error)          { f.acked <- err }
func (f *fakeTask) OnAckTimeout()                      { f.timedOut <- struct{}{} }

func mkNode(id string) *node.DiscoveryNode {
	return &node.DiscoveryNode{ID: id, Name: id}
}

func TestCoordinatorCompletesOnAllRequiredAcks(t *testing.T) {
	task := newFakeTask("n1", "n2")
	c := New(task, "n1", 7, 2)
	c.Arm(time.Second)

	c.OnNodeAck(mkNode("n2"), nil)
	select {
	case <-task.acked:
		t.Fatal("fired before all required acks arrived")
	case <-time.After(50 * time.Millisecond):
	}

	c.OnNodeAck(mkNode("n1"), nil)
	select {
	case err := <-task.acked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator never completed")
	}
}

func TestCoordinatorAlwaysCountsMasterEvenIfNotRequired(t *testing.T) {
	task := newFakeTask("n2")
	c := New(task, "n1", 7, 2)
	c.Arm(time.Second)

	c.OnNodeAck(mkNode("n2"), nil)
	c.OnNodeAck(mkNode("n1"), nil)

	select {
	case err := <-task.acked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("master ack was not counted")
	}
}

func TestCoordinatorIgnoresUnrequiredNonMasterNode(t *testing.T) {
	task := newFakeTask("n2")
	c := New(task, "n1", 7, 2)
	c.Arm(time.Second)

	c.OnNodeAck(mkNode("n3"), nil) // not required, not master
	select {
	case <-task.acked:
		t.Fatal("unrequired node's ack should not count")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinatorRecordsLastError(t *testing.T) {
	task := newFakeTask("n1", "n2")
	c := New(task, "n1", 7, 2)
	c.Arm(time.Second)

	boom := errors.New("boom")
	c.OnNodeAck(mkNode("n2"), boom)
	c.OnNodeAck(mkNode("n1"), nil)

	select {
	case err := <-task.acked:
		require.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator never completed")
	}
}

func TestCoordinatorFiresTimeoutExactlyOnce(t *testing.T) {
	task := newFakeTask("n1", "n2")
	c := New(task, "n1", 7, 2)
	c.Arm(20 * time.Millisecond)

	select {
	case <-task.timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// A late ack after timeout must not also complete the task.
	c.OnNodeAck(mkNode("n1"), nil)
	select {
	case <-task.acked:
		t.Fatal("late ack fired OnAllNodesAcked after timeout already won")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinatorAckWinsRaceAgainstTimeout(t *testing.T) {
	task := newFakeTask("n1")
	c := New(task, "n1", 7, 1)
	c.Arm(time.Hour)

	c.OnNodeAck(mkNode("n1"), nil)
	select {
	case err := <-task.acked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ack never completed")
	}

	c.OnTimeout()
	select {
	case <-task.timedOut:
		t.Fatal("timeout fired after ack already won")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinatorRequiredCountClampedToOne(t *testing.T) {
	task := newFakeTask("n1")
	c := New(task, "n1", 7, 0)
	c.Arm(time.Second)

	c.OnNodeAck(mkNode("n1"), nil)
	select {
	case err := <-task.acked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator with clamped count never completed")
	}
}

func TestInlineCompleteInvokesCallbackDirectly(t *testing.T) {
	task := newFakeTask()
	InlineComplete(task)
	select {
	case err := <-task.acked:
		require.NoError(t, err)
	default:
		t.Fatal("InlineComplete did not call OnAllNodesAcked synchronously")
	}
}
