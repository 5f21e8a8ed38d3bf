package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/cluster/executor"
	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/node"
)

type fakeRing struct{}

func (fakeRing) PersistMetaData(ctx context.Context, prev, next state.MetaData, source string) error {
	return nil
}

type fakeDiscovery struct{ mu sync.Mutex }

func (d *fakeDiscovery) Publish(ctx context.Context, next *state.ClusterState) {}
func (d *fakeDiscovery) AwaitMetaDataVersion(ctx context.Context, v uint64, timeout time.Duration) (bool, error) {
	return true, nil
}

type fakeTransport struct{ closed bool }

func (t *fakeTransport) ConnectToNode(ctx context.Context, n *node.DiscoveryNode) error { return nil }
func (t *fakeTransport) DisconnectFromNode(ctx context.Context, n *node.DiscoveryNode) error {
	return nil
}
func (t *fakeTransport) NodeConnected(n *node.DiscoveryNode) bool { return true }
func (t *fakeTransport) Close() error                             { t.closed = true; return nil }

func newTestService(t *testing.T) (*Service, *fakeTransport) {
	t.Helper()
	tp := &fakeTransport{}
	svc, err := New("cluster-1", fakeRing{}, &fakeDiscovery{}, tp, nil)
	require.NoError(t, err)
	return svc, tp
}

func TestNewServiceStartsInitializedWithLocalIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	require.Equal(t, PhaseInitialized, svc.Phase())
	require.NotEmpty(t, svc.Identity.ID)
	require.Equal(t, uint64(1), svc.Store().Load().Version)
}

func TestStartTwiceReturnsErrWrongPhase(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start())
	require.ErrorIs(t, svc.Start(), ErrWrongPhase)
	require.NoError(t, svc.Stop(time.Second))
}

func TestStopClosesTransportAndAggregatesErrors(t *testing.T) {
	svc, tp := newTestService(t)
	require.NoError(t, svc.Start())
	require.NoError(t, svc.Stop(time.Second))
	require.True(t, tp.closed)
}

func TestStopBeforeStartReturnsErrWrongPhase(t *testing.T) {
	svc, _ := newTestService(t)
	require.ErrorIs(t, svc.Stop(time.Second), ErrWrongPhase)
}

func TestViperSettingsApplyToExecutorAndReconnectLoop(t *testing.T) {
	v := viper.New()
	BindDefaults(v)
	v.Set(KeySlowTaskLoggingThreshold, 5*time.Second)
	v.Set(KeyReconnectInterval, 2*time.Second)

	tp := &fakeTransport{}
	svc, err := New("cluster-1", fakeRing{}, &fakeDiscovery{}, tp, v)
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	defer func() { _ = svc.Stop(time.Second) }()

	require.Equal(t, 5*time.Second, svc.SlowTaskThreshold())
	require.Equal(t, 2*time.Second, svc.ReconnectInterval())
}

func TestSubmitForwardsToExecutor(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Start())
	defer func() { _ = svc.Stop(time.Second) }()

	done := make(chan struct{}, 1)
	task := &noopTask{done: done}
	require.NoError(t, svc.Submit(task))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never executed")
	}
}

type noopTask struct {
	done chan struct{}
}

func (t *noopTask) Source() string              { return "test" }
func (t *noopTask) Priority() executor.Priority { return executor.PriorityNormal }
func (t *noopTask) Execute(prev *state.ClusterState) (*state.ClusterState, error) {
	t.done <- struct{}{}
	return prev, nil
}
func (t *noopTask) OnFailure(source string, err error)                                  {}
func (t *noopTask) Acked() bool                                                         { return false }
func (t *noopTask) Processed() bool                                                     { return false }
func (t *noopTask) ClusterStateProcessed(source string, prev, next *state.ClusterState) {}
func (t *noopTask) MustApplyMetaData() bool                                             { return false }
func (t *noopTask) DoPersistMetaData() bool                                             { return false }
func (t *noopTask) UseAckCoordinator() bool                                             { return false }
func (t *noopTask) MustAck(n *node.DiscoveryNode) bool                                  { return false }
func (t *noopTask) OnAllNodesAcked(err error)                                           {}
func (t *noopTask) OnAckTimeout()                                                       {}
func (t *noopTask) AckTimeout() time.Duration                                           { return time.Second }
func (t *noopTask) TaskTimeout() time.Duration                                          { return 0 }
