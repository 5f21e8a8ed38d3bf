package index

import (
	"errors"
	"net"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/ringcluster/go/cluster/listener"
	"github.com/oasisprotocol/ringcluster/go/cluster/state"
)

type fakeNotifier struct {
	calls []state.MetaData
	err   error
}

func (f *fakeNotifier) OnMetadataApplied(prev, next state.MetaData) error {
	f.calls = append(f.calls, next)
	return f.err
}

// dialedNotifierRPC wires a notifierRPC client directly to a
// notifierRPCServer over an in-memory net.Pipe, exercising the same
// net/rpc call path go-plugin uses without spawning a subprocess.
func dialedNotifierRPC(t *testing.T, impl IndexNotifier) *notifierRPC {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", &notifierRPCServer{impl: impl}))
	go server.ServeConn(serverConn)

	t.Cleanup(func() { clientConn.Close() })
	return &notifierRPC{client: rpc.NewClient(clientConn)}
}

func TestNotifierRPCForwardsCallAndSuccess(t *testing.T) {
	fake := &fakeNotifier{}
	n := dialedNotifierRPC(t, fake)

	next := state.MetaData{Version: 3}
	require.NoError(t, n.OnMetadataApplied(state.MetaData{Version: 2}, next))
	require.Equal(t, []state.MetaData{next}, fake.calls)
}

func TestNotifierRPCPropagatesRemoteError(t *testing.T) {
	fake := &fakeNotifier{err: errors.New("index rejected version")}
	n := dialedNotifierRPC(t, fake)

	err := n.OnMetadataApplied(state.MetaData{}, state.MetaData{Version: 1})
	require.Error(t, err)
	require.Equal(t, "index rejected version", err.Error())
}

func TestAdapterClusterChangedSkipsUnchangedMetadata(t *testing.T) {
	fake := &fakeNotifier{}
	a := &Adapter{notifier: fake}

	cur := &state.ClusterState{Metadata: state.MetaData{Version: 1}}
	a.ClusterChanged(listener.Event{Previous: cur, Current: cur})
	require.Empty(t, fake.calls)
}

func TestAdapterClusterChangedForwardsMetadataChange(t *testing.T) {
	fake := &fakeNotifier{}
	a := &Adapter{notifier: fake}

	prev := &state.ClusterState{Metadata: state.MetaData{Version: 1}}
	cur := &state.ClusterState{Metadata: state.MetaData{Version: 2}}
	a.ClusterChanged(listener.Event{Previous: prev, Current: cur})
	require.Equal(t, []state.MetaData{cur.Metadata}, fake.calls)
}
