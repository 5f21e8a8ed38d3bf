// Package index is the adapter to the index/mapping subsystem (spec §1:
// "invoked only through a named interface"). The core never links that
// subsystem's internals; it only ever calls IndexNotifier, through an
// Adapter added to the last band of a cluster/listener.Registry with
// AddLast. Neither cluster/service.Service.Start nor cmd/ringd registers
// an Adapter.
//
// The concrete adapter shipped here launches the index/mapping subsystem
// as a separate process over hashicorp/go-plugin's net/rpc transport, so
// a crash or hang in indexing code can never take down the coordination
// core.
package index

import (
	"errors"
	"net/rpc"
	"os/exec"
	"runtime"

	"github.com/hashicorp/go-hclog"
	plugin "github.com/hashicorp/go-plugin"

	"github.com/oasisprotocol/ringcluster/go/cluster/listener"
	"github.com/oasisprotocol/ringcluster/go/cluster/state"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
)

var logger = logging.GetLogger("index")

// IndexNotifier is the only surface the core ever calls on the
// index/mapping subsystem.
type IndexNotifier interface {
	OnMetadataApplied(prev, next state.MetaData) error
}

// Handshake pins the plugin protocol version/magic cookie pair go-plugin
// uses to refuse accidental connections from an unrelated binary.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "RINGCLUSTER_INDEX_PLUGIN",
	MagicCookieValue: "e6c278f4-secondary-indices",
}

// pluginMap is the single named plugin this host ever requests.
var pluginMap = map[string]plugin.Plugin{
	"index_notifier": &notifierPlugin{},
}

// Adapter holds the launched index/mapping subprocess and implements
// cluster/listener.Listener, forwarding every applied metadata change to
// the plugin's IndexNotifier implementation. New does not register it
// with a cluster/listener.Registry.
type Adapter struct {
	client   *plugin.Client
	notifier IndexNotifier
}

// New spawns cmd (the index/mapping subsystem binary) as a go-plugin
// subprocess and dispenses its IndexNotifier implementation.
func New(cmd *exec.Cmd) (*Adapter, error) {
	applySandbox(cmd)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginMap,
		Cmd:             cmd,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "index-plugin",
			Level: hclog.Info,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, err
	}
	raw, err := rpcClient.Dispense("index_notifier")
	if err != nil {
		client.Kill()
		return nil, err
	}

	return &Adapter{client: client, notifier: raw.(IndexNotifier)}, nil
}

// ClusterChanged implements cluster/listener.Listener. Registered as a
// last-band listener, this only ever sees the final pre-applied
// notification for an event, after priority and normal bands have run.
func (a *Adapter) ClusterChanged(e listener.Event) {
	if !e.MetadataChanged() {
		return
	}
	var prevMeta state.MetaData
	if e.Previous != nil {
		prevMeta = e.Previous.Metadata
	}
	if err := a.notifier.OnMetadataApplied(prevMeta, e.Current.Metadata); err != nil {
		logger.Warn("index/mapping subsystem rejected metadata update", "err", err)
	}
}

// Close terminates the plugin subprocess.
func (a *Adapter) Close() { a.client.Kill() }

var _ listener.Listener = (*Adapter)(nil)

// notifierRPC/notifierPlugin implement go-plugin's net/rpc client/server
// plumbing for IndexNotifier. Only the client half is exercised by this
// process; Server is defined so a real index/mapping binary built against
// this package can satisfy the same plugin contract.
type notifierRPC struct{ client *rpc.Client }

type notifierPlugin struct {
	Impl IndexNotifier
}

func (p *notifierPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &notifierRPC{client: c}, nil
}

func (p *notifierPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &notifierRPCServer{impl: p.Impl}, nil
}

type onMetadataAppliedArgs struct {
	Prev, Next state.MetaData
}

// onMetadataAppliedReply carries the notifier's error as a plain string:
// net/rpc encodes arguments with gob, which can't decode into the error
// interface without registering every concrete error type a plugin
// binary might return.
type onMetadataAppliedReply struct{ Err string }

func (n *notifierRPC) OnMetadataApplied(prev, next state.MetaData) error {
	var resp onMetadataAppliedReply
	if err := n.client.Call("Plugin.OnMetadataApplied", &onMetadataAppliedArgs{Prev: prev, Next: next}, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

type notifierRPCServer struct{ impl IndexNotifier }

func (s *notifierRPCServer) OnMetadataApplied(args *onMetadataAppliedArgs, resp *onMetadataAppliedReply) error {
	if err := s.impl.OnMetadataApplied(args.Prev, args.Next); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// applySandbox checks, on Linux, that the seccomp deny-list filter for the
// spawned index/mapping subprocess builds (spec §4.10); no filter is
// loaded into cmd (see applyLinuxSeccomp).
// Logged, never fatal: the plugin boundary is a belt-and-suspenders
// isolation measure, not the only thing standing between the core and a
// misbehaving plugin.
func applySandbox(cmd *exec.Cmd) {
	if runtime.GOOS != "linux" {
		logger.Info("skipping subprocess seccomp sandbox on non-Linux build target", "goos", runtime.GOOS)
		return
	}
	applyLinuxSeccomp(cmd)
}
