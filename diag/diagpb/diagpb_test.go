package diagpb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

type fakeServer struct {
	received *DeliverNodeAckRequest
	resp     *DeliverNodeAckResponse
}

func (f *fakeServer) DeliverNodeAck(ctx context.Context, req *DeliverNodeAckRequest) (*DeliverNodeAckResponse, error) {
	f.received = req
	return f.resp, nil
}

func TestDeliverNodeAckHandlerDecodesAndDispatches(t *testing.T) {
	want := &DeliverNodeAckRequest{TargetVersion: 7, NodeId: "node-a", Signature: []byte("sig"), AckError: "timeout"}
	srv := &fakeServer{resp: &DeliverNodeAckResponse{}}

	dec := func(v interface{}) error {
		*(v.(*DeliverNodeAckRequest)) = *want
		return nil
	}

	out, err := deliverNodeAckHandler(srv, context.Background(), dec, nil)
	require.NoError(t, err)
	require.Same(t, srv.resp, out)
	require.Equal(t, want, srv.received)
}

func TestDeliverNodeAckHandlerRunsInterceptorChain(t *testing.T) {
	want := &DeliverNodeAckRequest{NodeId: "node-b"}
	srv := &fakeServer{resp: &DeliverNodeAckResponse{}}
	dec := func(v interface{}) error {
		*(v.(*DeliverNodeAckRequest)) = *want
		return nil
	}

	var sawMethod string
	interceptor := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		sawMethod = info.FullMethod
		return handler(ctx, req)
	}

	_, err := deliverNodeAckHandler(srv, context.Background(), dec, interceptor)
	require.NoError(t, err)
	require.Equal(t, "/ringcluster.diag.v1.Diagnostics/DeliverNodeAck", sawMethod)
	require.Equal(t, want, srv.received)
}

func TestMessageResetAndString(t *testing.T) {
	req := &DeliverNodeAckRequest{NodeId: "x"}
	req.Reset()
	require.Equal(t, &DeliverNodeAckRequest{}, req)
	require.Contains(t, (&DeliverNodeAckResponse{}).String(), "{")
}
