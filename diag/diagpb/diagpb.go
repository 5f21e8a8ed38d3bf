// Package diagpb holds the hand-maintained protobuf message/service
// definitions for the diagnostics gRPC surface (spec §4.9's DeliverNodeAck
// RPC). In a normal build these types are produced by protoc-gen-go from
// diag.proto; they are checked in directly here so the module links
// without a protoc toolchain step.
package diagpb

import (
	context "context"
	fmt "fmt"

	proto "github.com/golang/protobuf/proto"
	status "google.golang.org/genproto/googleapis/rpc/status"
	grpc "google.golang.org/grpc"
)

// DeliverNodeAckRequest carries one node's signed acknowledgement of a
// metadata version.
type DeliverNodeAckRequest struct {
	TargetVersion uint64 `protobuf:"varint,1,opt,name=target_version,json=targetVersion,proto3" json:"target_version,omitempty"`
	NodeId        string `protobuf:"bytes,2,opt,name=node_id,json=nodeId,proto3" json:"node_id,omitempty"`
	Signature     []byte `protobuf:"bytes,3,opt,name=signature,proto3" json:"signature,omitempty"`
	// AckError, if non-empty, is the acking node's own report of a local
	// failure applying the metadata version (still counted by the ack
	// coordinator as its last-seen error, spec §4.4).
	AckError string `protobuf:"bytes,4,opt,name=ack_error,json=ackError,proto3" json:"ack_error,omitempty"`
}

func (m *DeliverNodeAckRequest) Reset()         { *m = DeliverNodeAckRequest{} }
func (m *DeliverNodeAckRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*DeliverNodeAckRequest) ProtoMessage()    {}

// DeliverNodeAckResponse is empty on success. A rejected request (e.g. an
// unknown node ID) still completes with an OK RPC status and carries the
// failure, mapped onto a status code (spec §7's "RPC status mapping"), in
// Detail.
type DeliverNodeAckResponse struct {
	Detail *status.Status `protobuf:"bytes,1,opt,name=detail,proto3" json:"detail,omitempty"`
}

func (m *DeliverNodeAckResponse) Reset()         { *m = DeliverNodeAckResponse{} }
func (m *DeliverNodeAckResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*DeliverNodeAckResponse) ProtoMessage()    {}

var _ proto.Message = (*DeliverNodeAckRequest)(nil)
var _ proto.Message = (*DeliverNodeAckResponse)(nil)

// DiagnosticsServer is the service interface a gRPC handler implements.
type DiagnosticsServer interface {
	DeliverNodeAck(ctx context.Context, req *DeliverNodeAckRequest) (*DeliverNodeAckResponse, error)
}

// RegisterDiagnosticsServer registers srv's implementation of
// DiagnosticsServer on s, mirroring the registration function protoc-
// gen-go-grpc emits for a real .proto-defined service.
func RegisterDiagnosticsServer(s *grpc.Server, srv DiagnosticsServer) {
	s.RegisterService(&diagnosticsServiceDesc, srv)
}

var diagnosticsServiceDesc = grpc.ServiceDesc{
	ServiceName: "ringcluster.diag.v1.Diagnostics",
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "DeliverNodeAck",
			Handler:    deliverNodeAckHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "diag.proto",
}

func deliverNodeAckHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeliverNodeAckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).DeliverNodeAck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/ringcluster.diag.v1.Diagnostics/DeliverNodeAck",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DiagnosticsServer).DeliverNodeAck(ctx, req.(*DeliverNodeAckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// DiagnosticsClient is the client-side stub for DiagnosticsServer.
type DiagnosticsClient interface {
	DeliverNodeAck(ctx context.Context, req *DeliverNodeAckRequest, opts ...grpc.CallOption) (*DeliverNodeAckResponse, error)
}

type diagnosticsClient struct{ cc grpc.ClientConnInterface }

// NewDiagnosticsClient builds a client stub over an existing connection.
func NewDiagnosticsClient(cc grpc.ClientConnInterface) DiagnosticsClient {
	return &diagnosticsClient{cc: cc}
}

func (c *diagnosticsClient) DeliverNodeAck(ctx context.Context, req *DeliverNodeAckRequest, opts ...grpc.CallOption) (*DeliverNodeAckResponse, error) {
	out := new(DeliverNodeAckResponse)
	if err := c.cc.Invoke(ctx, "/ringcluster.diag.v1.Diagnostics/DeliverNodeAck", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
