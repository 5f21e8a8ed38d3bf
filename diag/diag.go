// Package diag implements the Diagnostics Surface (SPEC_FULL §4.9): an
// HTTP introspection server for the pending-tasks surface (spec §6) and a
// gRPC service exposing DeliverNodeAck, which peers call to feed node
// acknowledgements back into the Update Executor's ack coordinator.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"golang.org/x/net/netutil"
	status "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/oasisprotocol/ringcluster/go/cluster/service"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/diag/diagpb"
	"github.com/oasisprotocol/ringcluster/go/ring"
)

var logger = logging.GetLogger("diag")

// maxIntrospectionConns bounds concurrent HTTP introspection requests
// (SPEC_FULL §4.9), so a slow client scraping pending-tasks can never
// starve the rest of the process of file descriptors.
const maxIntrospectionConns = 64

// Server hosts the HTTP introspection endpoints and the gRPC
// DeliverNodeAck service over the same Service instance.
type Server struct {
	svc *service.Service

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer constructs a Server. With nil tlsCreds the gRPC surface is
// served without transport security, as cmd/ringd does; ServerCredentials
// builds mTLS credentials for it (spec §4.9's grpc/security/advancedtls
// use).
func NewServer(svc *service.Service, tlsCreds credentials.TransportCredentials) *Server {
	s := &Server{svc: svc}

	var opts []grpc.ServerOption
	if tlsCreds != nil {
		opts = append(opts, grpc.Creds(tlsCreds))
	}
	opts = append(opts,
		grpc_middleware.WithUnaryServerChain(
			grpc_recovery.UnaryServerInterceptor(),
			loggingUnaryInterceptor,
		),
	)
	s.grpcSrv = grpc.NewServer(opts...)
	diagpb.RegisterDiagnosticsServer(s.grpcSrv, (*diagnosticsHandler)(s))

	mux := http.NewServeMux()
	mux.HandleFunc("/pending-tasks", s.handlePendingTasks)
	mux.HandleFunc("/pending-tasks/count", s.handlePendingTaskCount)
	mux.HandleFunc("/pending-tasks/max-wait", s.handleMaxWait)
	s.httpSrv = &http.Server{Handler: mux}

	return s
}

// ServeHTTP starts the HTTP introspection listener on addr, bounded to
// maxIntrospectionConns concurrent connections (golang.org/x/net/netutil,
// SPEC_FULL §4.9).
func (s *Server) ServeHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("diag: listening for HTTP on %s: %w", addr, err)
	}
	bounded := netutil.LimitListener(ln, maxIntrospectionConns)
	go func() {
		if err := s.httpSrv.Serve(bounded); err != nil && err != http.ErrServerClosed {
			logger.Warn("diagnostics HTTP server stopped", "err", err)
		}
	}()
	return nil
}

// ServeGRPC starts the gRPC DeliverNodeAck service on addr.
func (s *Server) ServeGRPC(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("diag: listening for gRPC on %s: %w", addr, err)
	}
	go func() {
		if err := s.grpcSrv.Serve(ln); err != nil {
			logger.Warn("diagnostics gRPC server stopped", "err", err)
		}
	}()
	return nil
}

// Close shuts down both listeners.
func (s *Server) Close(ctx context.Context) error {
	s.grpcSrv.GracefulStop()
	return s.httpSrv.Shutdown(ctx)
}

// loggingUnaryInterceptor logs every RPC's method and elapsed time
// through common/logging, the same logger every other package in this
// module uses, rather than pulling in a second logging dependency just
// for this one interceptor.
func loggingUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Debug("handled rpc", "method", info.FullMethod, "elapsed", time.Since(start), "err", err)
	return resp, err
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.PendingTasks())
}

func (s *Server) handlePendingTaskCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Count uint32 `json:"count"`
	}{s.svc.NumberOfPendingTasks()})
}

func (s *Server) handleMaxWait(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		MaxWaitMillis int64 `json:"max_wait_millis"`
	}{s.svc.MaxTaskWaitTime().Milliseconds()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode diagnostics response", "err", err)
	}
}

// diagnosticsHandler implements diagpb.DiagnosticsServer by forwarding to
// the wrapped Server's Service.
type diagnosticsHandler Server

// DeliverNodeAck feeds one peer's signed ack into the Update Executor's
// ack coordinator (spec §4.8's discovery-driven onNodeAck path, delivered
// here over gRPC instead of gossip since a per-node ack is fundamentally
// a point-to-point report).
func (h *diagnosticsHandler) DeliverNodeAck(ctx context.Context, req *diagpb.DeliverNodeAckRequest) (*diagpb.DeliverNodeAckResponse, error) {
	n, ok := h.svc.Store().Load().Nodes.Get(req.NodeId)
	if !ok {
		return &diagpb.DeliverNodeAckResponse{
			Detail: statusFor(ring.NewError(ring.ErrKindInvalidRequest, fmt.Errorf("unknown node %q", req.NodeId))),
		}, nil
	}

	var ackErr error
	if req.AckError != "" {
		ackErr = fmt.Errorf("%s", req.AckError)
	}

	h.svc.DeliverNodeAck(req.TargetVersion, n, req.Signature, ackErr)
	return &diagpb.DeliverNodeAckResponse{}, nil
}

// statusFor maps a ring.Error's classification onto the genproto
// rpc/status codes named in spec §7's "RPC status mapping".
func statusFor(err error) *status.Status {
	kind := ^ring.ErrorKind(0) // no ring classification: UNKNOWN below
	var rerr *ring.Error
	if e, ok := err.(*ring.Error); ok {
		rerr = e
		kind = e.Kind
	}

	var code int32
	switch kind {
	case ring.ErrKindConcurrentUpdate:
		code = 10 // ABORTED
	case ring.ErrKindConfiguration:
		code = 9 // FAILED_PRECONDITION
	case ring.ErrKindIO:
		code = 14 // UNAVAILABLE
	case ring.ErrKindInvalidRequest, ring.ErrKindRequestValidation:
		code = 3 // INVALID_ARGUMENT
	case ring.ErrKindRequestExecution:
		code = 13 // INTERNAL
	default:
		code = 2 // UNKNOWN
	}

	msg := "diagnostics request failed"
	if rerr != nil {
		msg = rerr.Error()
	} else if err != nil {
		msg = err.Error()
	}
	return &status.Status{Code: code, Message: msg}
}
