// Command ringd is the long-running cluster-state coordination service
// entrypoint (SPEC_FULL §6): it wires together a RingStore backend, the
// libp2p-based Transport and Discovery collaborators, and the
// diagnostics surface, then runs cluster/service.Service until signalled
// to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	clusterservice "github.com/oasisprotocol/ringcluster/go/cluster/service"
	"github.com/oasisprotocol/ringcluster/go/common/logging"
	"github.com/oasisprotocol/ringcluster/go/diag"
	"github.com/oasisprotocol/ringcluster/go/discovery/libp2pgossip"
	"github.com/oasisprotocol/ringcluster/go/ring"
	"github.com/oasisprotocol/ringcluster/go/ring/badgerstore"
	"github.com/oasisprotocol/ringcluster/go/ring/boltstore"
	"github.com/oasisprotocol/ringcluster/go/transport/grpcconn"
)

const (
	flagDataDir     = "data-dir"
	flagRingBackend = "ring.backend"
	flagClusterUUID = "cluster.uuid"
	flagListenAddr  = "transport.listen"
	flagDiagHTTP    = "diag.http-addr"
	flagDiagGRPC    = "diag.grpc-addr"
)

func main() {
	v := viper.New()
	clusterservice.BindDefaults(v)

	root := &cobra.Command{
		Use:   "ringd",
		Short: "ring cluster-state coordination service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := root.Flags()
	flags.String(flagDataDir, "./data", "directory for the local ring store")
	flags.String(flagRingBackend, "bolt", "ring store backend: bolt or badger")
	flags.String(flagClusterUUID, "", "cluster UUID this node joins (required)")
	flags.String(flagListenAddr, "/ip4/0.0.0.0/tcp/0", "libp2p transport listen multiaddr")
	flags.String(flagDiagHTTP, "127.0.0.1:7700", "diagnostics HTTP listen address")
	flags.String(flagDiagGRPC, "127.0.0.1:7701", "diagnostics gRPC listen address")
	flags.String("log.level", "info", "log level: debug, info, warn, error")
	flags.String("log.format", "logfmt", "log format: logfmt or json")
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	lvl, err := logging.LogLevel(v.GetString("log.level"))
	if err != nil {
		return err
	}
	format, err := logging.LogFormat(v.GetString("log.format"))
	if err != nil {
		return err
	}
	if err := logging.Initialize(os.Stdout, lvl, format); err != nil {
		return err
	}
	logger := logging.GetLogger("cmd/ringd")

	clusterUUID := v.GetString(flagClusterUUID)
	if clusterUUID == "" {
		return fmt.Errorf("ringd: %s is required", flagClusterUUID)
	}

	ringStore, closeRing, err := openRingStore(v)
	if err != nil {
		return err
	}
	defer closeRing()

	tp, err := grpcconn.New(ctx, v.GetString(flagListenAddr))
	if err != nil {
		return fmt.Errorf("ringd: starting transport: %w", err)
	}

	disc, err := libp2pgossip.New(ctx, tp.Host())
	if err != nil {
		return fmt.Errorf("ringd: starting discovery: %w", err)
	}

	svc, err := clusterservice.New(clusterUUID, ringStore, disc, tp, v)
	if err != nil {
		return fmt.Errorf("ringd: constructing service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("ringd: starting service: %w", err)
	}

	diagSrv := diag.NewServer(svc, nil)
	if err := diagSrv.ServeHTTP(v.GetString(flagDiagHTTP)); err != nil {
		return err
	}
	if err := diagSrv.ServeGRPC(v.GetString(flagDiagGRPC)); err != nil {
		return err
	}

	logger.Info("ringd started",
		"node_id", svc.Identity.ID,
		"cluster_uuid", clusterUUID,
		"diag_http", v.GetString(flagDiagHTTP),
		"diag_grpc", v.GetString(flagDiagGRPC),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = diagSrv.Close(shutdownCtx)
	return svc.Close()
}

func openRingStore(v *viper.Viper) (ring.Store, func(), error) {
	dataDir := v.GetString(flagDataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ringd: creating data dir: %w", err)
	}

	switch v.GetString(flagRingBackend) {
	case "badger":
		st, err := badgerstore.New(dataDir + "/badger")
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "bolt", "":
		st, err := boltstore.New(dataDir + "/" + boltstore.DBFile)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("ringd: unknown %s %q", flagRingBackend, v.GetString(flagRingBackend))
	}
}
