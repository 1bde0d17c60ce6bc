// Command synccored is the sync engine daemon: one process per cluster
// node, wiring every internal/* component into a pkg/cluster.Client and
// serving the HTTP sync endpoint, health/ready checks, gated debug
// endpoints, and the grpc replication/health services.
//
// A cobra root command with PersistentPreRunE configuring logging, a
// context cancelled on SIGINT/SIGTERM, and a single long-running RunE
// that blocks until that context is done.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/synccore/synccore/internal/config"
	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/obslog"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/pool"
	"github.com/synccore/synccore/internal/replication"
	"github.com/synccore/synccore/internal/resolver"
	"github.com/synccore/synccore/internal/routing"
	"github.com/synccore/synccore/internal/storage/sqlitestore"
	"github.com/synccore/synccore/internal/telemetry"
	"github.com/synccore/synccore/internal/writeack"
	"github.com/synccore/synccore/pkg/cluster"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("synccored: command failed", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	nodeID       string
	configPath   string
	httpAddr     string
	grpcAddr     string
	sqlitePath   string
	seedNodes    []string // "nodeID=host:port" pairs
	debug        bool
	logJSON      bool
	otelEndpoint string
	authToken    string
}

func rootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:     "synccored",
		Short:   "Distributed CRDT sync engine node",
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := obslog.LevelInfo
			if f.debug {
				level = obslog.LevelDebug
			}
			return obslog.Configure(level, f.logJSON)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, f)
		},
	}

	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&f.logJSON, "log-json", false, "Emit logs as JSON")
	cmd.Flags().StringVar(&f.nodeID, "node-id", "node-1", "This node's id in the partition map")
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to a yaml config file (defaults if empty)")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", ":8080", "HTTP listen address for /sync, /health, /ready, debug")
	cmd.Flags().StringVar(&f.grpcAddr, "grpc-addr", ":9090", "grpc listen address for replication/health")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite-path", "synccore.db", "Path to the sqlite storage file")
	cmd.Flags().StringArrayVar(&f.seedNodes, "seed-node", nil, "Peer node as nodeID=host:port, repeatable")
	cmd.Flags().StringVar(&f.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP collector endpoint (disabled when empty)")
	cmd.Flags().StringVar(&f.authToken, "auth-token", "", "Shared bearer token required on /sync (disabled when empty)")
	return cmd
}

func run(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("synccored: %w", err)
	}

	telem, err := telemetry.New(ctx, telemetry.Config{ServiceName: "synccored", Endpoint: f.otelEndpoint, Insecure: true})
	if err != nil {
		return fmt.Errorf("synccored: telemetry: %w", err)
	}
	defer func() { _ = telem.Shutdown(context.Background()) }()

	store, err := sqlitestore.Open(f.sqlitePath)
	if err != nil {
		return fmt.Errorf("synccored: open storage: %w", err)
	}
	if err := store.Initialize(ctx, f.nodeID); err != nil {
		return fmt.Errorf("synccored: initialize storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()

	clock := hlc.NewClock(f.nodeID, hlc.RealWallClock{}, 0)
	driftChecker := hlc.NewDriftChecker(hlc.RealWallClock{}, 0)
	go driftChecker.Run(ctx)

	oplogCfg := oplog.Config{
		MaxPendingOps: cfg.Backpressure.MaxPendingOps,
		Strategy:      backpressureStrategy(cfg.Backpressure.Strategy),
	}
	journal := oplog.New(oplogCfg)

	writeacks := writeack.New(256)

	resolvers := resolver.New(
		resolver.GojaExecutor{StepBudget: resolver.DefaultStepBudget},
		resolver.DefaultMaxResolversPerMap,
		cfg.Processor.MaxExecutionsPerSecond,
		64,
	)

	connPool := pool.New(pool.Config{
		ReconnectDelay:    cfg.ConnectionPool.ReconnectDelay,
		MaxReconnectDelay: cfg.ConnectionPool.MaxReconnectDelay,
		MaxAttempts:       cfg.ConnectionPool.MaxReconnectAttempts,
		DialTimeout:       cfg.ConnectionPool.ConnectionTimeout,
	})

	routes := routing.NewMap()
	hints := routing.NewHintStore()
	seeds, err := parseSeedNodes(f.seedNodes)
	if err != nil {
		return fmt.Errorf("synccored: %w", err)
	}
	for nodeID, addr := range seeds {
		connPool.AddNode(nodeID, addr)
	}
	loadSelfOwnedPartitionMap(routes, f.nodeID, seeds)

	replQueue := replication.New(
		replication.FromReplicationConfig(cfg.Replication),
		cluster.GrpcReplicationTransport{Dialer: connPool},
		writeacks,
	)
	go replQueue.Run(ctx)
	if err := registerReplicationLagGauges(telem.Meter, replQueue, seeds); err != nil {
		return fmt.Errorf("synccored: register lag gauges: %w", err)
	}

	client := cluster.New(cluster.Deps{
		NodeID:     f.nodeID,
		Clock:      clock,
		Storage:    store,
		Log:        journal,
		Resolvers:  resolvers,
		WriteAcks:  writeacks,
		Replicator: replQueue,
		Routes:     routes,
		Hints:      hints,
		Pool:       connPool,
		Config:     cfg,
	})

	if err := client.Hydrate(ctx); err != nil {
		return fmt.Errorf("synccored: hydrate: %w", err)
	}

	srv := newServer(client, cfg, f.authToken, routes)
	go srv.conflicts.watchRejections(ctx, resolvers)

	httpSrv := &http.Server{
		Addr:    f.httpAddr,
		Handler: srv.routes(),
	}

	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	cluster.RegisterReplicationServer(grpcSrv, client)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	grpcLis, err := net.Listen("tcp", f.grpcAddr)
	if err != nil {
		return fmt.Errorf("synccored: listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("synccored: http listening", "addr", f.httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		slog.Info("synccored: grpc listening", "addr", f.grpcAddr)
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("synccored: shutting down")
	case err := <-errCh:
		slog.Error("synccored: server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	return nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return config.Parse(data)
}

func backpressureStrategy(s config.BackpressurePolicy) oplog.BackpressureStrategy {
	switch s {
	case config.BackpressureBlock:
		return oplog.StrategyBlock
	case config.BackpressureDrop:
		return oplog.StrategyDrop
	default:
		return oplog.StrategyThrow
	}
}
