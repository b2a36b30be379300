// Command drover runs the agent orchestration coordinator: the HTTP API,
// the run dispatcher, the session event journal, and the background
// lifecycle sweepers, all backed by a single store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drover-ai/drover/internal/api"
	"github.com/drover-ai/drover/internal/blueprint"
	"github.com/drover-ai/drover/internal/callback"
	"github.com/drover-ai/drover/internal/common/config"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/common/tracing"
	"github.com/drover-ai/drover/internal/db"
	"github.com/drover-ai/drover/internal/dispatch"
	"github.com/drover-ai/drover/internal/eventlog"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/hooks"
	"github.com/drover-ai/drover/internal/registry"
	"github.com/drover-ai/drover/internal/session"
	"github.com/drover-ai/drover/internal/store"
)

const (
	exitOK     = 0
	exitConfig = 64
	exitStore  = 70
)

// Claimed runs the runner never acknowledged and stop requests it never
// acked are reclaimed after these windows.
const (
	claimLeaseWindow = 60 * time.Second
	stopAckGrace     = 60 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "directory containing config.yaml")
	dataDir := flag.String("data-dir", "", "data directory for the store and agent definitions")
	listen := flag.String("listen", "", "listen address (host:port), overrides server.host/port")
	authEnabled := flag.Bool("auth-enabled", false, "require bearer-token auth on the API")
	heartbeatStale := flag.Int("heartbeat-stale-seconds", 0, "seconds without a heartbeat before a runner is marked stale")
	heartbeatRemove := flag.Int("heartbeat-remove-seconds", 0, "seconds without a heartbeat before a runner is removed")
	dispatchTimeout := flag.Int("dispatch-timeout-seconds", 0, "seconds a run may wait unclaimed before it fails")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drover: %v\n", err)
		return exitConfig
	}
	if err := applyFlagOverrides(cfg, dataDir, listen, authEnabled, heartbeatStale, heartbeatRemove, dispatchTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "drover: %v\n", err)
		return exitConfig
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "drover: failed to initialize logger: %v\n", err)
		return exitConfig
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	pool, err := openPool(cfg)
	if err != nil {
		log.Error("Failed to open store backend", zap.Error(err))
		return exitStore
	}
	st, err := store.New(pool)
	if err != nil {
		log.Error("Failed to initialize store", zap.Error(err))
		_ = pool.Close()
		return exitStore
	}
	defer func() { _ = st.Close() }()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		return exitStore
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	journal := eventlog.New(st, eventBus, cfg.Coordinator.EventBufferSize, log)
	if err := journal.Start(); err != nil {
		log.Error("Failed to start event journal", zap.Error(err))
		return exitStore
	}
	defer journal.Stop()

	blueprints := blueprint.NewService(st, cfg.Coordinator.DataDir, log)
	if err := blueprints.Load(ctx); err != nil {
		log.Error("Failed to load agent definitions", zap.Error(err))
		return exitStore
	}

	engine := hooks.New(st, journal, log)
	sessions := session.New(st, journal, eventBus, blueprints, engine, log)
	engine.SetInvoker(sessions)

	reg := registry.New(st, eventBus, blueprints,
		cfg.Coordinator.HeartbeatStale(), cfg.Coordinator.HeartbeatRemove(), log)
	reg.SetOrphanHandler(sessions)
	reaper := registry.NewReaper(reg, cfg.Coordinator.SweepInterval())
	go reaper.Run(ctx)

	dispatcher := dispatch.New(st, eventBus, cfg.Coordinator.LongPoll(), log)
	if err := dispatcher.Start(); err != nil {
		log.Error("Failed to start dispatcher", zap.Error(err))
		return exitStore
	}
	defer dispatcher.Stop()

	sweeper := dispatch.NewSweeper(st, dispatcher, sessions,
		cfg.Coordinator.SweepInterval(), claimLeaseWindow,
		cfg.Coordinator.DispatchTimeout(), stopAckGrace, log)
	go sweeper.Run(ctx)

	callbacks := callback.New(st, sessions, eventBus, cfg.Coordinator.SweepInterval(), log)
	if err := callbacks.Start(ctx); err != nil {
		log.Error("Failed to start callback processor", zap.Error(err))
		return exitStore
	}
	defer callbacks.Stop()

	server := api.New(api.Config{
		Listen:      listenAddr(cfg),
		AuthEnabled: cfg.Auth.Enabled,
		VerifierURL: cfg.Auth.VerifierURL,
	}, api.Deps{
		Store:      st,
		Sessions:   sessions,
		Blueprints: blueprints,
		Registry:   reg,
		Dispatcher: dispatcher,
		EventLog:   journal,
	}, log)

	log.Info("Coordinator started",
		zap.String("listen", listenAddr(cfg)),
		zap.String("data_dir", cfg.Coordinator.DataDir),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("auth_enabled", cfg.Auth.Enabled))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)
	g.Go(func() error {
		select {
		case s := <-sig:
			log.Info("Shutting down", zap.String("signal", s.String()))
		case <-gctx.Done():
			return nil // server exited on its own
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
		return exitStore
	}
	return exitOK
}

// applyFlagOverrides layers explicitly-set command-line flags over the loaded
// configuration. Flags the caller did not pass leave the config untouched.
func applyFlagOverrides(cfg *config.Config, dataDir, listen *string, authEnabled *bool, heartbeatStale, heartbeatRemove, dispatchTimeout *int) error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["data-dir"] {
		cfg.Coordinator.DataDir = *dataDir
	}
	if set["listen"] {
		host, port, err := splitListen(*listen)
		if err != nil {
			return err
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if set["auth-enabled"] {
		cfg.Auth.Enabled = *authEnabled
	}
	if set["heartbeat-stale-seconds"] {
		cfg.Coordinator.HeartbeatStaleSeconds = *heartbeatStale
	}
	if set["heartbeat-remove-seconds"] {
		cfg.Coordinator.HeartbeatRemoveSeconds = *heartbeatRemove
	}
	if set["dispatch-timeout-seconds"] {
		cfg.Coordinator.DispatchTimeoutSeconds = *dispatchTimeout
	}

	if cfg.Coordinator.DataDir == "" {
		return fmt.Errorf("data directory is required (--data-dir or DROVER_DATA_DIR)")
	}
	if cfg.Coordinator.HeartbeatStaleSeconds <= 0 {
		return fmt.Errorf("heartbeat-stale-seconds must be positive")
	}
	if cfg.Coordinator.HeartbeatRemoveSeconds <= cfg.Coordinator.HeartbeatStaleSeconds {
		return fmt.Errorf("heartbeat-remove-seconds must exceed heartbeat-stale-seconds")
	}
	if cfg.Coordinator.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch-timeout-seconds must be positive")
	}
	if cfg.Auth.Enabled && cfg.Auth.VerifierURL == "" {
		return fmt.Errorf("auth.verifierUrl is required when auth is enabled")
	}
	return nil
}

func splitListen(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid listen address %q: bad port", addr)
	}
	return host, port, nil
}

func listenAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.Driver == "pgx" {
		return db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	return db.OpenSQLite(cfg.Database.SQLitePath(cfg.Coordinator.DataDir))
}
