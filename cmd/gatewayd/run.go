package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/rickgao/gateway-shards/internal/api"
	"github.com/rickgao/gateway-shards/internal/archive"
	"github.com/rickgao/gateway-shards/internal/codec"
	"github.com/rickgao/gateway-shards/internal/config"
	"github.com/rickgao/gateway-shards/internal/database"
	"github.com/rickgao/gateway-shards/internal/metrics"
	"github.com/rickgao/gateway-shards/internal/poller"
	"github.com/rickgao/gateway-shards/internal/protocol"
	"github.com/rickgao/gateway-shards/internal/router"
	"github.com/rickgao/gateway-shards/internal/session"
	"github.com/rickgao/gateway-shards/internal/shard"
	"github.com/rickgao/gateway-shards/internal/transport"
	"github.com/rickgao/gateway-shards/internal/version"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect every shard and stream events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func newAPIClient(cfg *config.Config, logger *slog.Logger) *api.Client {
	return api.NewClient(
		cfg.Gateway.RestURL,
		cfg.Gateway.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Gateway.APITimeout),
		api.WithRetries(cfg.Gateway.MaxRetries, time.Second),
	)
}

func shardConfig(cfg *config.Config) shard.Config {
	sc := shard.DefaultConfig()
	sc.Token = cfg.Gateway.Token
	sc.ShardCount = cfg.Gateway.ShardCount
	sc.Version = cfg.Gateway.Version
	sc.BatchInterval = cfg.Sharding.BatchInterval
	sc.StartTimeout = cfg.Sharding.StartTimeout
	sc.EventBuffer = cfg.Session.EventBuffer

	sc.Session.Intents = cfg.Gateway.Intents
	sc.Session.LargeThreshold = cfg.Gateway.LargeThreshold
	sc.Session.Properties = protocol.IdentifyProperties{
		OS:      runtime.GOOS,
		Browser: "gateway-shards",
		Device:  "gateway-shards",
	}
	sc.Session.HandshakeTimeout = cfg.Session.HandshakeTimeout
	sc.Session.WriteTimeout = cfg.Session.WriteTimeout
	sc.Session.InvalidSessionDelay = cfg.Session.InvalidSessionDelay
	sc.Session.Backoff.InitialDelay = cfg.Session.ReconnectBaseDelay
	sc.Session.Backoff.MaxDelay = cfg.Session.ReconnectMaxDelay
	return sc
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting gatewayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"encoding", cfg.Gateway.Encoding,
		"transport", cfg.Gateway.Transport,
	)

	c, err := codec.ByName(cfg.Gateway.Encoding)
	if err != nil {
		return err
	}

	topts := transport.DefaultOptions()
	topts.WriteTimeout = cfg.Session.WriteTimeout
	topts.Binary = c.Binary()
	topts.Logger = logger
	dialer, err := transport.New(cfg.Gateway.Transport, topts)
	if err != nil {
		return err
	}

	apiClient := newAPIClient(cfg, logger)
	manager := shard.NewManager(shardConfig(cfg), apiClient, dialer, c, logger)
	collector := metrics.NewCollector()

	// Lifecycle notifications feed metrics and the debug log
	go func() {
		for ev := range manager.Lifecycle() {
			collector.ObserveLifecycle(ev)
			logLifecycle(logger, ev)
		}
	}()

	rcfg := router.DefaultRouterConfig()
	rcfg.BufferSize = cfg.Archive.BufferSize
	rcfg.Observer = collector.ObserveDispatch
	rt := router.NewRouter(rcfg, manager.Dispatch(), logger)

	var (
		pool   *pgxpool.Pool
		writer *archive.EventWriter
	)
	if cfg.Archive.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := archive.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		buf, err := rt.Subscribe("archive", cfg.Archive.Events...)
		if err != nil {
			return err
		}
		writer = archive.NewEventWriter(archive.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, buf, pool, logger)
		if err := writer.Start(ctx); err != nil {
			return err
		}
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	pcfg := poller.DefaultConfig()
	pcfg.Interval = cfg.Poller.Interval
	startPoller := poller.New(pcfg, apiClient, poller.LimitHandlerFunc(collector.ObserveStartLimit), logger)

	var db pinger
	if pool != nil {
		db = pool
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHealthHandler(manager, db, collector.Handler(), cfg.Metrics.Path),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	connectErr := manager.ConnectAll(ctx)
	if connectErr != nil && ctx.Err() == nil {
		logger.Error("failed to connect shards", "error", connectErr)
	} else if connectErr == nil {
		if err := startPoller.Start(ctx); err != nil {
			return err
		}
		stats := manager.Stats()
		logger.Info("gatewayd running",
			"shards", stats.ShardCount,
			"ready", stats.Ready,
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
		)
		<-ctx.Done()
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect incomplete", "error", err)
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop incomplete", "error", err)
	}
	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Warn("archive stop incomplete", "error", err)
		}
		logger.Info("archive stopped", "stats", writer.Stats())
	}
	if err := startPoller.Stop(shutdownCtx); err != nil {
		logger.Warn("poller stop incomplete", "error", err)
	}
	server.Shutdown(shutdownCtx)

	logger.Info("gatewayd stopped")
	if ctx.Err() != nil {
		return nil
	}
	return connectErr
}

func logLifecycle(logger *slog.Logger, ev session.Lifecycle) {
	switch ev.Kind {
	case session.LifecycleFatal:
		logger.Error("shard stopped", "shard", ev.Shard, "code", ev.Code, "error", ev.Err)
	case session.LifecycleConnectionClosed:
		logger.Info("shard connection closed", "shard", ev.Shard, "code", ev.Code, "reason", ev.Reason)
	case session.LifecycleHandshakeDone:
		logger.Info("shard ready", "shard", ev.Shard, "resumed", ev.Resumed)
	case session.LifecycleHeartbeatSent, session.LifecycleHeartbeatAcked:
		// Too frequent to log
	default:
		if logger.Enabled(context.Background(), slog.LevelDebug) {
			logger.Debug("shard lifecycle",
				"shard", ev.Shard,
				"kind", ev.Kind,
				"state", ev.State,
				"message", ev.Message,
			)
		}
	}
}
