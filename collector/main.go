// Command hostwatch-collector accepts agent sessions and folds their reports
// into the time-series store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/hostwatch/banner"
	"github.com/itskum47/hostwatch/collector/coordination"
	"github.com/itskum47/hostwatch/collector/ingest"
	"github.com/itskum47/hostwatch/collector/ratelimit"
	"github.com/itskum47/hostwatch/collector/store"
	"github.com/itskum47/hostwatch/collector/streaming"
	"github.com/itskum47/hostwatch/config"
	"github.com/itskum47/hostwatch/logger"
	"github.com/itskum47/hostwatch/server"
)

const binaryName = "hostwatch-collector"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           binaryName,
	Short:         "Receive agent reports and aggregate them into the time-series store",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(cmd)
		if err != nil {
			return err
		}
		if noBanner, _ := cmd.Flags().GetBool(config.FlagNoBanner); !noBanner {
			banner.Print(cmd.OutOrStdout(), binaryName, version)
		}
		return run(cmd.Context(), cfg)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(cmd)
		if err != nil {
			return err
		}
		log, err := logger.New(binaryName, cfg.Log)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		engine, schemaVersion, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer engine.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", schemaVersion)
		return nil
	},
}

func init() {
	config.AddCollectorFlags(rootCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the engine and brings its schema up to date. It returns
// the schema version reached.
func openStore(ctx context.Context, cfg *config.CollectorConfig, log *zap.Logger) (store.Engine, int, error) {
	engine, err := store.Open(ctx, store.Options{
		Driver:   cfg.Storage.Driver,
		DSN:      cfg.Storage.DSN,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   log,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("open storage: %w", err)
	}
	schemaVersion, err := engine.Migrate(ctx, version)
	if err != nil {
		_ = engine.Close()
		return nil, 0, fmt.Errorf("migrate storage: %w", err)
	}
	log.Info("storage ready",
		zap.String("driver", cfg.Storage.Driver),
		zap.Int("schema_version", schemaVersion))
	return engine, schemaVersion, nil
}

func newPublisher(ctx context.Context, cfg config.AlertsConfig, clock clockwork.Clock, log *zap.Logger) (streaming.Publisher, error) {
	switch cfg.Publisher {
	case "redis":
		return streaming.NewRedisPublisher(ctx, streaming.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.Stream,
			MaxLen:   cfg.MaxLen,
		}, clock)
	case "log", "":
		return streaming.NewLogPublisher(log, clock), nil
	default:
		return nil, fmt.Errorf("unknown alert publisher %q", cfg.Publisher)
	}
}

// newLease shares the alert Redis when there is one, so only one collector
// instance dispatches and purges.
func newLease(publisher streaming.Publisher, key string) coordination.Lease {
	if rp, ok := publisher.(*streaming.RedisPublisher); ok {
		return coordination.NewRedisLease(rp.Client(), key)
	}
	return &coordination.LocalLease{}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "collector"
	}
	return host + "-" + uuid.NewString()[:8]
}

func retentionPolicy(cfg config.RetentionConfig) (coordination.RetentionPolicy, error) {
	policy := coordination.RetentionPolicy{
		Buckets: make(map[store.Granularity]time.Duration),
		Health:  cfg.Health,
	}
	for name, age := range cfg.ByName() {
		g, err := store.ParseGranularity(name)
		if err != nil {
			return policy, err
		}
		policy.Buckets[g] = age
	}
	return policy, nil
}

func run(parent context.Context, cfg *config.CollectorConfig) (err error) {
	log, err := logger.New(binaryName, cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	engine, _, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, engine.Close()) }()

	publisher, err := newPublisher(ctx, cfg.Alerts, clock, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, publisher.Close()) }()

	policy, err := retentionPolicy(cfg.Retention)
	if err != nil {
		return err
	}

	service := ingest.NewService(engine, clock, log)
	limiter := ratelimit.NewTokenBucketLimiter(cfg.Ingest.Rate, cfg.Ingest.Burst)
	handler := ingest.NewHandler(ctx, service, limiter, ingest.HandlerOptions{
		ClientKeys:      cfg.Auth.ClientKeys,
		MaxMessageBytes: cfg.Ingest.MaxMessageBytes,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Ingest.IdleTimeout,
	}, log)

	srv := server.New(server.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, log)
	srv.Handle("/agent", handler)
	srv.AddHealthCheck("storage", func(ctx context.Context) error {
		_, err := engine.SchemaVersion(ctx)
		return err
	})
	if rp, ok := publisher.(*streaming.RedisPublisher); ok {
		srv.AddHealthCheck("redis", func(ctx context.Context) error {
			return rp.Client().Ping(ctx).Err()
		})
	}

	dispatcher := coordination.NewAlertDispatcher(engine, publisher, cfg.Alerts.Interval, clock, log)
	janitor := coordination.NewRetentionJanitor(engine, policy, cfg.Retention.Interval, clock, log)
	elector := coordination.NewLeaderElector(newLease(publisher, cfg.Leader.Key), instanceID(), cfg.Leader.TTL, clock, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return elector.Run(gctx, func(ctx context.Context) error {
			jobs, jctx := errgroup.WithContext(ctx)
			jobs.Go(func() error { return dispatcher.Run(jctx) })
			jobs.Go(func() error { return janitor.Run(jctx) })
			return jobs.Wait()
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("collector shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		stop()
		return multierr.Combine(
			srv.Shutdown(shutdownCtx),
			handler.Wait(shutdownCtx),
		)
	})

	log.Info("collector started", zap.String("addr", cfg.Server.Addr), zap.String("version", version))
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
