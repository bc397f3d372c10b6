// Command hostwatch-agent runs probes on the local host and pushes their
// results to a hostwatch collector.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/agent/buffer"
	"github.com/itskum47/hostwatch/agent/connection"
	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/agent/probe"
	"github.com/itskum47/hostwatch/agent/scheduler"
	"github.com/itskum47/hostwatch/banner"
	"github.com/itskum47/hostwatch/config"
	"github.com/itskum47/hostwatch/logger"
	"github.com/itskum47/hostwatch/server"
)

const (
	binaryName      = "hostwatch-agent"
	shutdownTimeout = 10 * time.Second
	exitAuthFailure = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           binaryName,
	Short:         "Run host probes and push their results to a hostwatch collector",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(cmd)
		if err != nil {
			return err
		}
		if noBanner, _ := cmd.Flags().GetBool(config.FlagNoBanner); !noBanner {
			banner.Print(cmd.OutOrStdout(), binaryName, version)
		}
		return run(cmd.Context(), cfg)
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the available probes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var external map[string]config.ExternalProbeConfig
		if path, _ := cmd.Flags().GetString(config.FlagConfig); path != "" {
			cfg, err := config.LoadAgentConfig(cmd)
			if err != nil {
				return err
			}
			external = cfg.Agent.External
		}
		reg, err := newRegistry(external)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODULE\tKIND")
		for _, id := range reg.IDs() {
			p, _ := reg.Lookup(id)
			fmt.Fprintf(w, "%s\t%s\n", id, p.Kind)
		}
		return w.Flush()
	},
}

func init() {
	config.AddAgentFlags(rootCmd)
	rootCmd.AddCommand(modulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, connection.ErrUnauthorized) {
			os.Exit(exitAuthFailure)
		}
		os.Exit(1)
	}
}

func newRegistry(external map[string]config.ExternalProbeConfig) (*module.Registry, error) {
	reg := module.NewRegistry()
	if err := probe.Register(reg); err != nil {
		return nil, err
	}
	for name, ext := range external {
		if err := reg.RegisterExternal(name, ext.Command, ext.Timeout); err != nil {
			return nil, fmt.Errorf("external probe %s: %w", name, err)
		}
	}
	return reg, nil
}

func newAlerter(cfg *config.AgentConfig, log *zap.Logger) connection.Alerter {
	alerter := connection.Alerter(connection.NewLogAlerter(log))
	if cfg.Alert.WebhookURL != "" {
		alerter = connection.MultiAlerter{alerter, connection.NewWebhookAlerter(cfg.Alert.WebhookURL, cfg.Alert.Timeout)}
	}
	return alerter
}

func run(parent context.Context, cfg *config.AgentConfig) (err error) {
	log, err := logger.New(binaryName, cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ident, err := getOrCreateIdent(cfg.Agent.IdentFile)
	if err != nil {
		return err
	}
	log.Info("agent starting", zap.String("ident", ident), zap.String("version", version))

	reg, err := newRegistry(cfg.Agent.External)
	if err != nil {
		return err
	}
	specs, err := reg.Build(cfg.Agent.Modules, cfg.Agent, cfg.Agent.Probes)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	buf := buffer.New(cfg.Agent.DefaultExpiresAfter)
	sched := scheduler.New(buf, scheduler.Config{
		Workers:      cfg.Agent.Workers,
		MisfireGrace: cfg.Agent.MisfireGrace,
	}, clock, log)
	for _, spec := range specs {
		if err := sched.Schedule(spec); err != nil {
			return err
		}
		log.Info("module scheduled",
			zap.String("module", spec.ID),
			zap.Stringer("kind", spec.Kind),
			zap.Duration("every", spec.Interval),
			zap.Duration("expires_after", spec.Expiry))
	}

	mgr := connection.NewManager(connection.Options{
		URL:            cfg.Collector.URL,
		ClientKey:      cfg.Collector.ClientKey,
		Ident:          ident,
		Version:        version,
		ConnectTimeout: cfg.Collector.ConnectTimeout,
		PingTimeout:    cfg.Collector.PingTimeout,
		ReportDelay:    cfg.Collector.ReportDelay,
		ReconnectDelay: cfg.Collector.ReconnectDelay,
		ServerKOGrace:  cfg.Collector.ServerKOGrace,
	}, buf, newAlerter(cfg, log), clock, log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *server.Server
	if cfg.Metrics.Addr != "" {
		srv = server.New(server.Options{Addr: cfg.Metrics.Addr}, log)
		srv.AddHealthCheck("collector", mgr.Healthy)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sched.Start(ctx)
	runErr := mgr.Run(ctx)
	stop()
	log.Info("agent shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = sched.Stop(shutdownCtx)
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return multierr.Append(runErr, err)
}
