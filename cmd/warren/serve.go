package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warrenhq/warren/pkg/api"
	"github.com/warrenhq/warren/pkg/config"
	"github.com/warrenhq/warren/pkg/engine"
	"github.com/warrenhq/warren/pkg/fleet"
	"github.com/warrenhq/warren/pkg/gateway"
	"github.com/warrenhq/warren/pkg/instance"
	"github.com/warrenhq/warren/pkg/listener"
	"github.com/warrenhq/warren/pkg/log"
	"github.com/warrenhq/warren/pkg/metrics"
	"github.com/warrenhq/warren/pkg/reconcile"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveLogLevel   string
	serveLogFormat  string
)

// logNotifier forwards unsolicited assistant output to the operator log.
// Deployments with a messaging integration replace this collaborator.
type logNotifier struct{}

func (logNotifier) Notify(instanceID, text string) error {
	log.Info("unsolicited assistant message", "instance", instanceID, "text", text)
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	Long: `Run the orchestration daemon.

The daemon owns the durable instance table, reconciles it against the
container engine on an interval, serves the REST API, and splices inbound
upgrade requests through to instance control channels.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if serveListenAddr != "" {
			cfg.ListenAddr = serveListenAddr
		}
		if serveLogLevel != "" {
			cfg.LogLevel = serveLogLevel
		}
		if serveLogFormat != "" {
			cfg.LogFormat = serveLogFormat
		}

		if err := log.Init(log.Config{
			Level:  log.Level(cfg.LogLevel),
			Format: cfg.LogFormat,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := instance.NewStore(cfg.InstanceTablePath())
	if err != nil {
		return err
	}
	go store.RunFlusher(ctx, cfg.FlushInterval.Std())

	eng := engine.NewClient(cfg.EngineBinary, cfg.EngineLimits())

	registry := listener.NewRegistry(store, logNotifier{}, nil)
	defer registry.StopAll()

	manager := fleet.NewManager(store, eng, registry, cfg.Image, cfg.ContainerPrefix, cfg.Ports)

	rec := reconcile.New(store, eng, cfg.ContainerPrefix, cfg.Retention.Std())
	if err := rec.Reconcile(ctx); err != nil {
		log.Warn("initial reconciliation failed", "error", err)
	}
	go rec.RunPeriodic(ctx, cfg.ReconcileInterval.Std())

	router := gateway.NewRouter(store)
	router.SetMetricsHooks(metrics.GatewaySplices.Inc, metrics.GatewayRejects.Inc)
	if err := router.SetSecondary(api.NewHandler(store, manager).Router()); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("daemon listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", "error", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the config file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "", "Log format: console or json")
	rootCmd.AddCommand(serveCmd)
}
