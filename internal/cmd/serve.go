package cmd

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/orchestra/internal/config"
	"github.com/3leaps/orchestra/internal/observability"
	"github.com/3leaps/orchestra/internal/server"
	"github.com/3leaps/orchestra/internal/server/handlers"
	"github.com/3leaps/orchestra/pkg/events"
	"github.com/3leaps/orchestra/pkg/jobs"
	"github.com/3leaps/orchestra/pkg/metrics"
	"github.com/3leaps/orchestra/pkg/orchestrator"
	"github.com/3leaps/orchestra/pkg/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator with its operations HTTP server",
	Long: `Run the launch worker, workflow engine, and status poller until
interrupted. Health, version, status, and metrics endpoints are served on
server.host:server.port. SIGHUP reloads provider definitions.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Override server.host")
	serveCmd.Flags().Int("port", -1, "Override server.port")
	serveCmd.Flags().String("events-file", "", "Append job status changes to this file as JSON lines")
}

type dbHealthChecker struct {
	db *sql.DB
}

func (c dbHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return errors.New("database not open")
	}
	return c.db.PingContext(ctx)
}

type runningChecker interface {
	Running() bool
}

type workerHealthChecker struct {
	worker runningChecker
}

func (c workerHealthChecker) CheckHealth(context.Context) error {
	if c.worker == nil || !c.worker.Running() {
		return errors.New("launch worker not running")
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	host, port := cfg.Server.Host, cfg.Server.Port
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p >= 0 {
		port = p
	}

	logger := observability.CLILogger
	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := metrics.NewRegistry()
		m = metrics.New(reg)
		metricsHandler = metrics.Handler(reg)
	}

	o, err := orchestrator.New(ctx, cfg.Orchestrator(),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize orchestrator", err)
	}
	defer func() {
		if err := o.Close(); err != nil {
			logger.Warn("Orchestrator close failed", zap.Error(err))
		}
	}()
	if err := o.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start orchestrator", err)
	}

	go reloadOnHangup(ctx, o, logger)

	if path, _ := cmd.Flags().GetString("events-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open events file", err)
		}
		defer func() { _ = f.Close() }()
		eventsCtx, cancelEvents := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			recordEvents(eventsCtx, o.Subscribe(), output.NewJSONLWriter(f, "serve"), logger)
		}()
		defer func() {
			cancelEvents()
			<-done
		}()
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	if cfg.Health.Enabled {
		health.RegisterChecker("database", dbHealthChecker{db: o.DB()})
		health.RegisterChecker("launch_worker", workerHealthChecker{worker: o.Worker()})
	}

	opts := []server.Option{
		server.WithHealthManager(health),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(serverTimeouts(cfg.Server)),
		server.WithStatus(func(ctx context.Context) (any, error) {
			return o.Snapshot(ctx)
		}),
	}
	if metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(metricsHandler))
	}

	srv := server.New(host, port, opts...)
	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Operations server failed", err)
	}
	logger.Info("Shutting down")
	return nil
}

// recordEvents writes every status change until ctx ends or the bus closes.
func recordEvents(ctx context.Context, sub *events.Subscription[jobs.StatusEvent], w output.Writer, logger *zap.Logger) {
	defer sub.Close()
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := w.WriteJobEvent(ctx, output.NewJobEventRecord(ev)); err != nil {
				logger.Warn("Failed to record job event", zap.String("job_id", ev.JobID), zap.Error(err))
			}
		}
	}
}

func serverTimeouts(s config.ServerConfig) server.Timeouts {
	return server.Timeouts{
		Read:     s.ReadTimeout,
		Write:    s.WriteTimeout,
		Idle:     s.IdleTimeout,
		Shutdown: s.ShutdownTimeout,
	}
}

func reloadOnHangup(ctx context.Context, o *orchestrator.Orchestrator, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := o.ReloadProviders(); err != nil {
				logger.Error("Provider reload failed", zap.Error(err))
				continue
			}
			logger.Info("Providers reloaded", zap.Strings("providers", o.Providers().IDs()))
		}
	}
}
