package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/artifact"
	"github.com/t77yq/backtest-automator/internal/config"
	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/driver/dryrun"
	"github.com/t77yq/backtest-automator/internal/driver/remote"
	"github.com/t77yq/backtest-automator/internal/events"
	"github.com/t77yq/backtest-automator/internal/logging"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/monitor"
	"github.com/t77yq/backtest-automator/internal/orchestrator"
	"github.com/t77yq/backtest-automator/internal/parameter"
	"github.com/t77yq/backtest-automator/internal/report"
	"github.com/t77yq/backtest-automator/internal/site"
	"github.com/t77yq/backtest-automator/internal/storage"
	"github.com/t77yq/backtest-automator/internal/throttle"
)

// app holds the long-lived components shared by every run of a process
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	nc        *nats.Conn
	publisher *events.Publisher
	store     *storage.SQLiteStore
	registry  *prometheus.Registry
	metrics   *monitor.Metrics
	host      *monitor.HostSampler
	alerts    *monitor.AlertManager
	artifacts *artifact.Collector
	launcher  driver.Launcher
	site      *site.Site

	closers []func()
}

// newApp wires the components the config enables
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { logger.Sync() })

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	store, err := storage.NewSQLiteStore(a.logger, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open result storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = monitor.NewMetrics(a.registry)

	if cfg.Host.Enabled {
		a.host = monitor.NewHostSampler(cfg.Host.HostConfig, a.metrics, a.logger)
		a.host.Start(ctx)
	}

	if cfg.Events.Enabled || cfg.Browser.Driver == config.DriverRemote {
		if err := a.connect(); err != nil {
			return err
		}
	}
	if cfg.Events.Enabled {
		js, err := a.nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if a.publisher, err = events.NewPublisher(js, cfg.Events.Config, a.logger); err != nil {
			return err
		}
	}

	var notifier monitor.Notifier
	if a.publisher != nil {
		notifier = a.publisher
	}
	a.alerts = monitor.NewAlertManager(notifier, a.logger)
	for _, rule := range monitor.DefaultRules() {
		if err := a.alerts.AddRule(rule); err != nil {
			return err
		}
	}

	var logs artifact.LogSource
	if cfg.Artifacts.DockerLogs {
		docker, err := artifact.NewDockerLogSource()
		if err != nil {
			return err
		}
		logs = docker
		a.closers = append(a.closers, func() { docker.Close() })
	}
	if a.artifacts, err = artifact.NewCollector(cfg.Artifacts.Config, logs, a.logger); err != nil {
		return err
	}

	layout := cfg.Layout()
	a.site = site.New(layout, cfg.Site.Timeouts, a.logger)
	switch cfg.Browser.Driver {
	case config.DriverDryRun:
		a.launcher = dryrun.NewLauncher(dryrun.Options{
			Layout:      layout,
			Latency:     cfg.Browser.DryRun.Latency,
			FailureRate: cfg.Browser.DryRun.FailureRate,
			Seed:        cfg.Browser.DryRun.Seed,
		})
		if !cfg.HasCredentials() {
			cfg.Credentials = site.Credentials{Email: "dry-run@example.com", Password: "dry-run"}
		}
	case config.DriverRemote:
		a.launcher = remote.NewLauncher(a.nc, cfg.Browser.Remote, a.logger)
	}
	return nil
}

// connect dials NATS the way long-running services here do: bounded
// retries at startup, then automatic reconnects
func (a *app) connect() error {
	cfg := a.cfg.NATS
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(10 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			a.logger.Error("NATS connection error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var err error
	for i := 0; i < 3; i++ {
		if a.nc, err = nats.Connect(cfg.URL, opts...); err == nil {
			break
		}
		a.logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	nc := a.nc
	a.closers = append(a.closers, func() { nc.Drain() })
	a.logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// close releases everything in reverse order of creation
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// sink fans results out to every enabled consumer
func (a *app) sink() report.Sink {
	sinks := report.Fanout{a.store, a.metrics, a.alerts}
	if a.publisher != nil {
		sinks = append(sinks, a.publisher)
	}
	return sinks
}

// serveMetrics exposes /metrics until ctx is done
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// loadSpec reads a run spec against a registry private to the run
func (a *app) loadSpec(path string) (model.RunSpec, *parameter.Registry, error) {
	registry := parameter.DefaultRegistry().Clone()
	spec, err := config.LoadRunSpec(path, registry, config.SpecDefaults{
		MaxWorkers: a.cfg.Browser.MaxBrowsers,
		MaxRetries: a.cfg.MaxRetries(),
	})
	return spec, registry, err
}

// execute runs spec to completion. Cancelling ctx stops the run and
// returns its last snapshot.
func (a *app) execute(ctx context.Context, spec model.RunSpec, registry *parameter.Registry) (model.RunStats, error) {
	if a.cfg.Browser.Driver == config.DriverRemote && !a.cfg.HasCredentials() {
		return model.RunStats{}, config.ErrMissingCredentials
	}

	var host throttle.HostLoad
	if a.host != nil {
		host = a.host
	}
	orch := orchestrator.New(orchestrator.Config{
		Launcher:    a.launcher,
		Site:        a.site,
		Registry:    registry,
		Credentials: a.cfg.Credentials,
		Throttle:    throttle.New(a.cfg.Throttle, host, a.logger),
		Artifacts:   a.artifacts,
		Sink:        a.sink(),
		Dispatch:    a.cfg.Dispatch,
		Verify:      a.cfg.Browser.Verify,
		Logger:      a.logger,
	})
	if err := orch.Start(ctx, spec); err != nil {
		return model.RunStats{}, err
	}

	stats, err := orch.Wait(ctx)
	if err != nil {
		orch.Stop()
		// the run finalizes asynchronously once its loops notice the stop
		waitCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Dispatch.CloseTimeout+5*time.Second)
		defer cancel()
		stats, _ = orch.Wait(waitCtx)
	}
	return stats, nil
}
