// Package app wires the dispatch engine together: store, queue,
// transport, controller, worker pool, progress hub, API and metrics.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sendflock/sendflock/internal/api"
	"github.com/sendflock/sendflock/internal/config"
	"github.com/sendflock/sendflock/internal/controller"
	"github.com/sendflock/sendflock/internal/mailer"
	"github.com/sendflock/sendflock/internal/metrics"
	"github.com/sendflock/sendflock/internal/progress"
	"github.com/sendflock/sendflock/internal/queue"
	"github.com/sendflock/sendflock/internal/store"
	"github.com/sendflock/sendflock/internal/worker"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.Store
	queue         queue.Queue
	controller    *controller.Controller
	pool          *worker.Pool
	hub           *progress.Hub
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign store: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	logger.Info("queue backend ready", "backend", cfg.Queue.Backend)

	transport := mailer.NewSMTPTransport(mailer.SMTPConfig{
		Addr:     cfg.SMTP.Addr,
		Hostname: cfg.SMTP.Hostname,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Timeout:  cfg.SMTP.Timeout,
	}, logger.With("component", "smtp_transport"))

	ctrl := controller.New(st, q, controller.Config{
		DefaultBatchSize: cfg.Defaults.BatchSize,
		DefaultRateLimit: cfg.Defaults.RateLimit,
		DefaultPriority:  cfg.Defaults.Priority,
		MaxRetries:       cfg.Worker.MaxRetries,
		Workers:          cfg.Worker.Workers,
		FailureThreshold: cfg.Worker.FailureThreshold,
	}, logger.With("component", "controller"))

	hub := progress.NewHub(ctrl.Authorize, ctrl.Snapshots, logger.With("component", "progress_hub"))

	pool := worker.New(q, st, transport, hub, worker.Config{
		Workers:          cfg.Worker.Workers,
		FanOut:           cfg.Worker.FanOut,
		SendTimeout:      cfg.Worker.SendTimeout,
		ProcessInterval:  cfg.Worker.ProcessInterval,
		RetryBase:        cfg.Worker.RetryBase,
		RecoverAfter:     cfg.Worker.RecoverAfter,
		FailureThreshold: cfg.Worker.FailureThreshold,
	}, logger.With("component", "worker"))

	apiServer := api.NewServer(ctrl, hub, &cfg.API, logger.With("component", "api"))

	app := &App{
		config:     cfg,
		store:      st,
		queue:      q,
		controller: ctrl,
		pool:       pool,
		hub:        hub,
		apiServer:  apiServer,
		logger:     logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		app.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
		app.collector = metrics.NewCollector(m, &queueStatsAdapter{q}, cfg.Metrics.CollectInterval, logger.With("component", "metrics"))
	}

	return app, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting sendflock",
		"api_addr", a.config.API.ListenAddr,
		"queue_backend", a.config.Queue.Backend,
		"workers", a.config.Worker.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.pool.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("component failed", "error", err)
		cancel()
		a.shutdown()
		return err
	}

	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api shutdown failed", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics shutdown failed", "error", err)
		}
	}

	a.hub.Close()
	a.pool.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Error("queue close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", "error", err)
	}

	a.logger.Info("sendflock stopped")
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedisQueue(cfg.Queue.Redis.Addr, cfg.Queue.Redis.Password, cfg.Queue.Redis.DB, cfg.Queue.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis queue: %w", err)
		}
		return q, nil
	default:
		q, err := queue.NewBoltQueue(cfg.Queue.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt queue: %w", err)
		}
		return q, nil
	}
}

// queueStatsAdapter bridges the queue's counters to the metrics gauges
type queueStatsAdapter struct {
	queue queue.Queue
}

func (a *queueStatsAdapter) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending: stats.Pending,
		Delayed: stats.Delayed,
		Active:  stats.Active,
		Parked:  stats.Parked,
	}, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
