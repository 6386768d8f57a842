// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/api"
	"github.com/JakeFAU/rangecrawler/internal/config"
	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/dispatcher"
	"github.com/JakeFAU/rangecrawler/internal/fetcher/graphql"
	"github.com/JakeFAU/rangecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/rangecrawler/internal/progress"
	"github.com/JakeFAU/rangecrawler/internal/proxypool"
	"github.com/JakeFAU/rangecrawler/internal/storage"
	"github.com/JakeFAU/rangecrawler/internal/telemetry"
	"github.com/JakeFAU/rangecrawler/internal/worker"
)

// App holds the shared services for one crawl process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *proxypool.Pool
	backend   *storage.Backend
	scheduler *dispatcher.Scheduler
	status    *api.Server
	tracing   *telemetry.Provider

	closeOnce sync.Once
}

// New builds every component from cfg. It fails with crawler.ErrConfiguration
// when the proxy list cannot be read.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services",
		zap.Int64("start_id", cfg.IDs.Start),
		zap.Int64("max_id", cfg.IDs.Max),
		zap.String("storage", cfg.Storage.Provider),
	)

	proxies, err := proxypool.Load(cfg.Proxies.File, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("proxy list loaded", zap.String("file", cfg.Proxies.File), zap.Int("count", len(proxies)))
	prober := proxypool.NewHTTPProber(cfg.Proxies.ProbeURL, cfg.Proxies.ProbeTimeout, cfg.Fetch.UserAgent)
	pool := proxypool.New(proxies, prober, logger)

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	fetcher := graphql.New(graphql.Config{
		Endpoint:  cfg.Fetch.Endpoint,
		Query:     cfg.Fetch.Query,
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
	})

	var limiter crawler.Limiter
	if cfg.Fetch.PerProxyRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.PerProxyRPS})
	}

	w := worker.New(pool, fetcher, backend.Records, backend.Failures, limiter, worker.Config{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		RetryDelay:  cfg.Fetch.RetryDelay,
	}, logger)

	cursor := progress.NewFileCursor(cfg.Progress.File, cfg.IDs.Start, logger)
	scheduler := dispatcher.New(w, cursor, dispatcher.Config{
		MaxID:          cfg.IDs.Max,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		DelayMin:       cfg.Scheduler.DispatchDelayMin,
		DelayMax:       cfg.Scheduler.DispatchDelayMax,
	}, logger)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		backend:   backend,
		scheduler: scheduler,
	}
	if cfg.Server.Port > 0 {
		a.status = api.NewServer(scheduler, pool, logger)
	}

	// Installed last so nothing is left to shut down when an earlier step fails.
	tracing, err := telemetry.Init(ctx, cfg.Telemetry, nil)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if tracing.Enabled() {
		logger.Info("tracing enabled", zap.String("exporter", cfg.Telemetry.Exporter))
	}
	a.tracing = tracing
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler exposes the scheduler, mainly for status reporting.
func (a *App) Scheduler() *dispatcher.Scheduler {
	return a.scheduler
}

// CheckProxies validates the proxy list and returns how many are live.
func (a *App) CheckProxies(ctx context.Context) (int, error) {
	live, err := a.pool.Validate(ctx)
	if err != nil {
		return live, fmt.Errorf("validate proxies: %w", err)
	}
	return live, nil
}

// Crawl validates proxies, runs the range to completion, and re-probes the
// surviving proxies for reporting.
func (a *App) Crawl(ctx context.Context) error {
	if a.status != nil {
		statusCtx, stopStatus := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			if err := a.status.ListenAndServe(statusCtx, addr); err != nil {
				a.logger.Error("status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			stopStatus()
			wg.Wait()
		}()
	}

	live, err := a.CheckProxies(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("starting crawl", zap.Int("live_proxies", live))

	if err := a.scheduler.Run(ctx); err != nil {
		a.logSummary()
		if errors.Is(err, crawler.ErrPoolExhausted) {
			return fmt.Errorf("crawl aborted: %w", err)
		}
		return fmt.Errorf("crawl: %w", err)
	}
	a.logSummary()

	remaining := a.pool.Sweep(ctx)
	a.logger.Info("proxies still alive after run", zap.Int("live", remaining))
	return nil
}

func (a *App) logSummary() {
	stats := a.scheduler.Stats()
	fields := []zap.Field{
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("watermark", stats.Watermark),
		zap.Int("live_proxies", a.pool.Len()),
	}
	for _, outcome := range crawler.Outcomes {
		fields = append(fields, zap.Int64(string(outcome), stats.Resolved[outcome]))
	}
	a.logger.Info("crawl summary", fields...)
}

// Close flushes spans, releases storage resources, and flushes the logger.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(a.tracing.Shutdown(shutdownCtx), a.backend.Close())
		// Sync fails on terminals; nothing useful to do about it.
		_ = a.logger.Sync()
	})
	return err
}
