// Package worker drives one ID from existence check to a terminal outcome.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/metrics"
)

// Config controls the retry budget.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// pauseController abstracts how the worker waits between attempts.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// releaser is implemented by components that hold per-proxy resources.
type releaser interface {
	Release(proxy crawler.Proxy)
}

// forgetter is implemented by limiters that keep per-key state.
type forgetter interface {
	Forget(key string)
}

// Worker implements crawler.Processor.
type Worker struct {
	proxies  crawler.ProxySource
	fetcher  crawler.Fetcher
	store    crawler.RecordStore
	failures crawler.FailureLog
	limiter  crawler.Limiter
	pause    pauseController
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger
}

// Attempt results, used as metric labels and span attributes.
const (
	resultSuccess       = "success"
	resultCanceled      = "canceled"
	resultNotFound      = "not_found"
	resultRateLimited   = "rate_limited"
	resultUpstreamError = "upstream_error"
	resultTransport     = "transport"
)

// New constructs a Worker. limiter may be nil to disable per-proxy pacing.
func New(
	proxies crawler.ProxySource,
	fetcher crawler.Fetcher,
	store crawler.RecordStore,
	failures crawler.FailureLog,
	limiter crawler.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		proxies:  proxies,
		fetcher:  fetcher,
		store:    store,
		failures: failures,
		limiter:  limiter,
		pause:    timerPauseController{},
		tracer:   otel.Tracer("github.com/JakeFAU/rangecrawler/internal/worker"),
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Process resolves id. Per-ID failures are absorbed into the returned
// outcome; the error is non-nil only for crawler.ErrPoolExhausted or a
// canceled context, in which case the ID is left unresolved.
func (w *Worker) Process(ctx context.Context, id int64) (crawler.Outcome, error) {
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(attribute.Int64("rangecrawler.id", id)))
	defer span.End()

	outcome, err := w.process(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(attribute.String("rangecrawler.outcome", string(outcome)))
	return outcome, nil
}

func (w *Worker) process(ctx context.Context, id int64) (crawler.Outcome, error) {
	logger := w.logger.With(zap.Int64("id", id))

	exists, err := w.store.Exists(ctx, id)
	switch {
	case err != nil && ctx.Err() != nil:
		return "", fmt.Errorf("existence check: %w", ctx.Err())
	case err != nil:
		logger.Warn("existence check failed, fetching anyway", zap.Error(err))
	case exists:
		logger.Debug("record exists, skipping")
		return w.finish(logger, crawler.OutcomeSkippedExists), nil
	}

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		proxy, token, err := w.proxies.Acquire()
		if err != nil {
			logger.Error("no proxy available", zap.Int("attempt", attempt), zap.Error(err))
			return "", err
		}
		attemptLogger := logger.With(zap.Int("attempt", attempt), zap.String("proxy", proxy.String()))

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, token.String()); err != nil {
				return "", err
			}
		}

		body, result, err := w.attempt(ctx, proxy, id, attempt)

		switch result {
		case resultSuccess:
			return w.persist(ctx, logger, id, body)
		case resultCanceled:
			return "", ctx.Err()
		case resultNotFound:
			attemptLogger.Info("record not found upstream")
			return w.finish(logger, crawler.OutcomeSkippedNotFound), nil
		case resultRateLimited:
			attemptLogger.Warn("rate limited, rotating proxy")
			w.evict(proxy, token, resultRateLimited)
		case resultUpstreamError:
			attemptLogger.Error("unexpected upstream error, skipping", zap.Error(err))
			return w.finish(logger, crawler.OutcomeSkippedUpstream), nil
		default:
			attemptLogger.Warn("request failed, rotating proxy", zap.Error(err))
			w.evict(proxy, token, resultTransport)
			if attempt < w.cfg.MaxAttempts {
				w.pause.Pause(ctx, w.cfg.RetryDelay)
			}
		}
	}

	logger.Error("retries exhausted",
		zap.Int("attempts", w.cfg.MaxAttempts),
		zap.Error(crawler.ErrRetryBudgetExhausted),
	)
	w.recordFailure(ctx, logger, id)
	return w.finish(logger, crawler.OutcomeFailedExhausted), nil
}

// attempt issues one fetch inside its own span and classifies the result.
func (w *Worker) attempt(ctx context.Context, proxy crawler.Proxy, id int64, attempt int) ([]byte, string, error) {
	fetchCtx, span := w.tracer.Start(ctx, "worker.Fetch", trace.WithAttributes(
		attribute.Int64("rangecrawler.id", id),
		attribute.Int("rangecrawler.attempt", attempt),
		attribute.String("rangecrawler.proxy", proxy.String()),
	))
	defer span.End()

	start := time.Now()
	body, err := w.fetcher.Fetch(fetchCtx, proxy, id)
	elapsed := time.Since(start)

	result := classify(ctx, err)
	span.SetAttributes(attribute.String("rangecrawler.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	if result != resultCanceled {
		metrics.ObserveAttempt(result, elapsed)
	}
	return body, result, err
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case ctx.Err() != nil:
		return resultCanceled
	case errors.Is(err, crawler.ErrNotFound):
		return resultNotFound
	case errors.Is(err, crawler.ErrRateLimited):
		return resultRateLimited
	case crawler.IsUpstreamError(err):
		return resultUpstreamError
	default:
		return resultTransport
	}
}

func (w *Worker) persist(ctx context.Context, logger *zap.Logger, id int64, body []byte) (crawler.Outcome, error) {
	payload := prettyJSON(body)
	if err := w.store.Save(ctx, id, payload); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("save record: %w", ctx.Err())
		}
		logger.Error("save record failed", zap.Error(err))
		w.recordFailure(ctx, logger, id)
		return w.finish(logger, crawler.OutcomeFailedStore), nil
	}
	logger.Info("record saved", zap.Int("bytes", len(payload)))
	return w.finish(logger, crawler.OutcomeSaved), nil
}

func (w *Worker) recordFailure(ctx context.Context, logger *zap.Logger, id int64) {
	if w.failures == nil {
		return
	}
	if err := w.failures.Append(ctx, id); err != nil {
		logger.Error("append failure log", zap.Error(err))
	}
}

func (w *Worker) evict(proxy crawler.Proxy, token uuid.UUID, reason string) {
	if !w.proxies.Evict(token) {
		return
	}
	metrics.ObserveEviction(reason)
	if r, ok := w.fetcher.(releaser); ok {
		r.Release(proxy)
	}
	if f, ok := w.limiter.(forgetter); ok {
		f.Forget(token.String())
	}
	w.logger.Info("proxy evicted",
		zap.String("proxy", proxy.String()),
		zap.String("reason", reason),
		zap.Int("remaining", w.proxies.Len()),
	)
}

func (w *Worker) finish(logger *zap.Logger, outcome crawler.Outcome) crawler.Outcome {
	metrics.ObserveOutcome(string(outcome))
	logger.Debug("id resolved", zap.String("outcome", string(outcome)))
	return outcome
}

// prettyJSON indents body for storage, leaving non-JSON bodies untouched.
func prettyJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return body
	}
	return buf.Bytes()
}
