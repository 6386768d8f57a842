// Package dispatcher walks the ID range, admitting at most a fixed number of
// workers at a time and persisting a crash-safe progress watermark.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/metrics"
	"github.com/JakeFAU/rangecrawler/internal/progress"
)

// Config controls admission and pacing.
type Config struct {
	MaxID          int64
	MaxConcurrency int
	DelayMin       time.Duration
	DelayMax       time.Duration
}

// Stats is a point-in-time view of a run.
type Stats struct {
	Running    bool                      `json:"running"`
	StartedAt  time.Time                 `json:"started_at,omitempty"`
	StartID    int64                     `json:"start_id"`
	MaxID      int64                     `json:"max_id"`
	Dispatched int64                     `json:"dispatched"`
	InFlight   int                       `json:"in_flight"`
	Watermark  int64                     `json:"watermark"`
	Resolved   map[crawler.Outcome]int64 `json:"resolved"`
}

// pauseController abstracts how the scheduler waits between dispatches.
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

// Scheduler dispatches IDs in increasing order to a Processor.
type Scheduler struct {
	processor crawler.Processor
	cursor    crawler.Cursor
	cfg       Config
	pause     pauseController
	logger    *zap.Logger

	mu        sync.Mutex
	watermark *progress.Watermark
	stats     Stats
	stopped   bool
}

// New constructs a Scheduler.
func New(processor crawler.Processor, cursor crawler.Cursor, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	return &Scheduler{
		processor: processor,
		cursor:    cursor,
		cfg:       cfg,
		pause:     timerPauseController{},
		logger:    logger.Named("scheduler"),
		stats:     Stats{MaxID: cfg.MaxID, Resolved: map[crawler.Outcome]int64{}},
	}
}

// Run dispatches every ID from the persisted cursor through cfg.MaxID and
// waits for them to resolve. It returns crawler.ErrPoolExhausted as soon as
// any worker reports it, abandoning in-flight work, and the context error
// when ctx is canceled. The cursor is never written after Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.cursor.Load()
	s.begin(start)
	defer s.end()

	if start > s.cfg.MaxID {
		s.logger.Info("nothing to do, cursor is past the range",
			zap.Int64("cursor", start),
			zap.Int64("max_id", s.cfg.MaxID),
		)
		return nil
	}
	s.logger.Info("run starting",
		zap.Int64("start_id", start),
		zap.Int64("max_id", s.cfg.MaxID),
		zap.Int("max_concurrency", s.cfg.MaxConcurrency),
	)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	slots := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup

dispatch:
	for id := start; id <= s.cfg.MaxID; id++ {
		if id > start {
			s.pause.Pause(runCtx, s.dispatchDelay())
		}
		select {
		case slots <- struct{}{}:
		case <-runCtx.Done():
			break dispatch
		}
		if runCtx.Err() != nil {
			<-slots
			break
		}
		if err := s.dispatch(id); err != nil {
			<-slots
			cancel(err)
			break
		}

		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer func() { <-slots }()
			metrics.IncInflight()
			defer metrics.DecInflight()

			outcome, err := s.processor.Process(runCtx, id)
			s.complete(id, outcome, err, cancel)
		}(id)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-runCtx.Done():
		if ctx.Err() == nil {
			// Fatal: in-flight workers are abandoned.
			err := context.Cause(runCtx)
			s.logger.Error("run aborted", zap.Error(err), zap.Int64("watermark", s.Stats().Watermark))
			return err
		}
		<-drained
	}

	if err := ctx.Err(); err != nil {
		s.logger.Warn("run canceled", zap.Error(err), zap.Int64("watermark", s.Stats().Watermark))
		return fmt.Errorf("run canceled: %w", err)
	}
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	s.logger.Info("run complete", zap.Int64("watermark", s.Stats().Watermark))
	return nil
}

func (s *Scheduler) begin(start int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = progress.NewWatermark(start)
	s.stopped = false
	s.stats = Stats{
		Running:   true,
		StartedAt: time.Now().UTC(),
		StartID:   start,
		MaxID:     s.cfg.MaxID,
		Watermark: start,
		Resolved:  map[crawler.Outcome]int64{},
	}
	metrics.SetCursor(start)
}

func (s *Scheduler) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stats.Running = false
}

func (s *Scheduler) dispatch(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.watermark.Dispatch(id); err != nil {
		return err
	}
	s.stats.Dispatched++
	s.stats.InFlight++
	return nil
}

// complete records a worker's result. Cursor writes happen under the lock so
// they are serialized and can be fenced off once Run has returned.
func (s *Scheduler) complete(id int64, outcome crawler.Outcome, err error, abort context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.InFlight--

	if err != nil {
		if errors.Is(err, crawler.ErrPoolExhausted) {
			abort(crawler.ErrPoolExhausted)
		}
		return
	}
	if s.stopped {
		return
	}
	s.stats.Resolved[outcome]++
	mark, advanced := s.watermark.Resolve(id)
	if !advanced {
		return
	}
	s.stats.Watermark = mark
	if err := s.cursor.Save(mark); err != nil {
		s.logger.Error("persist cursor", zap.Int64("next_id", mark), zap.Error(err))
		return
	}
	metrics.SetCursor(mark)
}

// Stats returns a snapshot of the current or last run.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Resolved = make(map[crawler.Outcome]int64, len(s.stats.Resolved))
	for k, v := range s.stats.Resolved {
		out.Resolved[k] = v
	}
	return out
}

func (s *Scheduler) dispatchDelay() time.Duration {
	return s.cfg.DelayMin + randomJitter(s.cfg.DelayMax-s.cfg.DelayMin)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}
