package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/proxypool"
	"github.com/JakeFAU/rangecrawler/internal/storage/memory"
)

// scriptedFetcher replays one result per call for each ID; the last entry
// repeats once the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	scripts map[int64][]fetchResult
	calls   map[int64]int
	proxies []string
	onFetch func()
}

type fetchResult struct {
	body []byte
	err  error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		scripts: make(map[int64][]fetchResult),
		calls:   make(map[int64]int),
	}
}

func (f *scriptedFetcher) script(id int64, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = results
}

func (f *scriptedFetcher) Fetch(ctx context.Context, proxy crawler.Proxy, id int64) ([]byte, error) {
	f.mu.Lock()
	n := f.calls[id]
	f.calls[id] = n + 1
	f.proxies = append(f.proxies, proxy.Host())
	script := f.scripts[id]
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("%w: no script for %d", crawler.ErrTransport, id)
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].body, script[n].err
}

func (f *scriptedFetcher) callCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recordingPause struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPause) Pause(_ context.Context, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, delay)
}

type failingStore struct {
	existsErr error
	saveErr   error
	saved     int
}

func (s *failingStore) Exists(context.Context, int64) (bool, error) {
	return false, s.existsErr
}

func (s *failingStore) Save(context.Context, int64, []byte) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved++
	return nil
}

type countingLimiter struct {
	mu     sync.Mutex
	keys   []string
	forgot []string
	err    error
}

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.err
}

func (l *countingLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forgot = append(l.forgot, key)
}

type alwaysLive struct{}

func (alwaysLive) Probe(context.Context, crawler.Proxy) error { return nil }

func newPool(t *testing.T, n int) *proxypool.Pool {
	t.Helper()
	proxies := make([]crawler.Proxy, 0, n)
	for i := 0; i < n; i++ {
		u, err := url.Parse(fmt.Sprintf("http://10.0.0.%d:8080", i+1))
		require.NoError(t, err)
		proxies = append(proxies, crawler.Proxy{URL: u})
	}
	return proxypool.New(proxies, alwaysLive{}, zap.NewNop())
}

type harness struct {
	pool     *proxypool.Pool
	fetcher  *scriptedFetcher
	store    *memory.RecordStore
	failures *memory.FailureLog
	pause    *recordingPause
	worker   *Worker
}

func newHarness(t *testing.T, proxies int) *harness {
	t.Helper()
	h := &harness{
		pool:     newPool(t, proxies),
		fetcher:  newScriptedFetcher(),
		store:    memory.NewRecordStore(),
		failures: memory.NewFailureLog(),
		pause:    &recordingPause{},
	}
	h.worker = New(h.pool, h.fetcher, h.store, h.failures, nil, Config{
		MaxAttempts: 5,
		RetryDelay:  2 * time.Second,
	}, zap.NewNop())
	h.worker.pause = h.pause
	return h
}

func ok(body string) fetchResult { return fetchResult{body: []byte(body)} }

func fail(err error) fetchResult { return fetchResult{err: err} }

func TestWorker_SuccessSavesRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fetcher.script(100, ok(`{"data":{"Character":{"id":100}}}`))

	outcome, err := h.worker.Process(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSaved, outcome)

	payload, saved := h.store.Get(100)
	require.True(t, saved)
	require.JSONEq(t, `{"data":{"Character":{"id":100}}}`, string(payload))
	require.Contains(t, string(payload), "\n  ", "payload is stored indented")
	require.Empty(t, h.failures.IDs())
	require.Equal(t, 3, h.pool.Len())
}

func TestWorker_NotFoundIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fetcher.script(200, fail(crawler.ErrNotFound))

	outcome, err := h.worker.Process(context.Background(), 200)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSkippedNotFound, outcome)
	require.Equal(t, 1, h.fetcher.callCount(200))
	require.Zero(t, h.store.Len())
	require.Empty(t, h.failures.IDs())
	require.Equal(t, 3, h.pool.Len())
}

func TestWorker_RateLimitedEveryAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.fetcher.script(300, fail(crawler.ErrRateLimited))

	outcome, err := h.worker.Process(context.Background(), 300)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeFailedExhausted, outcome)
	require.Equal(t, 5, h.fetcher.callCount(300))
	require.Equal(t, 3, h.pool.Len(), "each attempt evicts the proxy it used")
	require.Equal(t, []int64{300}, h.failures.IDs())
	require.Zero(t, h.store.Len())
	require.Empty(t, h.pause.delays, "rate limiting rotates without delay")

	seen := map[string]bool{}
	for _, host := range h.fetcher.proxies {
		require.False(t, seen[host], "evicted proxy %s was reused", host)
		seen[host] = true
	}
}

func TestWorker_TransportFailureDelaysBetweenAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 8)
	h.fetcher.script(42, fail(crawler.ErrTransport))

	outcome, err := h.worker.Process(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeFailedExhausted, outcome)
	require.Equal(t, 5, h.fetcher.callCount(42))
	require.Equal(t, 3, h.pool.Len())
	require.Equal(t, []int64{42}, h.failures.IDs())
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, h.pause.delays,
		"no delay follows the final attempt")
}

func TestWorker_RecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.fetcher.script(7,
		fail(crawler.ErrTransport),
		fail(crawler.ErrRateLimited),
		ok(`{"data":{}}`),
	)

	outcome, err := h.worker.Process(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSaved, outcome)
	require.Equal(t, 3, h.fetcher.callCount(7))
	require.Equal(t, 3, h.pool.Len())
	require.Len(t, h.pause.delays, 1)
	require.Empty(t, h.failures.IDs())
}

func TestWorker_UnexpectedUpstreamErrorIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fetcher.script(9, fail(&crawler.UpstreamError{Message: "Internal Server Error", Status: 500}))

	outcome, err := h.worker.Process(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSkippedUpstream, outcome)
	require.Equal(t, 1, h.fetcher.callCount(9))
	require.Equal(t, 3, h.pool.Len())
	require.Empty(t, h.failures.IDs())
}

func TestWorker_ExistingRecordSkipsWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	require.NoError(t, h.store.Save(context.Background(), 11, []byte(`{"old":true}`)))
	h.fetcher.script(11, ok(`{"new":true}`))

	for i := 0; i < 2; i++ {
		outcome, err := h.worker.Process(context.Background(), 11)
		require.NoError(t, err)
		require.Equal(t, crawler.OutcomeSkippedExists, outcome)
	}
	require.Zero(t, h.fetcher.callCount(11))
	payload, _ := h.store.Get(11)
	require.JSONEq(t, `{"old":true}`, string(payload))
}

func TestWorker_RerunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fetcher.script(12, ok(`{"id":12}`))

	outcome, err := h.worker.Process(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSaved, outcome)

	outcome, err = h.worker.Process(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSkippedExists, outcome)
	require.Equal(t, 1, h.fetcher.callCount(12))
}

func TestWorker_PoolExhaustedIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.fetcher.script(400, fail(crawler.ErrTransport))

	outcome, err := h.worker.Process(context.Background(), 400)
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
	require.Empty(t, outcome)
	require.Equal(t, 1, h.fetcher.callCount(400))
	require.Zero(t, h.pool.Len())
	require.Empty(t, h.failures.IDs(), "a fatal stop is not a per-ID failure")

	_, err = h.worker.Process(context.Background(), 401)
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
	require.Zero(t, h.fetcher.callCount(401))
}

func TestWorker_AttemptsNeverExceedBudget(t *testing.T) {
	t.Parallel()

	for _, budget := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 10)
			h.worker.cfg.MaxAttempts = budget
			h.fetcher.script(1, fail(crawler.ErrTransport))

			outcome, err := h.worker.Process(context.Background(), 1)
			require.NoError(t, err)
			require.Equal(t, crawler.OutcomeFailedExhausted, outcome)
			require.Equal(t, budget, h.fetcher.callCount(1))
			require.Equal(t, 10-budget, h.pool.Len())
		})
	}
}

func TestWorker_ClassificationCompleteness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		result      fetchResult
		want        crawler.Outcome
		evictions   int
		failureLogs int
		saved       bool
	}{
		{name: "success", result: ok(`{"data":{}}`), want: crawler.OutcomeSaved, saved: true},
		{name: "not found", result: fail(crawler.ErrNotFound), want: crawler.OutcomeSkippedNotFound},
		{name: "rate limited", result: fail(crawler.ErrRateLimited), want: crawler.OutcomeFailedExhausted, evictions: 5, failureLogs: 1},
		{name: "unexpected", result: fail(&crawler.UpstreamError{Message: "boom"}), want: crawler.OutcomeSkippedUpstream},
		{name: "timeout", result: fail(fmt.Errorf("%w: %w", crawler.ErrTransport, context.DeadlineExceeded)), want: crawler.OutcomeFailedExhausted, evictions: 5, failureLogs: 1},
		{name: "malformed", result: fail(fmt.Errorf("%w: malformed response", crawler.ErrTransport)), want: crawler.OutcomeFailedExhausted, evictions: 5, failureLogs: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 10)
			h.fetcher.script(1, tt.result)

			outcome, err := h.worker.Process(context.Background(), 1)
			require.NoError(t, err)
			require.Equal(t, tt.want, outcome)
			require.Equal(t, 10-tt.evictions, h.pool.Len())
			require.Len(t, h.failures.IDs(), tt.failureLogs)
			_, saved := h.store.Get(1)
			require.Equal(t, tt.saved, saved)
		})
	}
}

func TestWorker_ExistenceCheckErrorFetchesAnyway(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	store := &failingStore{existsErr: errors.New("permission denied")}
	w := New(h.pool, h.fetcher, store, h.failures, nil, Config{MaxAttempts: 5}, zap.NewNop())
	h.fetcher.script(5, ok(`{}`))

	outcome, err := w.Process(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSaved, outcome)
	require.Equal(t, 1, store.saved)
}

func TestWorker_SaveFailureIsLoggedWithoutEviction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	store := &failingStore{saveErr: errors.New("disk full")}
	w := New(h.pool, h.fetcher, store, h.failures, nil, Config{MaxAttempts: 5}, zap.NewNop())
	h.fetcher.script(6, ok(`{}`))

	outcome, err := w.Process(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeFailedStore, outcome)
	require.Equal(t, []int64{6}, h.failures.IDs())
	require.Equal(t, 2, h.pool.Len())
}

func TestWorker_WaitsOnLimiterPerPoolEntry(t *testing.T) {
	t.Parallel()

	// Two gateway credentials behind one host:port must not share a bucket.
	var proxies []crawler.Proxy
	for _, raw := range []string{"http://alice:pw@gw.test:8000", "http://bob:pw@gw.test:8000"} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		proxies = append(proxies, crawler.Proxy{URL: u})
	}
	pool := proxypool.New(proxies, alwaysLive{}, zap.NewNop())
	fetcher := newScriptedFetcher()
	fetcher.script(3, fail(crawler.ErrRateLimited), ok(`{}`))
	limiter := &countingLimiter{}
	w := New(pool, fetcher, memory.NewRecordStore(), memory.NewFailureLog(), limiter, Config{MaxAttempts: 5}, zap.NewNop())
	w.pause = &recordingPause{}

	outcome, err := w.Process(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeSaved, outcome)

	require.Len(t, limiter.keys, 2)
	require.NotEqual(t, limiter.keys[0], limiter.keys[1])
	for _, key := range limiter.keys {
		_, err := uuid.Parse(key)
		require.NoError(t, err, "limiter key %q should be the pool token", key)
	}
	require.Equal(t, []string{limiter.keys[0]}, limiter.forgot)
	require.Equal(t, []string{"gw.test:8000", "gw.test:8000"}, fetcher.proxies)
}

func TestWorker_CanceledContextLeavesIDUnresolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.onFetch = cancel
	h.fetcher.script(8, fail(crawler.ErrTransport))

	outcome, err := h.worker.Process(ctx, 8)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, outcome)
	require.Equal(t, 3, h.pool.Len(), "cancellation must not evict")
	require.Empty(t, h.failures.IDs())
}

func TestWorker_EvictReleasesProxyResources(t *testing.T) {
	t.Parallel()

	pool := &stubSource{}
	fetcher := &releasingFetcher{}
	w := New(pool, fetcher, memory.NewRecordStore(), memory.NewFailureLog(), nil, Config{MaxAttempts: 1}, zap.NewNop())

	outcome, err := w.Process(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, crawler.OutcomeFailedExhausted, outcome)
	require.Equal(t, 1, fetcher.released)
}

type stubSource struct{}

func (stubSource) Acquire() (crawler.Proxy, uuid.UUID, error) {
	u, _ := url.Parse("http://10.1.1.1:3128")
	return crawler.Proxy{URL: u}, uuid.New(), nil
}

func (stubSource) Evict(uuid.UUID) bool { return true }

func (stubSource) Len() int { return 1 }

type releasingFetcher struct {
	released int
}

func (f *releasingFetcher) Fetch(context.Context, crawler.Proxy, int64) ([]byte, error) {
	return nil, crawler.ErrRateLimited
}

func (f *releasingFetcher) Release(crawler.Proxy) {
	f.released++
}
