// Package proxypool owns the set of live forward proxies. Entries carry a
// stable UUID token so eviction is keyed by identity, never by position.
package proxypool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/rangecrawler/internal/crawler"
	"github.com/JakeFAU/rangecrawler/internal/metrics"
)

// Prober checks whether a proxy can currently relay traffic.
type Prober interface {
	// Probe returns nil when the proxy is live.
	Probe(ctx context.Context, proxy crawler.Proxy) error
}

type entry struct {
	token uuid.UUID
	proxy crawler.Proxy
}

// Pool is a mutex-guarded proxy set that only ever shrinks.
type Pool struct {
	mu      sync.Mutex
	entries []entry
	index   map[uuid.UUID]int
	prober  Prober
	logger  *zap.Logger
	intn    func(n int) int
}

// New builds a pool over proxies, assigning each one a fresh token.
func New(proxies []crawler.Proxy, prober Prober, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		entries: make([]entry, 0, len(proxies)),
		index:   make(map[uuid.UUID]int, len(proxies)),
		prober:  prober,
		logger:  logger.Named("proxypool"),
		intn:    rand.IntN,
	}
	for _, proxy := range proxies {
		token := uuid.New()
		p.index[token] = len(p.entries)
		p.entries = append(p.entries, entry{token: token, proxy: proxy})
	}
	metrics.SetPoolSize(len(p.entries))
	return p
}

// Len reports the number of live entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire picks a live proxy uniformly at random.
func (p *Pool) Acquire() (crawler.Proxy, uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return crawler.Proxy{}, uuid.Nil, crawler.ErrPoolExhausted
	}
	e := p.entries[p.intn(len(p.entries))]
	return e.proxy, e.token, nil
}

// Evict removes the entry identified by token. It reports whether an entry
// was removed; evicting an unknown or already evicted token is a no-op.
func (p *Pool) Evict(token uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[token]
	if !ok {
		return false
	}
	last := len(p.entries) - 1
	if i != last {
		p.entries[i] = p.entries[last]
		p.index[p.entries[i].token] = i
	}
	p.entries[last] = entry{}
	p.entries = p.entries[:last]
	delete(p.index, token)
	metrics.SetPoolSize(len(p.entries))
	return true
}

// Validate probes every entry sequentially and evicts the dead ones. It
// returns the live count, or ErrNoLiveProxies when none survive.
func (p *Pool) Validate(ctx context.Context) (int, error) {
	live, err := p.probeAll(ctx, "validate")
	if err != nil {
		return live, err
	}
	if live == 0 {
		return 0, crawler.ErrNoLiveProxies
	}
	p.logger.Info("proxy validation complete", zap.Int("live", live))
	return live, nil
}

// Sweep re-probes the surviving entries after a run and evicts the dead ones.
// It never fails; the live count is informational.
func (p *Pool) Sweep(ctx context.Context) int {
	live, err := p.probeAll(ctx, "sweep")
	if err != nil {
		p.logger.Warn("final sweep interrupted", zap.Error(err))
	}
	p.logger.Info("final sweep complete", zap.Int("live", live))
	return live
}

func (p *Pool) snapshot() []entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Pool) probeAll(ctx context.Context, phase string) (int, error) {
	for _, e := range p.snapshot() {
		if err := ctx.Err(); err != nil {
			return p.Len(), fmt.Errorf("%s proxies: %w", phase, err)
		}
		err := p.prober.Probe(ctx, e.proxy)
		if err == nil {
			p.logger.Debug("proxy live", zap.String("proxy", e.proxy.String()))
			continue
		}
		if ctx.Err() != nil {
			return p.Len(), fmt.Errorf("%s proxies: %w", phase, ctx.Err())
		}
		if p.Evict(e.token) {
			metrics.ObserveEviction("probe")
		}
		p.logger.Info("proxy evicted",
			zap.String("phase", phase),
			zap.String("proxy", e.proxy.String()),
			zap.Error(err),
		)
	}
	return p.Len(), nil
}
