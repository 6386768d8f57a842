package crawler

import (
	"errors"
	"fmt"
)

// Fatal conditions. Only these escape a single ID's processing.
var (
	// ErrConfiguration signals unreadable or unusable startup inputs.
	ErrConfiguration = errors.New("configuration error")
	// ErrNoLiveProxies is returned when startup validation leaves no proxy alive.
	ErrNoLiveProxies = errors.New("no live proxies")
	// ErrPoolExhausted is returned by Acquire once every proxy has been evicted.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
)

// Per-attempt classifications produced by a Fetcher.
var (
	// ErrNotFound means the ID is permanently absent upstream.
	ErrNotFound = errors.New("record not found upstream")
	// ErrRateLimited means the upstream throttled the egress proxy.
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrTransport covers network failures, timeouts, and malformed payloads.
	ErrTransport = errors.New("transport failure")
)

// ErrRetryBudgetExhausted marks an ID whose attempts all failed recoverably.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// UpstreamError is any application-level error other than not-found or
// rate-limited. It is treated as terminal for the ID.
type UpstreamError struct {
	Message string
	Status  int
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// IsUpstreamError reports whether err wraps an *UpstreamError.
func IsUpstreamError(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}
