package crawler

import (
	"net/url"
)

// Outcome is the terminal state a worker reaches for one ID.
type Outcome string

// Terminal states. Every processed ID ends in exactly one of these.
const (
	OutcomeSaved           Outcome = "saved"
	OutcomeSkippedExists   Outcome = "skipped_exists"
	OutcomeSkippedNotFound Outcome = "skipped_not_found"
	OutcomeSkippedUpstream Outcome = "skipped_unexpected_error"
	OutcomeFailedExhausted Outcome = "failed_retries_exhausted"
	OutcomeFailedStore     Outcome = "failed_store"
)

// Outcomes lists every terminal state in a stable order.
var Outcomes = []Outcome{
	OutcomeSaved,
	OutcomeSkippedExists,
	OutcomeSkippedNotFound,
	OutcomeSkippedUpstream,
	OutcomeFailedExhausted,
	OutcomeFailedStore,
}

// Failed reports whether the outcome was appended to the failure log.
func (o Outcome) Failed() bool {
	return o == OutcomeFailedExhausted || o == OutcomeFailedStore
}

// Proxy is a forward proxy endpoint.
type Proxy struct {
	URL *url.URL
}

// String returns the endpoint with any password masked.
func (p Proxy) String() string {
	if p.URL == nil {
		return ""
	}
	return p.URL.Redacted()
}

// Host returns host:port.
func (p Proxy) Host() string {
	if p.URL == nil {
		return ""
	}
	return p.URL.Host
}
