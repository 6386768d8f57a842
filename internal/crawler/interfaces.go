package crawler

import (
	"context"

	"github.com/google/uuid"
)

// ProxySource hands out proxies and accepts evictions.
type ProxySource interface {
	// Acquire returns a proxy and the token that identifies its pool entry.
	Acquire() (Proxy, uuid.UUID, error)
	// Evict permanently removes the entry identified by token.
	Evict(token uuid.UUID) bool
	Len() int
}

// Fetcher issues one request for an ID through the given proxy. The error
// is nil on success or wraps one of ErrNotFound, ErrRateLimited,
// ErrTransport, or an *UpstreamError.
type Fetcher interface {
	Fetch(ctx context.Context, proxy Proxy, id int64) ([]byte, error)
}

// RecordStore persists one output record per successfully fetched ID.
type RecordStore interface {
	// Exists reports whether a record for id has already been written.
	Exists(ctx context.Context, id int64) (bool, error)
	// Save writes the record. Saving an ID that already exists is a no-op.
	Save(ctx context.Context, id int64, payload []byte) error
}

// FailureLog is an append-only log of IDs that could not be resolved.
type FailureLog interface {
	Append(ctx context.Context, id int64) error
}

// Cursor persists the next unprocessed ID.
type Cursor interface {
	// Load returns the persisted ID, or the configured start when none exists.
	Load() int64
	// Save durably replaces the persisted ID.
	Save(next int64) error
}

// Limiter paces requests per key. The worker keys by proxy pool token.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Processor resolves a single ID to a terminal outcome.
type Processor interface {
	Process(ctx context.Context, id int64) (Outcome, error)
}
