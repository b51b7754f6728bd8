package storage

import (
	"context"
	"net/http"
	"time"
)

// CacheEntry stores one response snapshot under a request identity key.
//
// Cache data is always derived and can be discarded/rebuilt from upstream
// fetches. Exactly one entry exists per (partition, cache key); writes
// overwrite.
type CacheEntry struct {
	Partition string
	CacheKey  string
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  time.Time
}

// QueuedMutation is one serialized write request awaiting replay.
//
// Timestamp is unix milliseconds, unique per row, and defines FIFO order.
// Body is nil when the original request carried no body.
type QueuedMutation struct {
	URL       string
	Method    string
	Header    http.Header
	Body      *string
	Timestamp int64
}

// Store is the contract for gateway persistence.
//
// The mutation queue intentionally exposes only full-read and full-replace:
// sync passes must never delete entries incrementally mid-iteration.
type Store interface {
	Close() error

	GetCacheEntry(ctx context.Context, partition, cacheKey string) (CacheEntry, bool, error)
	PutCacheEntry(ctx context.Context, entry CacheEntry) error
	PutCacheEntries(ctx context.Context, entries []CacheEntry) error
	DeleteCacheEntry(ctx context.Context, partition, cacheKey string) error
	ListPartitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, partition string) error

	AppendMutation(ctx context.Context, mutation QueuedMutation) (QueuedMutation, error)
	ListMutations(ctx context.Context) ([]QueuedMutation, error)
	ReplaceMutations(ctx context.Context, mutations []QueuedMutation) error
	CountMutations(ctx context.Context) (int, error)

	GetActiveVersion(ctx context.Context) (string, bool, error)
	SetActiveVersion(ctx context.Context, version string) error
}
