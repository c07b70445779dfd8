// Package store abstracts the ordered-set and hash primitives the registry
// and rate limiter need onto a shared backing store, so replicated gateways
// behind a load balancer share one rate-limit accounting and write one
// mirror of node state (spec.md §5, §6).
package store

import (
	"context"
	"time"
)

// KVStore is deliberately narrow: it exposes only the primitives spec.md §6
// names (hash upsert/read/delete-with-TTL, and the two phases of sliding
// window accounting), not a general Redis client. TrimAndCount and
// InsertAndExpire are each required to run as a single atomic pipeline, so
// replicas racing on the same connector never observe a torn window.
type KVStore interface {
	// UpsertHash writes fields into the hash at key and resets its TTL.
	UpsertHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// GetHash reads every field of the hash at key. ok is false if the key
	// doesn't exist (expired or never written).
	GetHash(ctx context.Context, key string) (fields map[string]string, ok bool, err error)

	// DeleteHash removes the hash at key.
	DeleteHash(ctx context.Context, key string) error

	// TrimAndCount atomically evicts every member of the sorted set at key
	// scored below cutoff, then returns the remaining member count. Used to
	// expire window entries older than the window length before counting.
	TrimAndCount(ctx context.Context, key string, cutoff float64) (int64, error)

	// InsertAndExpire atomically adds member at score to the sorted set at
	// key and (re)sets the key's TTL, so an idle window is reclaimed instead
	// of growing forever.
	InsertAndExpire(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
}
