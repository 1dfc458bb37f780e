// Package store provides the bundler's persistence ports: a TTL'd key-value
// cache with sorted-set and NX-lock primitives, and relational repositories
// for UserOperations and Bundles. The durable store is authoritative; the KV
// cache is an index optimized for hot reads and conflict detection.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when inserting a row that violates a uniqueness
// constraint.
var ErrDuplicate = errors.New("store: duplicate row")

// ErrPendingConflict is returned when inserting a pending operation while
// another pending row already holds the same (sender, nonce).
var ErrPendingConflict = errors.New("store: pending (sender, nonce) conflict")

// KV is the key-value cache port. All write operations carry a TTL; a zero
// TTL means no expiry. Implementations must make Set and SetNX atomic per
// key.
type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key to value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if it does not exist. It reports whether the
	// write happened. This is the compare-and-set used for the bundle lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// DelIfEqual removes key only while it still holds value, atomically. It
	// reports whether the delete happened. This is the owner-checked release
	// for the bundle lock.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)

	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes member from the sorted set at key.
	ZRem(ctx context.Context, key string, member string) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns up to limit members with min <= score <= max in
	// ascending score order. A negative limit returns all matches.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the client.
	Close() error
}
