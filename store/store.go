// Package store provides counter storage backends for rate limiting and
// abuse detection.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the storage backend could not be reached or did
// not respond in time. Callers decide whether to fail open or fail closed;
// the store itself never makes that call.
//
// Backend errors wrap this sentinel, so check with:
//
//	if errors.Is(err, store.ErrUnavailable) { ... }
var ErrUnavailable = errors.New("counter store unavailable")

// Store defines the interface for counter storage backends.
// Implementations must be safe for concurrent use.
//
// Increment is the single serialization point for a key: concurrent callers
// racing on the same key observe a gap-free sequence of counts with no lost
// updates.
type Store interface {
	// Increment increments the counter for the given key and returns the new
	// count, the time remaining until the window resets, and any error.
	// If the key does not exist, or its window has expired, a fresh window
	// starts with count 1. Counters use fixed-window semantics: the reset
	// time is set when the window opens and does not slide on subsequent
	// increments.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist or its window has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
