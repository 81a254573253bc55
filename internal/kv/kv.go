// Package kv abstracts the expiring key-value store backing the response
// cache and the conversation map. The store is owned externally and
// injected; gateway processes share it with last-write-wins semantics.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// Store is an expiring key-value store. CompareAndDelete is the only
// atomic primitive callers may rely on; everything else is
// last-write-wins.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndDelete deletes key only if its current value equals
	// expected, reporting whether this call performed the delete.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}
