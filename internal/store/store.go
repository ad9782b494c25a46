// Package store provides the key-value storage backend used by the rate
// limiter and the voice response cache. It can be backed by Redis or by an
// in-process map with the same semantics.
package store

import (
	"context"
	"strconv"
	"time"
)

// Store defines the key-value store contract.
type Store interface {
	// Get retrieves the value for the given key.
	// Returns *ErrKeyNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an expiration. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically adds delta to the integer value at key,
	// creating it at delta if absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry increments atomically and sets the expiration
	// when the key is created by this call.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// InvalidatePattern removes all keys matching the glob pattern and
	// returns the number of keys removed.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}

// GetInt reads the key and parses it as an int64. A missing key yields 0
// with no error, so counter readers need no special casing.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		if IsKeyNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}
