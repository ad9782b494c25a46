package store

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"
)

// maxCASRetries bounds the compare-and-swap retry loop so increments cannot
// spin forever under pathological contention.
const maxCASRetries = 100

// entry represents a stored value with expiration.
type entry struct {
	value      []byte
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryStore implements Store using in-process storage. It is the fallback
// backend when no Redis address is configured.
type MemoryStore struct {
	data    sync.Map
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates a new in-memory store with a one-minute janitor.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with a
// custom janitor interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go s.runCleanup()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return nil, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return nil, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	s.data.Store(key, &entry{value: value, expiration: exp})
	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.increment(ctx, key, delta, 0)
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.increment(ctx, key, delta, ttl)
}

// increment performs an atomic counter update via a CAS loop. The TTL is
// applied only when this call creates (or recreates) the key, matching the
// Redis script semantics.
func (s *MemoryStore) increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			fresh := &entry{value: encodeInt(delta), expiration: exp}
			if actual, loaded := s.data.LoadOrStore(key, fresh); loaded {
				value = actual
			} else {
				return delta, nil
			}
		}

		e := value.(*entry)

		if e.expired(time.Now()) {
			// Expired counter restarts at delta with a fresh TTL.
			fresh := &entry{value: encodeInt(delta), expiration: exp}
			if s.data.CompareAndSwap(key, e, fresh) {
				return delta, nil
			}
			continue
		}

		current, err := decodeInt(e.value)
		if err != nil {
			return 0, fmt.Errorf("increment on non-numeric value at %q: %w", key, err)
		}

		next := &entry{value: encodeInt(current + delta), expiration: e.expiration}
		if s.data.CompareAndSwap(key, e, next) {
			return current + delta, nil
		}
	}

	return 0, fmt.Errorf("increment failed: max retries (%d) exceeded", maxCASRetries)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data.Delete(key)
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return false, nil
	}
	if value.(*entry).expired(time.Now()) {
		s.data.Delete(key)
		return false, nil
	}
	return true, nil
}

// InvalidatePattern implements Store using path.Match glob semantics.
func (s *MemoryStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	s.data.Range(func(key, value interface{}) bool {
		matched, err := path.Match(pattern, key.(string))
		if err != nil {
			return false
		}
		if matched {
			s.data.Delete(key)
			count++
		}
		return true
	})
	return count, nil
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)
	return nil
}

// Size returns the number of entries in the store.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// runCleanup periodically removes expired entries.
func (s *MemoryStore) runCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			now := time.Now()
			s.data.Range(func(key, value interface{}) bool {
				if value.(*entry).expired(now) {
					s.data.Delete(key)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func encodeInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(b), 10, 64)
}
