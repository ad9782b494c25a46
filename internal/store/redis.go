package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vocalis/voicecore/internal/observability"
)

// incrementWithExpiryScript atomically increments a counter and sets its
// expiration only when the increment created the key.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = expiration in seconds.
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "voicecore:",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis store and verifies connectivity.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	logger.Info("redis store connected",
		observability.String("address", cfg.Address),
		observability.Int("db", cfg.DB),
	)

	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	elapsed := time.Since(start).Seconds()

	if err == redis.Nil {
		recordOperation("redis", "get", "not_found", elapsed)
		return nil, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		recordOperation("redis", "get", "error", elapsed)
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	recordOperation("redis", "get", "success", elapsed)
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		recordOperation("redis", "set", "error", elapsed)
		return fmt.Errorf("redis set error: %w", err)
	}

	recordOperation("redis", "set", "success", elapsed)
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	start := time.Now()

	val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		recordOperation("redis", "increment", "error", elapsed)
		return 0, fmt.Errorf("redis incr error: %w", err)
	}

	recordOperation("redis", "increment", "success", elapsed)
	return val, nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	start := time.Now()

	ttlSecs := int64(ttl.Seconds())
	if ttlSecs < 1 {
		ttlSecs = 1
	}

	result, err := incrementWithExpiryScript.Run(
		ctx, s.client, []string{s.prefixKey(key)}, delta, ttlSecs,
	).Result()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		recordOperation("redis", "increment_with_expiry", "error", elapsed)
		return 0, fmt.Errorf("redis script error: %w", err)
	}

	val, ok := result.(int64)
	if !ok {
		recordOperation("redis", "increment_with_expiry", "error", elapsed)
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}

	recordOperation("redis", "increment_with_expiry", "success", elapsed)
	return val, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := s.client.Del(ctx, s.prefixKey(key)).Err()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		recordOperation("redis", "delete", "error", elapsed)
		return fmt.Errorf("redis del error: %w", err)
	}

	recordOperation("redis", "delete", "success", elapsed)
	return nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	n, err := s.client.Exists(ctx, s.prefixKey(key)).Result()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		recordOperation("redis", "exists", "error", elapsed)
		return false, fmt.Errorf("redis exists error: %w", err)
	}

	recordOperation("redis", "exists", "success", elapsed)
	return n > 0, nil
}

// InvalidatePattern implements Store using SCAN to avoid blocking Redis on
// large keyspaces.
func (s *RedisStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	start := time.Now()

	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefixKey(pattern), 100).Result()
		if err != nil {
			recordOperation("redis", "invalidate_pattern", "error", time.Since(start).Seconds())
			return count, fmt.Errorf("redis scan error: %w", err)
		}

		if len(keys) > 0 {
			deleted, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				recordOperation("redis", "invalidate_pattern", "error", time.Since(start).Seconds())
				return count, fmt.Errorf("redis del error: %w", err)
			}
			count += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	recordOperation("redis", "invalidate_pattern", "success", time.Since(start).Seconds())
	return count, nil
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
