package ratelimit

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed increment.lua
var incrementScript string

// compareAndSetScript writes ARGV[2] with a PX of ARGV[3] only while the key
// still holds ARGV[1]; an empty ARGV[1] means the key must be absent.
//
//go:embed compareandset.lua
var compareAndSetScript string

// penaltyValue is the marker stored under penalty keys.
const penaltyValue = "1"

// RedisClient is the subset of the go-redis command set RedisStorage needs.
// *redis.Client, *redis.ClusterClient and *redis.Ring all satisfy it.
type RedisClient interface {
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStorage implements rate limit storage using Redis.
// Counters are incremented by a server-side script so that the increment and
// the first-hit expiry happen atomically. Token bucket state is stored as JSON
// strings with a TTL and updated through a compare-and-set script.
// This is suitable for distributed deployments with multiple instances.
type RedisStorage struct {
	client RedisClient

	increment     redisScript
	compareAndSet redisScript
}

// redisScript is a server-side script and the SHA it was last loaded under.
type redisScript struct {
	name string
	src  string

	mu  sync.Mutex
	sha string
}

// RedisConfig contains configuration for Redis storage.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStorage connects to Redis and creates a storage backend.
func NewRedisStorage(cfg RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client), nil
}

// NewRedisStorageFromClient wraps an existing client. The increment script is
// loaded lazily on first use.
func NewRedisStorageFromClient(client RedisClient) *RedisStorage {
	return &RedisStorage{
		client:        client,
		increment:     redisScript{name: "increment", src: incrementScript},
		compareAndSet: redisScript{name: "compare-and-set", src: compareAndSetScript},
	}
}

// Get retrieves the bucket state for the given key from Redis.
func (rs *RedisStorage) Get(ctx context.Context, key string) (*BucketState, bool, error) {
	data, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key from Redis: %w", err)
	}

	var state BucketState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal bucket state: %w", err)
	}

	return &state, true, nil
}

// Set stores the bucket state for the given key in Redis with a TTL.
func (rs *RedisStorage) Set(ctx context.Context, key string, state BucketState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket state: %w", err)
	}

	if err := rs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key in Redis: %w", err)
	}

	return nil
}

// Delete removes key from Redis.
func (rs *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key from Redis: %w", err)
	}
	return nil
}

// Increment atomically increments key through the cached increment script.
// If Redis has lost the script (NOSCRIPT), it is loaded again and the call is
// retried once. Any other error is returned as is.
func (rs *RedisStorage) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return rs.eval(ctx, &rs.increment, []string{key}, ttl.Milliseconds())
}

// Update runs fn as an optimistic read-modify-write. The new state is written
// by the compare-and-set script only if the key still holds the document that
// was read; otherwise the read is repeated, at most maxUpdateRounds times.
// fn may therefore run more than once.
func (rs *RedisStorage) Update(ctx context.Context, key string, ttl time.Duration, fn func(state BucketState, exists bool) BucketState) (BucketState, error) {
	for round := 0; round < maxUpdateRounds; round++ {
		raw, err := rs.client.Get(ctx, key).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			raw, exists = "", false
		} else if err != nil {
			return BucketState{}, fmt.Errorf("failed to get key from Redis: %w", err)
		}

		var current BucketState
		if exists {
			if err := json.Unmarshal([]byte(raw), &current); err != nil {
				return BucketState{}, fmt.Errorf("failed to unmarshal bucket state: %w", err)
			}
		}

		next := fn(current, exists)
		data, err := json.Marshal(next)
		if err != nil {
			return BucketState{}, fmt.Errorf("failed to marshal bucket state: %w", err)
		}
		if exists && string(data) == raw {
			return next, nil
		}

		swapped, err := rs.eval(ctx, &rs.compareAndSet, []string{key}, raw, string(data), ttl.Milliseconds())
		if err != nil {
			return BucketState{}, fmt.Errorf("failed to update key in Redis: %w", err)
		}
		if swapped == 1 {
			return next, nil
		}
	}

	return BucketState{}, ErrUpdateContention
}

// eval runs script through its cached SHA, reloading it and retrying once on
// NOSCRIPT.
func (rs *RedisStorage) eval(ctx context.Context, script *redisScript, keys []string, args ...interface{}) (int64, error) {
	sha, err := rs.cachedSHA(ctx, script)
	if err != nil {
		return 0, err
	}

	n, err := rs.client.EvalSha(ctx, sha, keys, args...).Int64()
	if err == nil || !isNoScriptError(err) {
		return n, err
	}

	sha, err = rs.loadScript(ctx, script)
	if err != nil {
		return 0, err
	}
	return rs.client.EvalSha(ctx, sha, keys, args...).Int64()
}

func (rs *RedisStorage) cachedSHA(ctx context.Context, script *redisScript) (string, error) {
	script.mu.Lock()
	sha := script.sha
	script.mu.Unlock()

	if sha != "" {
		return sha, nil
	}
	return rs.loadScript(ctx, script)
}

func (rs *RedisStorage) loadScript(ctx context.Context, script *redisScript) (string, error) {
	sha, err := rs.client.ScriptLoad(ctx, script.src).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load %s script: %w", script.name, err)
	}

	script.mu.Lock()
	script.sha = sha
	script.mu.Unlock()

	return sha, nil
}

// isNoScriptError reports whether err is a Redis reply saying the script
// cache does not hold the requested SHA.
func isNoScriptError(err error) bool {
	return redis.HasErrorPrefix(err, "NOSCRIPT")
}

// SetPenalty stores a penalty marker for key with a TTL.
func (rs *RedisStorage) SetPenalty(ctx context.Context, key string, ttl time.Duration) error {
	if err := rs.client.Set(ctx, key, penaltyValue, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set penalty in Redis: %w", err)
	}
	return nil
}

// CheckPenalty reports whether a penalty marker exists for key.
func (rs *RedisStorage) CheckPenalty(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check penalty in Redis: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis connection if the client owns one.
func (rs *RedisStorage) Close() error {
	if c, ok := rs.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Ping checks if Redis is available.
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}
