package ratelimit

import (
	"context"
	"errors"
	"time"
)

// maxUpdateRounds bounds the optimistic read-modify-write loops of the remote
// backends.
const maxUpdateRounds = 32

// ErrUpdateContention is returned when a bucket kept changing under an Update
// until maxUpdateRounds was exhausted.
var ErrUpdateContention = errors.New("ratelimit: bucket contention, update not applied")

// Storage is the interface for rate limit state storage backends.
// It abstracts the storage mechanism for counters, token bucket state and
// penalty markers, allowing different implementations (in-memory, Redis,
// DynamoDB). A single Storage may back many rules; implementations must be
// safe for concurrent use.
type Storage interface {
	// Get retrieves the token bucket state for the given key.
	// Returns the state and true if found, or nil and false if the key is
	// absent or expired.
	Get(ctx context.Context, key string) (*BucketState, bool, error)

	// Set stores the token bucket state for the given key with a TTL.
	Set(ctx context.Context, key string, state BucketState, ttl time.Duration) error

	// Delete removes the record for the given key.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments the counter for key and returns the new
	// value. The TTL is applied only by the hit that creates the counter.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetPenalty marks key as penalized for ttl.
	SetPenalty(ctx context.Context, key string, ttl time.Duration) error

	// CheckPenalty reports whether a penalty marker exists for key.
	CheckPenalty(ctx context.Context, key string) (bool, error)
}

// Pinger is implemented by storage backends that can report availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Updater is implemented by storage backends that can run a read-modify-write
// of a bucket state atomically for one key. The token bucket prefers it over
// Get followed by Set.
type Updater interface {
	// Update calls fn with the current state (and whether it exists), stores
	// the state fn returns with ttl and returns it. No other write to key lands
	// between the read fn saw and the store. Optimistic backends may call fn
	// more than once, so fn must not have side effects beyond its result.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(state BucketState, exists bool) BucketState) (BucketState, error)
}

// BucketState is the persisted state of a token bucket.
type BucketState struct {
	// Tokens is the current number of tokens, always within [0, bucket size]
	Tokens float64 `json:"tokens"`
	// LastRefill is the last refill time in Unix milliseconds
	LastRefill int64 `json:"lastRefill"`
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates if the request is allowed
	Allowed bool
	// Remaining is the number of requests remaining
	Remaining int
	// Reset is how long until the limit resets (strategy-defined)
	Reset time.Duration
}
