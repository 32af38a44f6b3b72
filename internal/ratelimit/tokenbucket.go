package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// TokenBucketOptions configures a TokenBucket strategy.
type TokenBucketOptions struct {
	// BucketSize is the maximum number of tokens (burst capacity)
	BucketSize float64
	// Interval is the refill period
	Interval time.Duration
	// TokensPerInterval is the number of tokens added every Interval
	TokensPerInterval float64
}

// TokenBucket implements the token bucket rate limiting algorithm.
// Tokens are added continuously at TokensPerInterval per Interval up to
// BucketSize. Each admitted request consumes one token; a bucket seen for the
// first time starts full.
type TokenBucket struct {
	opts TokenBucketOptions
	// storageTTL is the time needed to refill an empty bucket. State idle for
	// longer is indistinguishable from a full bucket and may expire.
	storageTTL time.Duration
	now        func() time.Time
}

// TokenBucketOption configures optional TokenBucket behaviour.
type TokenBucketOption func(*TokenBucket)

// WithTokenBucketClock replaces the time source. Intended for tests.
func WithTokenBucketClock(now func() time.Time) TokenBucketOption {
	return func(tb *TokenBucket) {
		tb.now = now
	}
}

// NewTokenBucket validates opts and creates the strategy.
func NewTokenBucket(opts TokenBucketOptions, options ...TokenBucketOption) (*TokenBucket, error) {
	if opts.BucketSize <= 0 || opts.Interval <= 0 || opts.TokensPerInterval <= 0 {
		return nil, fmt.Errorf("%w (bucket size=%g, interval=%s, tokens per interval=%g)",
			ErrInvalidTokenBucket, opts.BucketSize, opts.Interval, opts.TokensPerInterval)
	}

	tb := &TokenBucket{
		opts:       opts,
		storageTTL: time.Duration(math.Ceil(opts.BucketSize/opts.TokensPerInterval)) * opts.Interval,
		now:        time.Now,
	}
	for _, o := range options {
		o(tb)
	}
	return tb, nil
}

// Options returns the configuration the strategy was built with.
func (tb *TokenBucket) Options() TokenBucketOptions {
	return tb.opts
}

// StorageTTL returns the TTL applied to persisted bucket state.
func (tb *TokenBucket) StorageTTL() time.Duration {
	return tb.storageTTL
}

// Check refills the bucket for key, consumes a token if one is available and
// persists the new state. Storage without Updater gets a Get followed by a Set,
// so concurrent checks on one key may both consume the same token.
func (tb *TokenBucket) Check(ctx context.Context, key string, storage Storage) (Result, error) {
	if u, ok := storage.(Updater); ok {
		var allowed bool
		state, err := u.Update(ctx, key, tb.storageTTL, func(current BucketState, exists bool) BucketState {
			var next BucketState
			next, allowed = tb.consume(current, exists, tb.now().UnixMilli())
			return next
		})
		if err != nil {
			return Result{}, err
		}
		return tb.result(state, allowed), nil
	}

	now := tb.now().UnixMilli()
	current, exists, err := storage.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}

	var state BucketState
	if exists {
		state = *current
	}
	state, allowed := tb.consume(state, exists, now)

	if err := storage.Set(ctx, key, state, tb.storageTTL); err != nil {
		return Result{}, err
	}
	return tb.result(state, allowed), nil
}

// consume applies refill and the one-token withdrawal to state.
func (tb *TokenBucket) consume(state BucketState, exists bool, now int64) (BucketState, bool) {
	if !exists {
		state = BucketState{Tokens: tb.opts.BucketSize, LastRefill: now}
	}
	state = tb.refill(state, now)

	if state.Tokens >= 1 {
		state.Tokens--
		return state, true
	}
	return state, false
}

// refill adds tokens for the time elapsed since the last refill.
// The bucket never exceeds its size, and a clock that has not moved forward
// leaves the state untouched.
func (tb *TokenBucket) refill(state BucketState, now int64) BucketState {
	elapsed := now - state.LastRefill
	if elapsed <= 0 {
		return state
	}

	intervals := float64(time.Duration(elapsed)*time.Millisecond) / float64(tb.opts.Interval)
	state.Tokens = math.Min(tb.opts.BucketSize, state.Tokens+intervals*tb.opts.TokensPerInterval)
	state.LastRefill = now
	return state
}

// result builds the check result; Reset is the wait until one whole token is
// available again, zero if one already is.
func (tb *TokenBucket) result(state BucketState, allowed bool) Result {
	res := Result{
		Allowed:   allowed,
		Remaining: int(math.Floor(state.Tokens)),
	}

	if state.Tokens < 1 {
		intervalMs := float64(tb.opts.Interval) / float64(time.Millisecond)
		waitMs := math.Ceil((1 - state.Tokens) * intervalMs / tb.opts.TokensPerInterval)
		res.Reset = time.Duration(waitMs) * time.Millisecond
	}
	return res
}
