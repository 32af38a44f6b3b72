package ratelimit

import (
	"context"
	"errors"
)

// Strategy is a rate limiting algorithm. Check records one hit for key in
// storage and decides whether it is admitted. Strategies are immutable after
// construction and safe for concurrent use.
type Strategy interface {
	Check(ctx context.Context, key string, storage Storage) (Result, error)
}

var (
	// ErrInvalidFixedWindow is returned for a non-positive limit or time frame.
	ErrInvalidFixedWindow = errors.New("ratelimit: fixed window limit and time frame must be positive")
	// ErrInvalidTokenBucket is returned for a non-positive bucket size,
	// interval or tokens per interval.
	ErrInvalidTokenBucket = errors.New("ratelimit: token bucket size, interval and tokens per interval must be positive")
)
