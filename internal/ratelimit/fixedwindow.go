package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// FixedWindowOptions configures a FixedWindow strategy.
type FixedWindowOptions struct {
	// Limit is the number of hits admitted per window
	Limit int
	// TimeFrame is the window length
	TimeFrame time.Duration
}

// FixedWindow counts hits per key in windows of fixed length. The window
// starts with the first hit and the counter disappears when it expires.
type FixedWindow struct {
	opts FixedWindowOptions
}

// NewFixedWindow validates opts and creates the strategy.
func NewFixedWindow(opts FixedWindowOptions) (*FixedWindow, error) {
	if opts.Limit <= 0 || opts.TimeFrame <= 0 {
		return nil, fmt.Errorf("%w (limit=%d, time frame=%s)", ErrInvalidFixedWindow, opts.Limit, opts.TimeFrame)
	}
	return &FixedWindow{opts: opts}, nil
}

// Options returns the configuration the strategy was built with.
func (fw *FixedWindow) Options() FixedWindowOptions {
	return fw.opts
}

// Check counts a hit for key against the configured limit.
func (fw *FixedWindow) Check(ctx context.Context, key string, storage Storage) (Result, error) {
	return fw.check(ctx, key, storage, fw.opts.Limit)
}

// CheckWithLimit counts a hit for key against limit instead of the configured
// one. The strategy itself is not modified.
func (fw *FixedWindow) CheckWithLimit(ctx context.Context, key string, storage Storage, limit int) (Result, error) {
	if limit <= 0 {
		return Result{}, fmt.Errorf("%w (limit=%d)", ErrInvalidFixedWindow, limit)
	}
	return fw.check(ctx, key, storage, limit)
}

func (fw *FixedWindow) check(ctx context.Context, key string, storage Storage, limit int) (Result, error) {
	hits, err := storage.Increment(ctx, key, fw.opts.TimeFrame)
	if err != nil {
		return Result{}, err
	}

	remaining := int64(limit) - hits
	if remaining < 0 {
		remaining = 0
	}

	// Reset reports the configured window length, not the time left in the
	// current window.
	return Result{
		Allowed:   hits <= int64(limit),
		Remaining: int(remaining),
		Reset:     fw.opts.TimeFrame,
	}, nil
}
