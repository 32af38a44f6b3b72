package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/logger"
)

var (
	// ErrMissingStrategy is returned by Build when no strategy was selected.
	ErrMissingStrategy = errors.New("ratelimit: cannot build rule: a limiting strategy must be defined, use FixedWindow(), FixedWindowFunc(), TokenBucket() or CustomStrategy()")
	// ErrMissingStorage is returned by Build when no storage was provided.
	ErrMissingStorage = errors.New("ratelimit: cannot build rule: a storage engine must be provided, use UseStorage() (one storage can be shared by all rules)")
	// ErrMissingKeyFunc is returned by Build when no key scope was chosen.
	ErrMissingKeyFunc = errors.New("ratelimit: cannot build rule: a key generation strategy must be defined, use LimitFor() or LimitBy()")
	// ErrScopeUnsupported is returned for a scope the context type cannot serve.
	ErrScopeUnsupported = errors.New("ratelimit: unsupported scope")
)

// Builder assembles a Rule through chained calls. A Builder is not safe for
// concurrent use; the Rule it builds is.
type Builder[C any] struct {
	strategy     Strategy
	strategyErr  error
	storage      Storage
	keyFunc      KeyFunc[C]
	keyErr       error
	keyPrefix    string
	filter       FilterFunc[C]
	onThrottled  ThrottledFunc[C]
	dynamicLimit LimitFunc[C]
	penalty      *penaltyConfig[C]
	events       *Events[C]
}

// NewBuilder creates an empty builder.
func NewBuilder[C any]() *Builder[C] {
	return &Builder[C]{events: NewEvents[C]()}
}

func (b *Builder[C]) setStrategy(s Strategy, err error) {
	b.strategy = s
	b.strategyErr = err
	b.dynamicLimit = nil
}

// FixedWindow selects the fixed window strategy with a static limit.
func (b *Builder[C]) FixedWindow(limit int, timeFrame time.Duration) *Builder[C] {
	fw, err := NewFixedWindow(FixedWindowOptions{Limit: limit, TimeFrame: timeFrame})
	if err != nil {
		b.setStrategy(nil, err)
		return b
	}
	b.setStrategy(fw, nil)
	return b
}

// FixedWindowFunc selects the fixed window strategy with a limit computed for
// every request.
func (b *Builder[C]) FixedWindowFunc(limit LimitFunc[C], timeFrame time.Duration) *Builder[C] {
	if limit == nil {
		b.setStrategy(nil, fmt.Errorf("%w: FixedWindowFunc() needs a limit function", ErrInvalidFixedWindow))
		return b
	}
	// The base strategy only carries the time frame; its limit is never used.
	b.FixedWindow(1, timeFrame)
	if b.strategyErr == nil {
		b.dynamicLimit = limit
	}
	return b
}

// TokenBucket selects the token bucket strategy.
func (b *Builder[C]) TokenBucket(opts TokenBucketOptions) *Builder[C] {
	tb, err := NewTokenBucket(opts)
	if err != nil {
		b.setStrategy(nil, err)
		return b
	}
	b.setStrategy(tb, nil)
	return b
}

// CustomStrategy selects any Strategy implementation.
func (b *Builder[C]) CustomStrategy(s Strategy) *Builder[C] {
	b.setStrategy(s, nil)
	return b
}

// UseStorage sets the storage engine.
func (b *Builder[C]) UseStorage(s Storage) *Builder[C] {
	b.storage = s
	return b
}

// LimitFor derives entity keys from a predefined scope.
func (b *Builder[C]) LimitFor(scope Scope) *Builder[C] {
	b.keyFunc, b.keyErr = keyFuncForScope[C](scope)
	return b
}

// LimitBy derives entity keys with fn.
func (b *Builder[C]) LimitBy(fn KeyFunc[C]) *Builder[C] {
	b.keyFunc, b.keyErr = fn, nil
	return b
}

// WithKeyPrefix namespaces the rule's storage keys. Rules sharing a storage
// need distinct prefixes.
func (b *Builder[C]) WithKeyPrefix(prefix string) *Builder[C] {
	b.keyPrefix = prefix
	return b
}

// OnlyIf makes the rule apply only to requests for which fn returns true.
func (b *Builder[C]) OnlyIf(fn FilterFunc[C]) *Builder[C] {
	b.filter = fn
	return b
}

// OnThrottled sets the handler for denied requests.
func (b *Builder[C]) OnThrottled(fn ThrottledFunc[C]) *Builder[C] {
	b.onThrottled = fn
	return b
}

// WithPenalty enables the penalty box.
func (b *Builder[C]) WithPenalty(opts PenaltyOptions[C]) *Builder[C] {
	duration := opts.DurationFunc
	if duration == nil {
		fixed := opts.Duration
		duration = func(C, Result) time.Duration { return fixed }
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultPenaltyKeyPrefix
	}

	b.penalty = &penaltyConfig[C]{duration: duration, keyPrefix: prefix}
	return b
}

// ListenAllowed registers an EventAllowed listener.
func (b *Builder[C]) ListenAllowed(l AllowedListener[C]) *Builder[C] {
	b.events.OnAllowed(l)
	return b
}

// ListenThrottled registers an EventThrottled listener.
func (b *Builder[C]) ListenThrottled(l ThrottledListener[C]) *Builder[C] {
	b.events.OnThrottled(l)
	return b
}

// ListenPenaltyApplied registers an EventPenaltyApplied listener.
func (b *Builder[C]) ListenPenaltyApplied(l PenaltyListener[C]) *Builder[C] {
	b.events.OnPenaltyApplied(l)
	return b
}

// Events returns the event channel the built rule will use. Use it to get a
// Subscription that can later be removed with Off.
func (b *Builder[C]) Events() *Events[C] {
	return b.events
}

// Build validates the configuration and returns the rule.
// Checks run in order: strategy, storage, key function.
func (b *Builder[C]) Build() (*Rule[C], error) {
	if b.strategyErr != nil {
		return nil, b.strategyErr
	}
	if b.strategy == nil {
		return nil, ErrMissingStrategy
	}
	if b.storage == nil {
		return nil, ErrMissingStorage
	}
	if b.keyErr != nil {
		return nil, b.keyErr
	}
	if b.keyFunc == nil {
		return nil, ErrMissingKeyFunc
	}

	prefix := b.keyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
		logger.Get().WithComponent("ratelimit").Warn("no key prefix set for rule, rules sharing a storage may collide", logger.Fields{
			"default_prefix": DefaultKeyPrefix,
		})
	}

	filter := b.filter
	if filter == nil {
		filter = func(context.Context, C) (bool, error) { return true, nil }
	}

	onThrottled := b.onThrottled
	if onThrottled == nil {
		onThrottled = func(context.Context, C, Result, Storage) error { return nil }
	}

	return &Rule[C]{
		strategy:     b.strategy,
		storage:      b.storage,
		keyFunc:      b.keyFunc,
		events:       b.events,
		keyPrefix:    prefix,
		filter:       filter,
		onThrottled:  onThrottled,
		dynamicLimit: b.dynamicLimit,
		penalty:      b.penalty,
	}, nil
}

// MustBuild is like Build but panics on error. Use it for rules assembled at
// program start.
func (b *Builder[C]) MustBuild() *Rule[C] {
	rule, err := b.Build()
	if err != nil {
		panic(err)
	}
	return rule
}
