package ratelimit

import "context"

// NextFunc continues the host pipeline.
type NextFunc func(ctx context.Context) error

// Middleware is one step of a host pipeline: it receives the request context
// c and decides whether to call next.
type Middleware[C any] func(ctx context.Context, c C, next NextFunc) error

// Limit returns the middleware enforcing rule.
func Limit[C any](rule *Rule[C]) Middleware[C] {
	return rule.Handle
}

// LimitBuilder builds b and returns the middleware enforcing the result.
func LimitBuilder[C any](b *Builder[C]) (Middleware[C], error) {
	rule, err := b.Build()
	if err != nil {
		return nil, err
	}
	return rule.Handle, nil
}

// Handle evaluates one request against the rule:
//
//  1. a penalized entity is dropped: no continuation, no events
//  2. requests the filter rejects continue unlimited
//  3. requests without an entity key continue unlimited
//  4. the strategy checks the storage key prefix:entityKey
//  5. allowed requests emit EventAllowed and continue
//  6. denied requests emit EventThrottled, go to the throttled handler and,
//     with a penalty configured, may mute the entity
//
// Errors from storage, strategy, filter, handler or next are returned as is.
func (r *Rule[C]) Handle(ctx context.Context, c C, next NextFunc) error {
	if r.penalty != nil {
		if entityKey, ok := r.entityKey(c); ok {
			penalized, err := r.storage.CheckPenalty(ctx, r.penalty.key(entityKey))
			if err != nil {
				return err
			}
			if penalized {
				return nil
			}
		}
	}

	applies, err := r.filter(ctx, c)
	if err != nil {
		return err
	}
	if !applies {
		return next(ctx)
	}

	entityKey, ok := r.entityKey(c)
	if !ok {
		return next(ctx)
	}

	result, err := r.check(ctx, c, r.StorageKey(entityKey))
	if err != nil {
		return err
	}

	if result.Allowed {
		if r.events.HasListeners(EventAllowed) {
			r.events.emitAllowed(c, result)
		}
		return next(ctx)
	}

	if r.events.HasListeners(EventThrottled) {
		r.events.emitThrottled(c, result)
	}

	if err := r.onThrottled(ctx, c, result, r.storage); err != nil {
		return err
	}

	if r.penalty != nil {
		return r.applyPenalty(ctx, c, entityKey, result)
	}
	return nil
}

// check runs the strategy, substituting the per-request limit when the rule
// has one.
func (r *Rule[C]) check(ctx context.Context, c C, storageKey string) (Result, error) {
	if r.dynamicLimit != nil {
		if fw, ok := r.strategy.(*FixedWindow); ok {
			return fw.CheckWithLimit(ctx, storageKey, r.storage, r.dynamicLimit(c))
		}
	}
	return r.strategy.Check(ctx, storageKey, r.storage)
}

func (r *Rule[C]) applyPenalty(ctx context.Context, c C, entityKey string, result Result) error {
	d := r.penalty.duration(c, result)
	if d <= 0 {
		return nil
	}

	if err := r.storage.SetPenalty(ctx, r.penalty.key(entityKey), d); err != nil {
		return err
	}

	if r.events.HasListeners(EventPenaltyApplied) {
		r.events.emitPenaltyApplied(c, entityKey, d)
	}
	return nil
}
