package ratelimit

import (
	"context"
	"time"
)

const (
	// DefaultKeyPrefix is used when a rule has no explicit key prefix.
	DefaultKeyPrefix = "ratelimit"
	// DefaultPenaltyKeyPrefix is used when a penalty has no explicit prefix.
	DefaultPenaltyKeyPrefix = "ratelimit:penalty"
)

type (
	// FilterFunc decides whether a rule applies to a request at all.
	FilterFunc[C any] func(ctx context.Context, c C) (bool, error)
	// ThrottledFunc handles a denied request. The continuation is not called
	// for throttled requests; the handler decides what the caller sees.
	ThrottledFunc[C any] func(ctx context.Context, c C, r Result, storage Storage) error
	// LimitFunc computes a per-request fixed window limit.
	LimitFunc[C any] func(c C) int
	// PenaltyFunc computes how long to mute an entity after a denial.
	// A non-positive duration applies no penalty.
	PenaltyFunc[C any] func(c C, r Result) time.Duration
)

// PenaltyOptions enables the penalty box: an entity that gets throttled is
// muted for a while and its requests are dropped without evaluation.
type PenaltyOptions[C any] struct {
	// Duration is a fixed penalty length
	Duration time.Duration
	// DurationFunc computes the penalty length; it takes precedence over Duration
	DurationFunc PenaltyFunc[C]
	// KeyPrefix namespaces penalty markers, DefaultPenaltyKeyPrefix if empty
	KeyPrefix string
}

type penaltyConfig[C any] struct {
	duration  PenaltyFunc[C]
	keyPrefix string
}

func (p *penaltyConfig[C]) key(entityKey string) string {
	return p.keyPrefix + ":" + entityKey
}

// Rule is a validated, read-only rate limiting rule. Build it with Builder and
// reuse it for the life of the process; it is safe for concurrent use.
type Rule[C any] struct {
	strategy     Strategy
	storage      Storage
	keyFunc      KeyFunc[C]
	events       *Events[C]
	keyPrefix    string
	filter       FilterFunc[C]
	onThrottled  ThrottledFunc[C]
	dynamicLimit LimitFunc[C]
	penalty      *penaltyConfig[C]
}

// Strategy returns the rule's base strategy.
func (r *Rule[C]) Strategy() Strategy { return r.strategy }

// Storage returns the storage engine backing the rule.
func (r *Rule[C]) Storage() Storage { return r.storage }

// KeyPrefix returns the prefix of the rule's storage keys.
func (r *Rule[C]) KeyPrefix() string { return r.keyPrefix }

// Events returns the rule's event channel.
func (r *Rule[C]) Events() *Events[C] { return r.events }

// HasPenalty reports whether the penalty box is enabled.
func (r *Rule[C]) HasPenalty() bool { return r.penalty != nil }

// HasDynamicLimit reports whether the fixed window limit is computed per request.
func (r *Rule[C]) HasDynamicLimit() bool { return r.dynamicLimit != nil }

// StorageKey returns the key the rule's counter for entityKey is stored under.
func (r *Rule[C]) StorageKey(entityKey string) string {
	return r.keyPrefix + ":" + entityKey
}

func (r *Rule[C]) entityKey(c C) (string, bool) {
	key, ok := r.keyFunc(c)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
