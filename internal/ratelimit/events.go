package ratelimit

import (
	"sync"
	"time"
)

// EventKind identifies one of the events a rule emits.
type EventKind uint8

const (
	// EventAllowed fires when a request is admitted.
	EventAllowed EventKind = iota
	// EventThrottled fires when a request is denied.
	EventThrottled
	// EventPenaltyApplied fires after a penalty has been written.
	EventPenaltyApplied
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventAllowed:
		return "allowed"
	case EventThrottled:
		return "throttled"
	case EventPenaltyApplied:
		return "penalty_applied"
	default:
		return "unknown"
	}
}

type (
	// AllowedListener observes admitted requests.
	AllowedListener[C any] func(c C, r Result)
	// ThrottledListener observes denied requests.
	ThrottledListener[C any] func(c C, r Result)
	// PenaltyListener observes penalties; key is the entity key.
	PenaltyListener[C any] func(c C, key string, d time.Duration)
)

// Subscription identifies a registered listener so it can be removed.
type Subscription struct {
	kind EventKind
	id   uint64
}

type registration[L any] struct {
	id       uint64
	listener L
}

// Events is a synchronous publish/subscribe channel for rule events.
// Listeners run on the goroutine that emits, in registration order.
// Registering and removing listeners is safe while events are emitted.
type Events[C any] struct {
	mu        sync.RWMutex
	nextID    uint64
	allowed   []registration[AllowedListener[C]]
	throttled []registration[ThrottledListener[C]]
	penalty   []registration[PenaltyListener[C]]
}

// NewEvents creates an empty event channel.
func NewEvents[C any]() *Events[C] {
	return &Events[C]{}
}

// OnAllowed registers a listener for EventAllowed.
func (e *Events[C]) OnAllowed(l AllowedListener[C]) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.allowed = append(e.allowed, registration[AllowedListener[C]]{id: e.nextID, listener: l})
	return Subscription{kind: EventAllowed, id: e.nextID}
}

// OnThrottled registers a listener for EventThrottled.
func (e *Events[C]) OnThrottled(l ThrottledListener[C]) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.throttled = append(e.throttled, registration[ThrottledListener[C]]{id: e.nextID, listener: l})
	return Subscription{kind: EventThrottled, id: e.nextID}
}

// OnPenaltyApplied registers a listener for EventPenaltyApplied.
func (e *Events[C]) OnPenaltyApplied(l PenaltyListener[C]) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.penalty = append(e.penalty, registration[PenaltyListener[C]]{id: e.nextID, listener: l})
	return Subscription{kind: EventPenaltyApplied, id: e.nextID}
}

// Off removes the listener behind sub. Unknown subscriptions are ignored.
func (e *Events[C]) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sub.kind {
	case EventAllowed:
		e.allowed = without(e.allowed, sub.id)
	case EventThrottled:
		e.throttled = without(e.throttled, sub.id)
	case EventPenaltyApplied:
		e.penalty = without(e.penalty, sub.id)
	}
}

// without returns regs minus the entry with id. It always allocates a new
// slice so snapshots held by concurrent emitters stay intact.
func without[L any](regs []registration[L], id uint64) []registration[L] {
	out := make([]registration[L], 0, len(regs))
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// HasListeners reports whether at least one listener is registered for kind.
func (e *Events[C]) HasListeners(kind EventKind) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch kind {
	case EventAllowed:
		return len(e.allowed) > 0
	case EventThrottled:
		return len(e.throttled) > 0
	case EventPenaltyApplied:
		return len(e.penalty) > 0
	default:
		return false
	}
}

func (e *Events[C]) emitAllowed(c C, r Result) {
	e.mu.RLock()
	regs := e.allowed
	e.mu.RUnlock()

	for _, reg := range regs {
		reg.listener(c, r)
	}
}

func (e *Events[C]) emitThrottled(c C, r Result) {
	e.mu.RLock()
	regs := e.throttled
	e.mu.RUnlock()

	for _, reg := range regs {
		reg.listener(c, r)
	}
}

func (e *Events[C]) emitPenaltyApplied(c C, key string, d time.Duration) {
	e.mu.RLock()
	regs := e.penalty
	e.mu.RUnlock()

	for _, reg := range regs {
		reg.listener(c, key, d)
	}
}
