package metrics

import (
	"time"

	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
)

// InstrumentRule records the rule's decisions and penalties under name.
// The returned function removes the listeners again.
func InstrumentRule[C any](name string, rule *ratelimit.Rule[C]) func() {
	events := rule.Events()
	subs := []ratelimit.Subscription{
		events.OnAllowed(func(_ C, r ratelimit.Result) {
			RecordRateLimitDecision(name, true, r.Remaining)
		}),
		events.OnThrottled(func(_ C, r ratelimit.Result) {
			RecordRateLimitDecision(name, false, r.Remaining)
		}),
		events.OnPenaltyApplied(func(_ C, _ string, _ time.Duration) {
			RecordRateLimitPenalty(name)
		}),
	}

	return func() {
		for _, sub := range subs {
			events.Off(sub)
		}
	}
}
