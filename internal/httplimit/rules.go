package httplimit

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/middleware"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
)

// BuildRule assembles the rule described by cfg on top of storage
func BuildRule(cfg config.RuleConfig, storage ratelimit.Storage) (*ratelimit.Rule[*Request], error) {
	b := ratelimit.NewBuilder[*Request]().UseStorage(storage)

	switch cfg.Strategy {
	case config.StrategyFixedWindow:
		if cfg.AdminLimit > 0 {
			b.FixedWindowFunc(adminLimit(cfg), cfg.Window)
		} else {
			b.FixedWindow(cfg.Limit, cfg.Window)
		}
	case config.StrategyTokenBucket:
		b.TokenBucket(ratelimit.TokenBucketOptions{
			BucketSize:        cfg.BucketSize,
			Interval:          cfg.Interval,
			TokensPerInterval: cfg.TokensPerInterval,
		})
	default:
		return nil, fmt.Errorf("rule %q: unknown strategy %q", cfg.Name, cfg.Strategy)
	}

	switch cfg.Scope {
	case config.ScopeUser, config.ScopeChat, config.ScopeGlobal:
		b.LimitFor(ratelimit.Scope(cfg.Scope))
	case config.ScopeIP:
		b.LimitBy(KeyByIP)
	case config.ScopeRoute:
		b.LimitBy(KeyByRoute)
	default:
		return nil, fmt.Errorf("rule %q: unknown scope %q", cfg.Name, cfg.Scope)
	}

	prefix := keyPrefix(cfg)
	b.WithKeyPrefix(prefix)

	if len(cfg.OnlyMethods) > 0 || cfg.PathPrefix != "" {
		b.OnlyIf(requestFilter(cfg))
	}

	if cfg.Penalty > 0 {
		b.WithPenalty(ratelimit.PenaltyOptions[*Request]{
			Duration:  cfg.Penalty,
			KeyPrefix: prefix + ":penalty",
		})
	}

	rule, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", cfg.Name, err)
	}
	return rule, nil
}

// NewMiddleware builds every configured rule and chains them in order
func NewMiddleware(rules []config.RuleConfig, storage ratelimit.Storage, trustedProxies []string) (middleware.Middleware, error) {
	log := logger.Get().WithComponent("httplimit")

	chain := middleware.NewChain()
	for _, cfg := range rules {
		rule, err := BuildRule(cfg, storage)
		if err != nil {
			return nil, err
		}
		chain = chain.Append(Middleware(cfg.Name, rule, trustedProxies))

		log.Info("rate limit rule loaded", logger.Fields{
			"rule":       cfg.Name,
			"scope":      cfg.Scope,
			"strategy":   cfg.Strategy,
			"key_prefix": rule.KeyPrefix(),
			"penalty":    cfg.Penalty.String(),
		})
	}
	return chain.Then, nil
}

// keyPrefix defaults to a per-rule namespace so rules never share counters
func keyPrefix(cfg config.RuleConfig) string {
	if cfg.KeyPrefix != "" {
		return cfg.KeyPrefix
	}
	return ratelimit.DefaultKeyPrefix + ":" + cfg.Name
}

func adminLimit(cfg config.RuleConfig) ratelimit.LimitFunc[*Request] {
	return func(r *Request) int {
		if r.HasAnyRole(cfg.AdminRoles) {
			return cfg.AdminLimit
		}
		return cfg.Limit
	}
}

func requestFilter(cfg config.RuleConfig) ratelimit.FilterFunc[*Request] {
	methods := make([]string, len(cfg.OnlyMethods))
	for i, m := range cfg.OnlyMethods {
		methods[i] = strings.ToUpper(m)
	}
	return func(_ context.Context, r *Request) (bool, error) {
		if len(methods) > 0 && !slices.Contains(methods, r.Method) {
			return false, nil
		}
		return strings.HasPrefix(r.URL.Path, cfg.PathPrefix), nil
	}
}
