// Package ratelimit holds one token bucket per route rule.
package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// Limiter manages the token buckets of the rules that configure one.
// Rules without a rate limit are always allowed.
type Limiter struct {
	// mu protects the limiters map.
	mu sync.RWMutex
	// limiters stores rate.Limiter instances, keyed by rule name.
	limiters map[string]*ratelib.Limiter
}

// NewLimiter creates and returns an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		limiters: make(map[string]*ratelib.Limiter),
	}
}

// FromRules builds a Limiter for every rule carrying a RateLimit.
func FromRules(rules []model.RouteRule) *Limiter {
	l := NewLimiter()
	l.Sync(rules)
	return l
}

// Sync aligns the buckets with rules: new rules get a bucket, changed limits
// are applied in place so a reload does not refill a drained bucket, and
// rules that no longer limit are removed.
func (l *Limiter) Sync(rules []model.RouteRule) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.RateLimit == nil {
			continue
		}
		seen[r.Name] = struct{}{}
		rps := ratelib.Limit(r.RateLimit.RequestsPerSecond)
		lim, ok := l.limiters[r.Name]
		if !ok {
			l.limiters[r.Name] = ratelib.NewLimiter(rps, r.RateLimit.Burst)
			continue
		}
		if lim.Limit() != rps {
			lim.SetLimit(rps)
		}
		if lim.Burst() != r.RateLimit.Burst {
			lim.SetBurst(r.RateLimit.Burst)
		}
	}
	for name := range l.limiters {
		if _, ok := seen[name]; !ok {
			delete(l.limiters, name)
		}
	}
}

// Allow reports whether one more request for the rule may proceed now.
func (l *Limiter) Allow(rule string) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	lim, ok := l.limiters[rule]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Len returns the number of limited rules.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
