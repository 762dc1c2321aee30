// Package ratelimit implements the adaptive tier limiter: every request
// is classified into exactly one tier by its shape, and each tier keeps
// independent fixed windows per client key.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/inkhaven/inkhaven/pkg/config"
)

// Tier identifies a rate-limit policy.
type Tier string

// Tiers, from most specific to least.
const (
	TierPreflight  Tier = "preflight"
	TierSuspicious Tier = "suspicious"
	TierGeneral    Tier = "general"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Tier       Tier
	Count      int
	Limit      int
	RetryAfter time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

type tierLimiter struct {
	budget  int
	window  time.Duration
	entries map[string]window
}

// AdaptiveLimiter selects a tier per request and applies that tier's
// fixed-window budget per client key. Safe for concurrent use.
type AdaptiveLimiter struct {
	mu    sync.Mutex
	tiers map[Tier]*tierLimiter
	now   func() time.Time
}

// NewAdaptiveLimiter creates a limiter from the configured tier budgets.
func NewAdaptiveLimiter(cfg config.RateLimitConfig) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		tiers: map[Tier]*tierLimiter{
			TierPreflight:  newTierLimiter(cfg.Preflight),
			TierSuspicious: newTierLimiter(cfg.Suspicious),
			TierGeneral:    newTierLimiter(cfg.General),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source, for tests.
func (l *AdaptiveLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.now = now
}

func newTierLimiter(cfg config.TierConfig) *tierLimiter {
	budget := cfg.Requests
	if budget <= 0 {
		budget = 1
	}

	win := cfg.Window
	if win <= 0 {
		win = time.Minute
	}

	return &tierLimiter{
		budget:  budget,
		window:  win,
		entries: make(map[string]window),
	}
}

// Classify picks the single tier a request is tracked in: OPTIONS
// requests are preflight traffic, requests that drew origin warnings
// fall into the much stricter suspicious tier, everything else is
// general.
func Classify(r *http.Request, warnings []string) Tier {
	if r.Method == http.MethodOptions {
		return TierPreflight
	}

	if len(warnings) > 0 {
		return TierSuspicious
	}

	return TierGeneral
}

// Allow consumes one request from the tier's window for the client key.
// When the budget is exhausted, RetryAfter carries the remaining window
// time.
func (l *AdaptiveLimiter) Allow(tier Tier, clientKey string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.tiers[tier]
	if !ok {
		tl = l.tiers[TierGeneral]
	}

	now := l.now()
	tl.cleanup(now)

	w, ok := tl.entries[clientKey]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(tl.window)}
	}

	w.count++
	tl.entries[clientKey] = w

	d := Decision{
		Allowed: w.count <= tl.budget,
		Tier:    tier,
		Count:   w.count,
		Limit:   tl.budget,
	}

	if !d.Allowed {
		d.RetryAfter = w.resetAt.Sub(now)
	}

	return d
}

func (tl *tierLimiter) cleanup(now time.Time) {
	for key, w := range tl.entries {
		if !now.Before(w.resetAt) {
			delete(tl.entries, key)
		}
	}
}
