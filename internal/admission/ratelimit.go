package admission

import (
	"sync"
	"time"
)

// LimitType selects which fixed-window limit applies to a request.
type LimitType string

const (
	LimitCompletion LimitType = "completion"
	LimitNavigation LimitType = "navigation"
	LimitHealth     LimitType = "health"
	LimitModelInfo  LimitType = "modelinfo"
	LimitDefault    LimitType = "default"
)

var defaultRateLimits = map[LimitType]int{
	LimitCompletion: 100,
	LimitNavigation: 50,
	LimitHealth:     10,
	LimitModelInfo:  5,
	LimitDefault:    30,
}

// bucket is a fixed-window counter. The window resets wholesale once
// elapsed time reaches the window size; a burst straddling two windows
// can therefore exceed the nominal rate by up to 2x, which is accepted.
// The limit itself is read from config at check time so live overrides
// apply to existing buckets.
type bucket struct {
	mu            sync.Mutex
	count         int
	windowStart   time.Time
	lastRequest   time.Time
	lastViolation time.Time
}

func (c *Controller) rateLimitFor(lt LimitType) int {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if limit, ok := c.cfg.RateLimits[lt]; ok {
		return limit
	}
	if limit, ok := defaultRateLimits[lt]; ok {
		return limit
	}
	return defaultRateLimits[LimitDefault]
}

func (c *Controller) bucketFor(identifier string, lt LimitType) *bucket {
	k := key(identifier, string(lt))
	if v, ok := c.buckets.Load(k); ok {
		return v.(*bucket)
	}
	v, _ := c.buckets.LoadOrStore(k, &bucket{windowStart: c.now()})
	return v.(*bucket)
}

// CheckRateLimit is the check-and-increment for one request: a single
// atomic operation under the bucket lock, so concurrent callers cannot
// double-count and a denied request never advances the counter.
func (c *Controller) CheckRateLimit(identifier string, limitType LimitType) Decision {
	limit := c.rateLimitFor(limitType)
	c.cfgMu.RLock()
	window := c.cfg.RateWindow
	c.cfgMu.RUnlock()

	b := c.bucketFor(identifier, limitType)
	now := c.now()

	b.mu.Lock()
	if now.Sub(b.windowStart) >= window {
		b.count = 0
		b.windowStart = now
	}
	resetAt := b.windowStart.Add(window)

	if b.count >= limit {
		b.lastViolation = now
		b.mu.Unlock()

		c.RecordActivity(identifier, ActivityRateLimitViolation)
		return Decision{
			Allowed:    false,
			Reason:     ReasonRateLimit,
			Limit:      int64(limit),
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	b.count++
	b.lastRequest = now
	remaining := limit - b.count
	b.mu.Unlock()

	return Decision{
		Allowed:   true,
		Limit:     int64(limit),
		Remaining: int64(remaining),
		ResetAt:   resetAt,
	}
}
