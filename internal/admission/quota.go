package admission

import (
	"sync"
	"time"
)

// QuotaType selects the accumulation period for a usage quota.
type QuotaType string

const (
	QuotaHourly QuotaType = "hourly"
	QuotaDaily  QuotaType = "daily"
)

var defaultQuotaLimits = map[QuotaType]int64{
	QuotaHourly: 100_000,
	QuotaDaily:  1_000_000,
}

func quotaPeriod(qt QuotaType) time.Duration {
	if qt == QuotaDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// quota mirrors the rate-limit bucket but accumulates amount rather than
// request count. Daily quotas are additionally zeroed by the wall-clock
// midnight job, independent of the lazy window check, so usage never
// survives a day boundary on an idle key.
type quota struct {
	mu          sync.Mutex
	period      time.Duration
	usage       int64
	windowStart time.Time
	lastUsage   time.Time
}

func (c *Controller) quotaLimitFor(qt QuotaType) int64 {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if limit, ok := c.cfg.QuotaLimits[qt]; ok {
		return limit
	}
	return defaultQuotaLimits[qt]
}

func (c *Controller) quotaFor(identifier string, qt QuotaType) *quota {
	k := key(identifier, string(qt))
	if v, ok := c.quotas.Load(k); ok {
		return v.(*quota)
	}
	v, _ := c.quotas.LoadOrStore(k, &quota{
		period:      quotaPeriod(qt),
		windowStart: c.now(),
	})
	return v.(*quota)
}

func (q *quota) resetIfElapsed(now time.Time) {
	if now.Sub(q.windowStart) >= q.period {
		q.usage = 0
		q.windowStart = now
	}
}

// CheckUsageQuota reports whether the projected amount still fits the
// quota. It does not book the amount; RecordUsage does that once the
// actual usage is known.
func (c *Controller) CheckUsageQuota(identifier string, quotaType QuotaType, amount int64) Decision {
	limit := c.quotaLimitFor(quotaType)
	q := c.quotaFor(identifier, quotaType)
	now := c.now()

	q.mu.Lock()
	q.resetIfElapsed(now)
	resetAt := q.windowStart.Add(q.period)

	if q.usage+amount > limit {
		remaining := limit - q.usage
		if remaining < 0 {
			remaining = 0
		}
		q.mu.Unlock()

		c.RecordActivity(identifier, ActivityQuotaViolation)
		return Decision{
			Allowed:    false,
			Reason:     ReasonQuota,
			Limit:      limit,
			Remaining:  remaining,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	remaining := limit - q.usage - amount
	q.mu.Unlock()

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// RecordUsage accumulates the actual amount consumed by a completed
// request.
func (c *Controller) RecordUsage(identifier string, quotaType QuotaType, amount int64) {
	if amount <= 0 {
		return
	}
	q := c.quotaFor(identifier, quotaType)
	now := c.now()

	q.mu.Lock()
	q.resetIfElapsed(now)
	q.usage += amount
	q.lastUsage = now
	q.mu.Unlock()
}

// ResetDailyQuotas zeroes every daily quota. Driven by the scheduler's
// midnight job.
func (c *Controller) ResetDailyQuotas() {
	now := c.now()
	reset := 0
	c.quotas.Range(func(k, value any) bool {
		q := value.(*quota)
		if q.period != 24*time.Hour {
			return true
		}
		q.mu.Lock()
		q.usage = 0
		q.windowStart = now
		q.mu.Unlock()
		reset++
		return true
	})
	if reset > 0 {
		c.log.Info(component, "daily quotas reset")
	}
}
