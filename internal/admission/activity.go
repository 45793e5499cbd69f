package admission

import (
	"fmt"
	"sync"
	"time"
)

// ActivityType is a typed suspicious-activity event.
type ActivityType string

const (
	ActivityRateLimitViolation ActivityType = "rate_limit_violation"
	ActivityQuotaViolation     ActivityType = "quota_violation"
	ActivityFailedRequest      ActivityType = "failed_request"
	ActivityUnauthorizedAccess ActivityType = "unauthorized_access"
)

// Thresholds within the activity window that trip a block.
const (
	maxRateLimitViolations = 3
	maxFailedRequests      = 10
	maxQuotaViolations     = 2

	// Cap on retained events per identifier, independent of the window.
	maxTrackedEvents = 1000
)

type activityEvent struct {
	Type ActivityType
	At   time.Time
}

// tracker holds a bounded, time-windowed event list per identifier. Once
// tripped, the block is sticky for its whole duration regardless of
// subsequent good behavior.
type tracker struct {
	mu           sync.Mutex
	events       []activityEvent
	blockedUntil time.Time
	lastActivity time.Time
}

func (c *Controller) trackerFor(identifier string) *tracker {
	if v, ok := c.trackers.Load(identifier); ok {
		return v.(*tracker)
	}
	v, _ := c.trackers.LoadOrStore(identifier, &tracker{})
	return v.(*tracker)
}

// RecordActivity appends a typed event and trips the block when any
// threshold is crossed within the window.
func (c *Controller) RecordActivity(identifier string, typ ActivityType) {
	c.cfgMu.RLock()
	window := c.cfg.ActivityWindow
	blockFor := c.cfg.BlockDuration
	c.cfgMu.RUnlock()

	t := c.trackerFor(identifier)
	now := c.now()

	t.mu.Lock()
	t.lastActivity = now

	cutoff := now.Add(-window)
	kept := t.events[:0]
	for _, ev := range t.events {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	t.events = kept
	t.events = append(t.events, activityEvent{Type: typ, At: now})
	if len(t.events) > maxTrackedEvents {
		t.events = t.events[len(t.events)-maxTrackedEvents:]
	}

	if now.Before(t.blockedUntil) {
		t.mu.Unlock()
		return
	}

	var rate, failed, quotaViolations int
	for _, ev := range t.events {
		switch ev.Type {
		case ActivityRateLimitViolation:
			rate++
		case ActivityQuotaViolation:
			quotaViolations++
		case ActivityFailedRequest:
			failed++
		}
	}

	if rate >= maxRateLimitViolations || failed >= maxFailedRequests || quotaViolations >= maxQuotaViolations {
		t.blockedUntil = now.Add(blockFor)
		t.mu.Unlock()
		c.log.Warn(component, fmt.Sprintf("identifier %q blocked until %s (rate=%d failed=%d quota=%d)",
			identifier, t.blockedUntil.Format(time.RFC3339), rate, failed, quotaViolations))
		return
	}
	t.mu.Unlock()
}

// IsSuspiciousActivity reports whether the identifier is currently
// blocked.
func (c *Controller) IsSuspiciousActivity(identifier string) bool {
	_, blocked := c.blockedUntil(identifier)
	return blocked
}

func (c *Controller) blockedUntil(identifier string) (time.Time, bool) {
	v, ok := c.trackers.Load(identifier)
	if !ok {
		return time.Time{}, false
	}
	t := v.(*tracker)
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.now().Before(t.blockedUntil) {
		return t.blockedUntil, true
	}
	return time.Time{}, false
}
