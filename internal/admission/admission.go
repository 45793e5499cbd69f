// Package admission gates requests before they reach the network layer:
// fixed-window rate limits, usage quotas, per-identifier circuit breakers
// and suspicious-activity blocking. All state is in-memory and lives for
// the process lifetime only.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/llm-sidecar/internal/logging"
	"github.com/vnmchuo/llm-sidecar/internal/schedule"
)

const component = "admission"

// Deny reasons carried in a Decision.
const (
	ReasonSuspiciousActivity = "suspicious_activity"
	ReasonCircuitOpen        = "circuit_open"
	ReasonRateLimit          = "rate_limit"
	ReasonQuota              = "quota"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Limit      int64         `json:"limit,omitempty"`
	Remaining  int64         `json:"remaining,omitempty"`
	ResetAt    time.Time     `json:"reset_at,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

type Config struct {
	RateLimits  map[LimitType]int   // per-window request limits, merged over defaults
	RateWindow  time.Duration       // default 1m
	QuotaLimits map[QuotaType]int64 // accumulated-amount limits, merged over defaults

	BreakerThreshold uint32        // consecutive failures before open, default 5
	BreakerTimeout   time.Duration // open duration, default 2m

	ActivityWindow time.Duration // suspicious-activity event window, default 1h
	BlockDuration  time.Duration // block length once tripped, default 1h

	BucketRetention  time.Duration // idle bucket/history eviction, default 1h
	TrackerRetention time.Duration // idle tracker eviction, default 24h
	SweepInterval    time.Duration // default 1m
	HistoryLimit     int           // default 10000
}

func (c *Config) withDefaults() {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 2 * time.Minute
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = time.Hour
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = time.Hour
	}
	if c.BucketRetention <= 0 {
		c.BucketRetention = time.Hour
	}
	if c.TrackerRetention <= 0 {
		c.TrackerRetention = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
}

// Controller is the full admission-control surface. Lookup maps are
// concurrent; the read-modify-write on a found entry is serialized per
// entry, so independent identifiers never contend.
type Controller struct {
	log logging.Logger
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	buckets  sync.Map // "identifier|limitType" -> *bucket
	quotas   sync.Map // "identifier|quotaType" -> *quota
	breakers sync.Map // identifier -> *breakerEntry
	trackers sync.Map // identifier -> *tracker

	history *historyRing

	breakerChange func(identifier string, from, to string)
}

type Option func(*Controller)

// WithClock overrides the controller's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithBreakerListener registers a best-effort observer for circuit
// breaker state changes.
func WithBreakerListener(fn func(identifier string, from, to string)) Option {
	return func(c *Controller) { c.breakerChange = fn }
}

func NewController(cfg Config, log logging.Logger, opts ...Option) *Controller {
	cfg.withDefaults()
	if log == nil {
		log = logging.Nop{}
	}
	c := &Controller{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.history = newHistoryRing(c.cfg.HistoryLimit)
	return c
}

// StartMaintenance registers the periodic sweep and the midnight quota
// reset with the scheduler.
func (c *Controller) StartMaintenance(sched *schedule.Scheduler) {
	c.cfgMu.RLock()
	interval := c.cfg.SweepInterval
	c.cfgMu.RUnlock()

	sched.Every("admission-sweep", interval, func(context.Context) { c.Sweep() })
	sched.AtMidnight("quota-midnight-reset", func(context.Context) { c.ResetDailyQuotas() })
}

// SetRateLimits replaces the per-type rate limit overrides live. Existing
// buckets pick up the new limit on their next check.
func (c *Controller) SetRateLimits(limits map[LimitType]int) {
	c.cfgMu.Lock()
	c.cfg.RateLimits = limits
	c.cfgMu.Unlock()
	c.log.Info(component, "rate limit overrides updated")
}

// Check is the composite admission check performed before every request:
// suspicious-activity block, then circuit breaker, then rate limit, then
// usage quota. The first failing stage short-circuits the rest. An
// internal bug in the admission logic itself must never block legitimate
// traffic, so the whole check fails open.
func (c *Controller) Check(identifier string, limitType LimitType, estimatedUsage int64) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(component, fmt.Sprintf("admission check panicked, failing open: %v", r), nil)
			d = Decision{Allowed: true}
		}
	}()

	if blockedUntil, blocked := c.blockedUntil(identifier); blocked {
		return Decision{
			Allowed:    false,
			Reason:     ReasonSuspiciousActivity,
			RetryAfter: blockedUntil.Sub(c.now()),
		}
	}

	if !c.breakerAdmit(identifier) {
		return Decision{Allowed: false, Reason: ReasonCircuitOpen}
	}

	if d := c.CheckRateLimit(identifier, limitType); !d.Allowed {
		c.ReleaseTrial(identifier)
		return d
	}

	if estimatedUsage > 0 {
		if d := c.CheckUsageQuota(identifier, QuotaHourly, estimatedUsage); !d.Allowed {
			c.ReleaseTrial(identifier)
			return d
		}
		if d := c.CheckUsageQuota(identifier, QuotaDaily, estimatedUsage); !d.Allowed {
			c.ReleaseTrial(identifier)
			return d
		}
	}

	return Decision{Allowed: true}
}

// RecordRequest reports a completed request: it settles the circuit
// breaker, appends to the bounded request history, and counts failures
// toward suspicious-activity detection.
func (c *Controller) RecordRequest(identifier, operation string, success bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(component, fmt.Sprintf("record request panicked: %v", r), nil)
		}
	}()

	c.breakerSettle(identifier, success)
	c.history.add(record{
		Identifier: identifier,
		Operation:  operation,
		Success:    success,
		At:         c.now(),
	})
	if !success {
		c.RecordActivity(identifier, ActivityFailedRequest)
	}
}

// Sweep evicts idle buckets, trackers and closed breakers and prunes
// aged history. Runs every SweepInterval.
func (c *Controller) Sweep() {
	now := c.now()
	c.cfgMu.RLock()
	bucketCutoff := now.Add(-c.cfg.BucketRetention)
	trackerCutoff := now.Add(-c.cfg.TrackerRetention)
	c.cfgMu.RUnlock()

	evicted := 0
	c.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := b.lastRequest.Before(bucketCutoff) && b.lastViolation.Before(bucketCutoff)
		b.mu.Unlock()
		if idle {
			c.buckets.Delete(key)
			evicted++
		}
		return true
	})
	c.trackers.Range(func(key, value any) bool {
		t := value.(*tracker)
		t.mu.Lock()
		idle := t.lastActivity.Before(trackerCutoff) && now.After(t.blockedUntil)
		t.mu.Unlock()
		if idle {
			c.trackers.Delete(key)
			evicted++
		}
		return true
	})
	evicted += c.sweepBreakers(trackerCutoff)
	c.history.pruneBefore(bucketCutoff)

	if evicted > 0 {
		c.log.Debug(component, fmt.Sprintf("sweep evicted %d idle entries", evicted))
	}
}

func key(identifier string, kind string) string {
	return identifier + "|" + kind
}
