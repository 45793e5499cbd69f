package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerEntry pairs a gobreaker state machine with the bookkeeping for
// the decoupled check/record surface: checks are pure state reads (plus a
// half-open single-trial flag), reports drive the state machine.
type breakerEntry struct {
	cb *gobreaker.TwoStepCircuitBreaker

	mu            sync.Mutex
	trialInFlight bool
	lastUsed      time.Time
}

// BreakerStatus is the externally visible breaker state for one
// identifier.
type BreakerStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func (c *Controller) breakerFor(identifier string) *breakerEntry {
	if v, ok := c.breakers.Load(identifier); ok {
		return v.(*breakerEntry)
	}

	c.cfgMu.RLock()
	threshold := c.cfg.BreakerThreshold
	timeout := c.cfg.BreakerTimeout
	c.cfgMu.RUnlock()

	entry := &breakerEntry{}
	entry.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        identifier,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info(component, fmt.Sprintf("circuit breaker %q: %s -> %s", name, from, to))
			if c.breakerChange != nil {
				c.breakerChange(name, from.String(), to.String())
			}
		},
	})

	v, _ := c.breakers.LoadOrStore(identifier, entry)
	return v.(*breakerEntry)
}

// CheckCircuitBreaker reports whether the breaker admits a request for
// the identifier. Open denies everything; half-open admits exactly one
// trial until its outcome is reported.
func (c *Controller) CheckCircuitBreaker(identifier string) bool {
	return c.breakerAdmit(identifier)
}

func (c *Controller) breakerAdmit(identifier string) bool {
	e := c.breakerFor(identifier)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = c.now()

	switch e.cb.State() {
	case gobreaker.StateOpen:
		return false
	case gobreaker.StateHalfOpen:
		if e.trialInFlight {
			return false
		}
		e.trialInFlight = true
		return true
	default:
		return true
	}
}

// ReleaseTrial hands back a half-open admission whose request produced no
// outcome: a later admission stage denied it, or the caller canceled it
// before the server answered. Without the release the half-open slot
// would stay occupied forever and deny the identifier permanently.
func (c *Controller) ReleaseTrial(identifier string) {
	e := c.breakerFor(identifier)
	e.mu.Lock()
	e.trialInFlight = false
	e.mu.Unlock()
}

// sweepBreakers evicts closed breakers idle past the cutoff. Open and
// half-open breakers are kept so their cooldown state survives the sweep.
func (c *Controller) sweepBreakers(cutoff time.Time) int {
	evicted := 0
	c.breakers.Range(func(key, value any) bool {
		e := value.(*breakerEntry)
		e.mu.Lock()
		idle := e.lastUsed.Before(cutoff) && !e.trialInFlight
		e.mu.Unlock()
		if idle && e.cb.State() == gobreaker.StateClosed {
			c.breakers.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// breakerSettle counts one request outcome. A report with no prior check
// still counts, so outcome accounting never silently drops.
func (c *Controller) breakerSettle(identifier string, success bool) {
	e := c.breakerFor(identifier)

	e.mu.Lock()
	e.trialInFlight = false
	e.lastUsed = c.now()
	done, err := e.cb.Allow()
	e.mu.Unlock()

	if err != nil {
		// Open breaker: nothing to count, the cooldown clock is already
		// running.
		return
	}
	done(success)
}

// BreakerStatusFor returns the current breaker state for an identifier.
func (c *Controller) BreakerStatusFor(identifier string) BreakerStatus {
	e := c.breakerFor(identifier)
	return BreakerStatus{
		State:               e.cb.State().String(),
		ConsecutiveFailures: e.cb.Counts().ConsecutiveFailures,
	}
}
