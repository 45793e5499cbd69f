package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/llm-sidecar/internal/api"
	"github.com/vnmchuo/llm-sidecar/internal/logging"
	"github.com/vnmchuo/llm-sidecar/internal/schedule"
)

const component = "health"

// Prober performs one health check against the server. Satisfied by
// client.Client.
type Prober interface {
	Probe(ctx context.Context) *api.HealthStatus
}

// StatusChange is emitted whenever the connection state machine moves.
type StatusChange struct {
	Connected           bool
	OfflineMode         bool
	ConsecutiveFailures int
	Info                string
}

type Config struct {
	MaxConsecutiveFailures int           // failures before offline mode, default 5
	CheckInterval          time.Duration // periodic probe interval, default 30s
	MinRetryInterval       time.Duration // offline retry gate, default 1m
	RetryBase              time.Duration // reconnect backoff base, default 30s
	RetryMax               time.Duration // reconnect backoff cap, default 5m
}

func (c *Config) withDefaults() {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.MinRetryInterval <= 0 {
		c.MinRetryInterval = time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
}

// Monitor owns the connected/disconnected/offline state machine. It probes
// the server periodically while active and also accepts failure/success
// reports from consumers that talk to the server on their own, so the
// state stays consistent either way.
//
// Invariant: offline mode implies not connected.
type Monitor struct {
	cfg    Config
	prober Prober
	log    logging.Logger
	sched  *schedule.Scheduler
	now    func() time.Time

	mu          sync.Mutex
	active      bool
	registered  bool
	connected   bool
	offline     bool
	failures    int
	lastCheck   time.Time
	lastAttempt time.Time
	retryDelay  time.Duration
	nextRetryAt time.Time

	cbMu           sync.Mutex
	onStatusChange []func(StatusChange)
	onHealthCheck  []func(*api.HealthStatus)
}

type Option func(*Monitor)

// WithClock overrides the monitor's time source. Tests use this to step
// through retry-interval gating without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(cfg Config, prober Prober, sched *schedule.Scheduler, log logging.Logger, opts ...Option) *Monitor {
	cfg.withDefaults()
	if log == nil {
		log = logging.Nop{}
	}
	m := &Monitor{
		cfg:        cfg,
		prober:     prober,
		log:        log,
		sched:      sched,
		now:        time.Now,
		retryDelay: cfg.RetryBase,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins periodic probing. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.active = true
	needRegister := !m.registered && m.sched != nil
	m.registered = m.registered || needRegister
	m.mu.Unlock()

	if needRegister {
		m.sched.Every("health-probe", m.cfg.CheckInterval, m.probeJob)
	}
	m.log.Info(component, "connection monitoring started")
}

// Stop pauses periodic probing without tearing down state.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	m.log.Info(component, "connection monitoring stopped")
}

func (m *Monitor) probeJob(ctx context.Context) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if !m.nextRetryAt.IsZero() && m.now().Before(m.nextRetryAt) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.probe(ctx)
}

// probe runs one health check and feeds the result into the state machine.
func (m *Monitor) probe(ctx context.Context) bool {
	m.mu.Lock()
	m.lastAttempt = m.now()
	m.mu.Unlock()

	status := m.prober.Probe(ctx)

	m.mu.Lock()
	m.lastCheck = m.now()
	m.mu.Unlock()

	m.emitHealthCheck(status)

	if status.Available {
		m.reportSuccess()
	} else {
		m.reportFailure("health check")
	}
	return status.Available
}

// AttemptReconnect probes the server, but when offline it honors the
// minimum retry interval and refuses to hammer a server that is down.
func (m *Monitor) AttemptReconnect(ctx context.Context) bool {
	if !m.ShouldAttemptConnection() {
		return false
	}
	return m.probe(ctx)
}

// ForceReconnect unconditionally clears offline mode and the failure
// count, then probes. This is the user-driven "Reconnect" action.
func (m *Monitor) ForceReconnect(ctx context.Context) bool {
	m.mu.Lock()
	m.offline = false
	m.failures = 0
	m.retryDelay = m.cfg.RetryBase
	m.nextRetryAt = time.Time{}
	m.mu.Unlock()

	m.log.Info(component, "forced reconnect requested")
	return m.probe(ctx)
}

// HandleServerUnavailable is called by any consumer that discovered a
// failure on its own request path.
func (m *Monitor) HandleServerUnavailable(operation string) {
	m.log.Warn(component, fmt.Sprintf("server unavailable during %s", operation))
	m.reportFailure(operation)
}

// HandleServerRecovered is the success-side counterpart: any successful
// server call clears the failure state.
func (m *Monitor) HandleServerRecovered() {
	m.reportSuccess()
}

// ShouldAttemptConnection is the admission check other components call
// before any server call. Offline mode suppresses attempts until the
// minimum retry interval has passed.
func (m *Monitor) ShouldAttemptConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.offline {
		return true
	}
	return m.now().Sub(m.lastAttempt) >= m.cfg.MinRetryInterval
}

func (m *Monitor) reportSuccess() {
	m.mu.Lock()
	changed := !m.connected || m.offline || m.failures != 0
	m.connected = true
	m.offline = false
	m.failures = 0
	m.retryDelay = m.cfg.RetryBase
	m.nextRetryAt = time.Time{}
	change := m.changeLocked()
	m.mu.Unlock()

	if changed {
		m.emitStatusChange(change)
	}
}

func (m *Monitor) reportFailure(operation string) {
	m.mu.Lock()
	wasConnected := m.connected
	wasOffline := m.offline
	m.connected = false
	m.lastAttempt = m.now()
	m.failures++
	if m.failures >= m.cfg.MaxConsecutiveFailures {
		m.offline = true
	}

	// Back off the automatic probe schedule so a server that is down for
	// minutes is not hammered every tick.
	if wasConnected {
		m.retryDelay = m.cfg.RetryBase
	} else {
		m.retryDelay *= 2
		if m.retryDelay > m.cfg.RetryMax {
			m.retryDelay = m.cfg.RetryMax
		}
	}
	m.nextRetryAt = m.now().Add(m.retryDelay)

	changed := wasConnected || m.offline != wasOffline
	change := m.changeLocked()
	offline := m.offline
	failures := m.failures
	m.mu.Unlock()

	if offline && !wasOffline {
		m.log.Warn(component, fmt.Sprintf("entering offline mode after %d consecutive failures (%s)", failures, operation))
	}
	if changed {
		m.emitStatusChange(change)
	}
}

func (m *Monitor) changeLocked() StatusChange {
	return StatusChange{
		Connected:           m.connected,
		OfflineMode:         m.offline,
		ConsecutiveFailures: m.failures,
		Info:                m.statusLocked(),
	}
}

// Status returns a single human-readable connection summary.
func (m *Monitor) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() string {
	switch {
	case m.offline:
		return fmt.Sprintf("Offline mode — %d consecutive failures. Use Reconnect to retry.", m.failures)
	case m.connected:
		return "Connected"
	case m.failures > 0:
		return fmt.Sprintf("Disconnected — %d consecutive failures", m.failures)
	default:
		return "Disconnected"
	}
}

func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) IsOfflineMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) LastHealthCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// OnStatusChange registers an observer for connection-state transitions.
// Observers are best effort: they run outside the state lock and a panic
// in one is swallowed.
func (m *Monitor) OnStatusChange(fn func(StatusChange)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onStatusChange = append(m.onStatusChange, fn)
}

// OnHealthCheck registers an observer for completed probes.
func (m *Monitor) OnHealthCheck(fn func(*api.HealthStatus)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onHealthCheck = append(m.onHealthCheck, fn)
}

func (m *Monitor) emitStatusChange(change StatusChange) {
	m.cbMu.Lock()
	callbacks := make([]func(StatusChange), len(m.onStatusChange))
	copy(callbacks, m.onStatusChange)
	m.cbMu.Unlock()

	for _, fn := range callbacks {
		m.safeCall(func() { fn(change) })
	}
}

func (m *Monitor) emitHealthCheck(status *api.HealthStatus) {
	m.cbMu.Lock()
	callbacks := make([]func(*api.HealthStatus), len(m.onHealthCheck))
	copy(callbacks, m.onHealthCheck)
	m.cbMu.Unlock()

	for _, fn := range callbacks {
		m.safeCall(func() { fn(status) })
	}
}

func (m *Monitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(component, fmt.Sprintf("status observer panicked: %v", r), nil)
		}
	}()
	fn()
}
