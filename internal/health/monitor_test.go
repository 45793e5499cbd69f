package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-sidecar/internal/api"
)

// scriptedProber returns canned availability results in order, repeating
// the last one.
type scriptedProber struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context) *api.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	available := false
	if len(p.results) > 0 {
		available = p.results[0]
		if len(p.results) > 1 {
			p.results = p.results[1:]
		}
	}
	p.calls++
	status := &api.HealthStatus{Available: available, CheckedAt: time.Now()}
	if !available {
		status.Error = "probe failed"
	}
	return status
}

func (p *scriptedProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(prober Prober, clock *fakeClock) *Monitor {
	return NewMonitor(Config{}, prober, nil, nil, WithClock(clock.Now))
}

func TestOfflineAfterMaxConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	for i := 0; i < 4; i++ {
		m.HandleServerUnavailable("completion")
	}
	assert.False(t, m.IsOfflineMode(), "4 failures must not trigger offline mode")
	assert.False(t, m.IsConnected())
	assert.Equal(t, 4, m.ConsecutiveFailures())

	m.HandleServerUnavailable("completion")
	assert.True(t, m.IsOfflineMode(), "5th failure must trigger offline mode")
	assert.False(t, m.IsConnected(), "offline mode implies not connected")
	assert.Equal(t, 5, m.ConsecutiveFailures())

	// Offline is sticky across further failures.
	m.HandleServerUnavailable("completion")
	assert.True(t, m.IsOfflineMode())
}

func TestSuccessClearsFailureState(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	for i := 0; i < 5; i++ {
		m.HandleServerUnavailable("completion")
	}
	require.True(t, m.IsOfflineMode())

	m.HandleServerRecovered()
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsOfflineMode())
	assert.Equal(t, 0, m.ConsecutiveFailures())
}

func TestShouldAttemptConnection_OfflineGate(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	assert.True(t, m.ShouldAttemptConnection(), "connected state always allows attempts")

	for i := 0; i < 5; i++ {
		m.HandleServerUnavailable("completion")
	}
	require.True(t, m.IsOfflineMode())
	assert.False(t, m.ShouldAttemptConnection(), "fresh offline mode suppresses attempts")

	clock.Advance(59 * time.Second)
	assert.False(t, m.ShouldAttemptConnection())

	clock.Advance(2 * time.Second)
	assert.True(t, m.ShouldAttemptConnection(), "attempts allowed after the minimum retry interval")
}

func TestAttemptReconnect_HonorsGate(t *testing.T) {
	clock := newFakeClock()
	prober := &scriptedProber{results: []bool{true}}
	m := newTestMonitor(prober, clock)

	for i := 0; i < 5; i++ {
		m.HandleServerUnavailable("completion")
	}
	require.True(t, m.IsOfflineMode())

	assert.False(t, m.AttemptReconnect(context.Background()))
	assert.Equal(t, 0, prober.callCount(), "gated reconnect must not probe")

	clock.Advance(2 * time.Minute)
	assert.True(t, m.AttemptReconnect(context.Background()))
	assert.Equal(t, 1, prober.callCount())
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsOfflineMode())
}

func TestForceReconnect_BypassesGate(t *testing.T) {
	clock := newFakeClock()
	prober := &scriptedProber{results: []bool{true}}
	m := newTestMonitor(prober, clock)

	for i := 0; i < 5; i++ {
		m.HandleServerUnavailable("completion")
	}
	require.True(t, m.IsOfflineMode())
	require.False(t, m.ShouldAttemptConnection())

	assert.True(t, m.ForceReconnect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Equal(t, 0, m.ConsecutiveFailures())
}

func TestForceReconnect_FailedProbeStaysDisconnected(t *testing.T) {
	clock := newFakeClock()
	prober := &scriptedProber{results: []bool{false}}
	m := newTestMonitor(prober, clock)

	for i := 0; i < 5; i++ {
		m.HandleServerUnavailable("completion")
	}

	assert.False(t, m.ForceReconnect(context.Background()))
	assert.False(t, m.IsConnected())
	// The forced reconnect cleared the old count; the failed probe is a
	// fresh first failure.
	assert.Equal(t, 1, m.ConsecutiveFailures())
	assert.False(t, m.IsOfflineMode())
}

func TestUserFriendlyStatus(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	assert.Equal(t, "Disconnected", m.Status())

	m.HandleServerRecovered()
	assert.Equal(t, "Connected", m.Status())

	m.HandleServerUnavailable("completion")
	assert.Equal(t, "Disconnected — 1 consecutive failures", m.Status())

	for i := 0; i < 4; i++ {
		m.HandleServerUnavailable("completion")
	}
	assert.Equal(t, "Offline mode — 5 consecutive failures. Use Reconnect to retry.", m.Status())
}

func TestStatusChangeEvents(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	var mu sync.Mutex
	var changes []StatusChange
	m.OnStatusChange(func(c StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	m.HandleServerRecovered()
	m.HandleServerUnavailable("completion")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Connected)
	assert.False(t, changes[1].Connected)
	assert.Equal(t, 1, changes[1].ConsecutiveFailures)
}

func TestHealthCheckEvents(t *testing.T) {
	clock := newFakeClock()
	prober := &scriptedProber{results: []bool{true}}
	m := newTestMonitor(prober, clock)

	var mu sync.Mutex
	var seen []*api.HealthStatus
	m.OnHealthCheck(func(s *api.HealthStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.ForceReconnect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Available)
}

func TestObserverPanicDoesNotPropagate(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(&scriptedProber{}, clock)

	m.OnStatusChange(func(StatusChange) { panic("observer bug") })

	assert.NotPanics(t, func() {
		m.HandleServerRecovered()
	})
	assert.True(t, m.IsConnected())
}
