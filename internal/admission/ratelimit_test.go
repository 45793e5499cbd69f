package admission

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRateLimit_EnforcesExactLimit(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{
		RateLimits: map[LimitType]int{LimitCompletion: 5},
	}, clock)

	for i := 0; i < 5; i++ {
		d := ctrl.CheckRateLimit("editor-1", LimitCompletion)
		require.True(t, d.Allowed, "request %d within the limit must pass", i+1)
		assert.Equal(t, int64(5), d.Limit)
		assert.Equal(t, int64(4-i), d.Remaining)
	}

	d := ctrl.CheckRateLimit("editor-1", LimitCompletion)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimit, d.Reason)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)
}

func TestCheckRateLimit_WindowResets(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{
		RateLimits: map[LimitType]int{LimitCompletion: 2},
	}, clock)

	require.True(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)
	require.True(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)
	require.False(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)

	clock.Advance(time.Minute)

	d := ctrl.CheckRateLimit("editor-1", LimitCompletion)
	assert.True(t, d.Allowed, "a full window elapsed, the counter must reset")
	assert.Equal(t, int64(1), d.Remaining)
}

func TestCheckRateLimit_IndependentKeys(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{
		RateLimits: map[LimitType]int{LimitCompletion: 1},
	}, clock)

	require.True(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)
	require.False(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)

	assert.True(t, ctrl.CheckRateLimit("editor-2", LimitCompletion).Allowed,
		"limits are per identifier")
	assert.True(t, ctrl.CheckRateLimit("editor-1", LimitNavigation).Allowed,
		"limits are per operation type")
}

func TestCheckRateLimit_ConcurrentAdmitsExactly(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{
		RateLimits: map[LimitType]int{LimitCompletion: 100},
	}, clock)

	var wg sync.WaitGroup
	var allowed int64
	var mu sync.Mutex
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed,
		"check-and-increment must admit exactly the limit under contention")
}

func TestCheckRateLimit_DefaultsPerType(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{}, clock)

	cases := map[LimitType]int{
		LimitCompletion: 100,
		LimitNavigation: 50,
		LimitHealth:     10,
		LimitModelInfo:  5,
		LimitDefault:    30,
	}
	for lt, want := range cases {
		d := ctrl.CheckRateLimit(fmt.Sprintf("id-%s", lt), lt)
		require.True(t, d.Allowed)
		assert.Equal(t, int64(want), d.Limit, "default limit for %s", lt)
	}

	d := ctrl.CheckRateLimit("id-unknown", LimitType("unknown"))
	assert.Equal(t, int64(30), d.Limit, "unknown types fall back to the default limit")
}

func TestSetRateLimits_AppliesToExistingBuckets(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{
		RateLimits: map[LimitType]int{LimitCompletion: 1},
	}, clock)

	require.True(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)
	require.False(t, ctrl.CheckRateLimit("editor-1", LimitCompletion).Allowed)

	ctrl.SetRateLimits(map[LimitType]int{LimitCompletion: 10})

	d := ctrl.CheckRateLimit("editor-1", LimitCompletion)
	assert.True(t, d.Allowed, "a raised limit applies without a window reset")
	assert.Equal(t, int64(10), d.Limit)
}
