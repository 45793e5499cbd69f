package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivity_BlocksAtRateLimitThreshold(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{}, clock)

	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	assert.False(t, ctrl.IsSuspiciousActivity("editor-1"))

	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	assert.True(t, ctrl.IsSuspiciousActivity("editor-1"))
}

func TestActivity_BlocksAtFailedRequestThreshold(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{}, clock)

	for i := 0; i < 9; i++ {
		ctrl.RecordActivity("editor-1", ActivityFailedRequest)
	}
	assert.False(t, ctrl.IsSuspiciousActivity("editor-1"))

	ctrl.RecordActivity("editor-1", ActivityFailedRequest)
	assert.True(t, ctrl.IsSuspiciousActivity("editor-1"))
}

func TestActivity_EventsAgeOutOfWindow(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{}, clock)

	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)

	clock.Advance(61 * time.Minute)

	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	assert.False(t, ctrl.IsSuspiciousActivity("editor-1"),
		"violations older than the window must not count")
}

func TestActivity_BlockIsStickyThenExpires(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{BlockDuration: time.Hour}, clock)

	for i := 0; i < 3; i++ {
		ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	}
	require.True(t, ctrl.IsSuspiciousActivity("editor-1"))

	// Good behavior while blocked does not shorten the block.
	clock.Advance(30 * time.Minute)
	assert.True(t, ctrl.IsSuspiciousActivity("editor-1"))

	clock.Advance(31 * time.Minute)
	assert.False(t, ctrl.IsSuspiciousActivity("editor-1"))
}

func TestActivity_BlockNotExtendedWhileActive(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{BlockDuration: time.Hour}, clock)

	for i := 0; i < 3; i++ {
		ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	}
	require.True(t, ctrl.IsSuspiciousActivity("editor-1"))

	// Further violations during an active block keep the original expiry.
	clock.Advance(59 * time.Minute)
	ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)

	clock.Advance(2 * time.Minute)
	assert.False(t, ctrl.IsSuspiciousActivity("editor-1"))
}

func TestActivity_IdentifiersIsolated(t *testing.T) {
	clock := newFakeClock()
	ctrl := newTestController(Config{}, clock)

	for i := 0; i < 3; i++ {
		ctrl.RecordActivity("editor-1", ActivityRateLimitViolation)
	}

	assert.True(t, ctrl.IsSuspiciousActivity("editor-1"))
	assert.False(t, ctrl.IsSuspiciousActivity("editor-2"))
}
