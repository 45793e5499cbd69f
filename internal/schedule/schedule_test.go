package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvery_RunsRepeatedly(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var runs atomic.Int32
	s.Every("tick", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times, want at least 3", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStop_HaltsJobs(t *testing.T) {
	s := New(nil)

	var runs atomic.Int32
	s.Every("tick", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	time.Sleep(35 * time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != after {
		t.Fatalf("job ran %d more times after Stop", got-after)
	}
}

func TestStop_RejectsNewJobs(t *testing.T) {
	s := New(nil)
	s.Stop()

	var runs atomic.Int32
	s.Every("tick", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	time.Sleep(25 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("job registered after Stop ran %d times", got)
	}
}

func TestJobPanicDoesNotKillScheduler(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var runs atomic.Int32
	s.Every("flaky", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("job bug")
	})

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times, want at least 2 despite panics", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJobContextCanceledOnStop(t *testing.T) {
	s := New(nil)

	started := make(chan struct{})
	done := make(chan struct{})
	s.Every("blocking", 10*time.Millisecond, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(done)
	})

	<-started
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job context was not canceled by Stop")
	}
}

func TestUntilMidnight(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	if got, want := untilMidnight(now), time.Minute; got != want {
		t.Fatalf("untilMidnight = %s, want %s", got, want)
	}

	now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if got, want := untilMidnight(now), 24*time.Hour; got != want {
		t.Fatalf("untilMidnight at midnight = %s, want %s", got, want)
	}
}
