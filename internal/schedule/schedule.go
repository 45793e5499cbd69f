package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/llm-sidecar/internal/logging"
)

const component = "schedule"

// Scheduler owns every periodic background job in the process (probe
// loop, cleanup sweeps, the midnight quota reset) so shutdown cancels
// all of them deterministically. Jobs run synchronously inside their own
// goroutine and therefore never overlap with themselves.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logging.Logger

	mu      sync.Mutex
	stopped bool
}

func New(log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, log: log}
}

// Every runs job at the given interval until Stop.
func (s *Scheduler) Every(name string, interval time.Duration, job func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(name, job)
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// AtMidnight runs job at every local midnight until Stop.
func (s *Scheduler) AtMidnight(name string, job func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			timer := time.NewTimer(untilMidnight(time.Now()))
			select {
			case <-timer.C:
				s.run(name, job)
			case <-s.ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

func (s *Scheduler) run(name string, job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(component, fmt.Sprintf("job %q panicked: %v", name, r), nil)
		}
	}()
	job(s.ctx)
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// untilMidnight returns the duration to the next local midnight.
func untilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
