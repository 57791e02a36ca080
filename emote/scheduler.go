package emote

import (
	"sync"
	"time"
)

// Cancel stops a scheduled task. Calling it more than once is safe.
type Cancel func()

// Scheduler runs fn once after d. Compositors use it to re-arm their tick.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Cancel
}

// TimerScheduler schedules tasks on the runtime timer heap.
type TimerScheduler struct{}

// Schedule implements Scheduler using time.AfterFunc.
func (TimerScheduler) Schedule(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// recurring owns the single pending tick of a compositor. Each run re-arms
// itself through rearm, so at most one callback is outstanding at any time.
type recurring struct {
	sched Scheduler

	mu      sync.Mutex
	cancel  Cancel
	stopped bool
}

func newRecurring(s Scheduler) *recurring {
	if s == nil {
		s = TimerScheduler{}
	}
	return &recurring{sched: s}
}

// rearm replaces the pending task with fn after d. No-op once stopped.
func (r *recurring) rearm(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = r.sched.Schedule(d, fn)
}

// stop cancels the pending task and refuses further rearms.
func (r *recurring) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
