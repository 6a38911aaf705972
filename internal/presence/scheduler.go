package presence

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/keshon/lurker/pkg/jobmgr"
)

const joinJob = "join"

// Scheduler owns the single delayed join. It draws the delay and keeps
// the pending job registered in a jobmgr.Manager until the join callback
// returns, so Pending stays true while a join is being established.
type Scheduler struct {
	jobs     *jobmgr.Manager
	minDelay time.Duration
	maxDelay time.Duration
	rand     func() float64
}

// NewScheduler returns a scheduler drawing delays from [minDelay, maxDelay).
// Bounds are expected to be validated by the caller.
func NewScheduler(jobs *jobmgr.Manager, minDelay, maxDelay time.Duration) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		minDelay: minDelay,
		maxDelay: maxDelay,
		rand:     rand.Float64,
	}
}

// Delay draws floor(r*(max-min)+min) milliseconds, r uniform in [0,1).
func (s *Scheduler) Delay() time.Duration {
	lo := float64(s.minDelay.Milliseconds())
	hi := float64(s.maxDelay.Milliseconds())
	ms := math.Floor(s.rand()*(hi-lo) + lo)
	return time.Duration(ms) * time.Millisecond
}

// Arm registers fire to run after delay. It fails with
// jobmgr.ErrJobRunning if a join is already pending.
func (s *Scheduler) Arm(delay time.Duration, fire func(ctx context.Context) error) error {
	return s.jobs.StartAfter(joinJob, delay, fire)
}

// Cancel drops the pending join, if any, and reports whether one existed.
func (s *Scheduler) Cancel() bool {
	return s.jobs.Stop(joinJob) == nil
}

// Pending reports whether a join is scheduled or in flight.
func (s *Scheduler) Pending() bool {
	return s.jobs.Running(joinJob)
}
