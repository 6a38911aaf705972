// Package jobmgr runs named background jobs with cancellation, status
// callbacks and in-memory tracking of what is currently running.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(func(msg string) {
//	    log.Println("JOB:", msg)
//	})
//
//	err := jm.StartAfter("join", 1500*time.Millisecond, func(ctx context.Context) error {
//	    // runs once the delay elapses, unless stopped first
//	    return nil
//	})
//
//	// later...
//	_ = jm.Stop("join")
//
// A name is held by at most one job at a time. A job keeps its name from
// the moment it is started until its runner returns, including the delay.
package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrJobRunning    = errors.New("job is already running")
	ErrJobNotRunning = errors.New("job is not running")
)

// Job represents a scheduled or running unit of work.
// Jobs are added and removed by Manager automatically.
type Job struct {
	Name    string
	Cancel  context.CancelFunc
	Started time.Time
	Delay   time.Duration
}

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	scheduled:join
//	running:join
//	cancelled:join
//	error:join:failed to connect
//	done:join
type StatusReporter func(string)

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	Reporter StatusReporter
}

// NewManager creates a new Manager.
// The reporter callback may be nil.
func NewManager(reporter StatusReporter) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// StartAfter registers a job under name and runs it in a separate
// goroutine once delay has elapsed. Stopping the job during the delay
// means the runner never executes.
// If a job with the same name is already registered, ErrJobRunning is returned.
func (m *Manager) StartAfter(name string, delay time.Duration, runner func(ctx context.Context) error) error {
	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("job '%s': %w", name, ErrJobRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{Name: name, Cancel: cancel, Started: time.Now(), Delay: delay}
	m.jobs[name] = job
	m.mu.Unlock()

	m.report("scheduled:" + name)

	go func() {
		defer m.release(job)

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				m.report("cancelled:" + name)
				return
			case <-t.C:
			}
		}

		if ctx.Err() != nil {
			m.report("cancelled:" + name)
			return
		}

		m.report("running:" + name)
		if err := runner(ctx); err != nil {
			m.report("error:" + name + ":" + err.Error())
			return
		}
		m.report("done:" + name)
	}()

	return nil
}

// Stop cancels a job by name and frees the name immediately.
// A runner that is already executing sees its context cancelled.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[name]
	if !ok {
		return fmt.Errorf("job '%s': %w", name, ErrJobNotRunning)
	}

	job.Cancel()
	delete(m.jobs, name)
	return nil
}

// Running reports whether a job currently holds name.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	return ok
}

// List returns the sorted list of active job names.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status returns a human-readable summary of active jobs.
// Example:
//
//	"Running jobs: join"
//
// If none are running: "No jobs are running."
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

// StopAll cancels every registered job.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, job := range m.jobs {
		job.Cancel()
		delete(m.jobs, name)
	}
}

// release drops job from the registry unless the name was already
// handed to a newer job.
func (m *Manager) release(job *Job) {
	job.Cancel()
	m.mu.Lock()
	if cur, ok := m.jobs[job.Name]; ok && cur == job {
		delete(m.jobs, job.Name)
	}
	m.mu.Unlock()
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
