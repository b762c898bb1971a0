// Package schedule runs named, cancellable, one-shot timers that callbacks may
// re-arm. Every background timer in codetime goes through a Scheduler so a
// single Stop call guarantees nothing keeps firing after shutdown.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
)

// Func is the body of a scheduled task. ctx is cancelled when the scheduler
// stops.
type Func func(ctx context.Context)

// Scheduler owns a set of named tasks. Scheduling a name that is already
// pending replaces the pending task.
type Scheduler struct {
	clock  quartz.Clock
	logger *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*Task
	stopped bool
	running sync.WaitGroup
}

// Task is a handle to a single scheduled run.
type Task struct {
	s     *Scheduler
	name  string
	fn    Func
	timer *quartz.Timer
}

// New creates a Scheduler driven by clock.
func New(clock quartz.Clock, logger *logrus.Entry) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() quartz.Clock {
	return s.clock
}

// Schedule runs fn once after d under the given name. A pending task with the
// same name is cancelled first. After Stop, Schedule returns an inert task.
func (s *Scheduler) Schedule(name string, d time.Duration, fn Func) *Task {
	if d < 0 {
		d = 0
	}
	t := &Task{s: s, name: name, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return t
	}
	if prev, ok := s.tasks[name]; ok {
		prev.timer.Stop()
	}
	s.tasks[name] = t
	t.timer = s.clock.AfterFunc(d, func() { s.fire(t) }, "schedule", name)
	if s.logger != nil {
		s.logger.WithField("task", name).WithField("in", d).Debug("Scheduled task")
	}
	return t
}

func (s *Scheduler) fire(t *Task) {
	s.mu.Lock()
	if s.stopped || s.tasks[t.name] != t {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, t.name)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	t.fn(s.ctx)
}

// Pending reports whether a task with the given name is waiting to fire.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Cancel cancels the pending task with the given name, if any.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.timer.Stop()
		delete(s.tasks, name)
	}
}

// Stop cancels every pending task, cancels the context handed to running
// tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.running.Wait()
		return
	}
	s.stopped = true
	for name, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Reschedule arms the task's function again under the same name, replacing
// whatever is pending for that name.
func (t *Task) Reschedule(d time.Duration) *Task {
	return t.s.Schedule(t.name, d, t.fn)
}

// Cancel stops the task if it has not fired yet. It is a no-op for tasks
// that already ran or were replaced.
func (t *Task) Cancel() {
	if t == nil || t.timer == nil {
		return
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.name] == t {
		t.timer.Stop()
		delete(s.tasks, t.name)
	}
}
