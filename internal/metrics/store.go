package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/schedule"
)

// DefaultDuration is the length of an aggregation window.
const DefaultDuration = 60 * time.Second

// flushSkew delays the scheduled flush past the window end so a concurrent
// event at the boundary rotates the window first.
const flushSkew = time.Second

// StoreOptions configures a Store.
type StoreOptions struct {
	Duration time.Duration
	// Scheduler runs the per-window flush timers. When nil the store creates
	// one on Clock and stops it in FlushAll.
	Scheduler *schedule.Scheduler
	Clock     quartz.Clock
	// OnClose receives every window the store lets go of, with or without
	// data. It is never called with the store lock held.
	OnClose func(*Window)
	Logger  *logrus.Entry
}

// Store holds the active window of every project.
type Store struct {
	duration  time.Duration
	clock     quartz.Clock
	sched     *schedule.Scheduler
	ownsSched bool
	onClose   func(*Window)
	logger    *logrus.Entry

	mu      sync.Mutex
	windows map[string]*Window
	closed  bool
}

// NewStore creates an empty Store.
func NewStore(opts StoreOptions) *Store {
	d := opts.Duration
	if d <= 0 {
		d = DefaultDuration
	}
	sched := opts.Scheduler
	ownsSched := false
	if sched == nil {
		sched = schedule.New(opts.Clock, opts.Logger)
		ownsSched = true
	}
	clock := opts.Clock
	if clock == nil {
		clock = sched.Clock()
	}
	onClose := opts.OnClose
	if onClose == nil {
		onClose = func(*Window) {}
	}
	return &Store{
		duration:  d,
		clock:     clock,
		sched:     sched,
		ownsSched: ownsSched,
		onClose:   onClose,
		logger:    opts.Logger,
		windows:   make(map[string]*Window),
	}
}

// RecordEvent applies one editor event to the project's active window.
// Events without a file name are ignored.
func (s *Store) RecordEvent(p Project, file string, kind EventKind, size int64) {
	if file == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	w, rotated := s.activeLocked(p)
	c := w.counters(file)
	switch kind {
	case EventOpen:
		c.Open++
	case EventClose:
		c.Close++
	default:
		var diff int64
		if c.Length > 0 {
			diff = size - c.Length
		}
		switch {
		case diff > 1:
			c.Paste += diff
		case diff < 0:
			c.Delete++
		default:
			c.Keys++
			w.Modifications++
		}
	}
	c.Length = size
	s.mu.Unlock()

	if rotated != nil {
		s.handOff(rotated, "rotated")
	}
}

// RecordOpen counts a file open.
func (s *Store) RecordOpen(p Project, file string, size int64) {
	s.RecordEvent(p, file, EventOpen, size)
}

// RecordClose counts a file close.
func (s *Store) RecordClose(p Project, file string, size int64) {
	s.RecordEvent(p, file, EventClose, size)
}

// activeLocked returns the project's active window, replacing an expired one.
// The replaced window is returned so the caller can hand it off after
// releasing the lock.
func (s *Store) activeLocked(p Project) (w, rotated *Window) {
	key := p.Key()
	now := s.clock.Now()
	if cur, ok := s.windows[key]; ok {
		if !cur.Expired(now) {
			return cur, nil
		}
		rotated = cur
	}

	w = newWindow(p, now, s.duration)
	s.windows[key] = w
	s.sched.Schedule(flushTaskName(key), s.duration+flushSkew, func(context.Context) {
		s.flush(key, w)
	})
	return w, rotated
}

func (s *Store) flush(key string, w *Window) {
	s.mu.Lock()
	if s.windows[key] != w {
		s.mu.Unlock()
		return
	}
	delete(s.windows, key)
	s.mu.Unlock()

	s.handOff(w, "timer")
}

func (s *Store) handOff(w *Window, reason string) {
	if s.logger != nil {
		s.logger.WithField("project", w.Project.Key()).
			WithField("files", len(w.Source)).
			WithField("reason", reason).
			Debug("Closing window")
	}
	s.onClose(w)
}

// FlushAll closes every active window and stops accepting events. It is
// used on shutdown.
func (s *Store) FlushAll() {
	s.mu.Lock()
	s.closed = true
	windows := s.windows
	s.windows = make(map[string]*Window)
	for key := range windows {
		s.sched.Cancel(flushTaskName(key))
	}
	s.mu.Unlock()

	if s.ownsSched {
		s.sched.Stop()
	}
	for _, w := range windows {
		s.handOff(w, "shutdown")
	}
}

// Active returns a copy of the project's active window.
func (s *Store) Active(key string) (*Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		return nil, false
	}
	return w.clone(), true
}

// Len returns the number of active windows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func flushTaskName(key string) string {
	return "window:" + key
}
