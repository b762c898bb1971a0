package metrics_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
	"github.com/fakeyudi/codetime/internal/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type closedWindows struct {
	mu      sync.Mutex
	windows []*metrics.Window
}

func (c *closedWindows) add(w *metrics.Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, w)
}

func (c *closedWindows) list() []*metrics.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*metrics.Window(nil), c.windows...)
}

func newTestStore(t *testing.T, clock quartz.Clock) (*metrics.Store, *closedWindows) {
	t.Helper()
	sched := schedule.New(clock, logging.Discard())
	t.Cleanup(sched.Stop)
	closed := &closedWindows{}
	store := metrics.NewStore(metrics.StoreOptions{
		Duration:  time.Minute,
		Scheduler: sched,
		Clock:     clock,
		OnClose:   closed.add,
		Logger:    logging.Discard(),
	})
	return store, closed
}

var api = metrics.ProjectFromFolder("/src/api", "")

func counters(t *testing.T, s *metrics.Store, p metrics.Project, file string) metrics.FileCounters {
	t.Helper()
	w, ok := s.Active(p.Key())
	require.True(t, ok, "no active window for %s", p.Key())
	c, ok := w.Source[file]
	require.True(t, ok, "no counters for %s", file)
	return *c
}

func TestOpenThenFirstModifyIsKeystroke(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))

	s.RecordOpen(api, "a.py", 0)
	s.RecordEvent(api, "a.py", metrics.EventModified, 5)

	c := counters(t, s, api, "a.py")
	assert.Equal(t, int64(1), c.Open)
	assert.Equal(t, int64(1), c.Keys)
	assert.Equal(t, int64(5), c.Length)
	assert.Zero(t, c.Paste)

	w, _ := s.Active(api.Key())
	assert.Equal(t, int64(1), w.Modifications)
}

func TestLargeGrowthIsPaste(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))

	s.RecordEvent(api, "b.go", metrics.EventModified, 10)
	s.RecordEvent(api, "b.go", metrics.EventModified, 40)

	c := counters(t, s, api, "b.go")
	assert.Equal(t, int64(30), c.Paste)
	assert.Equal(t, int64(1), c.Keys)
	assert.Equal(t, int64(40), c.Length)
}

func TestShrinkIsDelete(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))

	s.RecordEvent(api, "c.go", metrics.EventModified, 40)
	s.RecordEvent(api, "c.go", metrics.EventModified, 38)

	c := counters(t, s, api, "c.go")
	assert.Equal(t, int64(1), c.Delete)
	assert.Equal(t, int64(38), c.Length)
}

func TestEmptyFileNameIsIgnored(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))

	s.RecordEvent(api, "", metrics.EventModified, 3)
	s.RecordOpen(api, "", 3)

	assert.Equal(t, 0, s.Len())
}

func TestNoProjectUsesSentinelKey(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))

	s.RecordOpen(metrics.Project{}, "scratch.txt", 1)

	_, ok := s.Active(metrics.NoProject)
	assert.True(t, ok)
}

func TestProjectsHaveSeparateWindows(t *testing.T) {
	s, _ := newTestStore(t, quartz.NewMock(t))
	web := metrics.ProjectFromFolder("/src/web", "frontend")

	s.RecordOpen(api, "main.go", 10)
	s.RecordOpen(web, "index.ts", 10)

	assert.Equal(t, 2, s.Len())
	w, ok := s.Active(web.Key())
	require.True(t, ok)
	assert.Equal(t, "frontend", w.Project.Name)
	assert.NotContains(t, w.Source, "main.go")
}

// Feature: codetime, Property 2: Counters follow the size-delta classification
func TestClassificationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, _ := newTestStore(t, quartz.NewMock(t))

		sizes := rapid.SliceOfN(rapid.Int64Range(0, 500), 1, 40).Draw(rt, "sizes")

		var want metrics.FileCounters
		var wantMods int64
		for _, size := range sizes {
			var diff int64
			if want.Length > 0 {
				diff = size - want.Length
			}
			switch {
			case diff > 1:
				want.Paste += diff
			case diff < 0:
				want.Delete++
			default:
				want.Keys++
				wantMods++
			}
			want.Length = size
			s.RecordEvent(api, "f.go", metrics.EventModified, size)
		}

		w, ok := s.Active(api.Key())
		if !ok {
			rt.Fatalf("window missing")
		}
		got := *w.Source["f.go"]
		if got != want {
			rt.Fatalf("counters = %+v, want %+v", got, want)
		}
		if w.Modifications != wantMods {
			rt.Fatalf("modifications = %d, want %d", w.Modifications, wantMods)
		}
		if !w.HasData() {
			rt.Fatalf("window with events reports no data")
		}
	})
}

func TestScheduledFlushAfterDurationPlusOneSecond(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mClock := quartz.NewMock(t)
	s, closed := newTestStore(t, mClock)

	s.RecordOpen(api, "main.go", 10)

	d, w := mClock.AdvanceNext()
	w.MustWait(ctx)
	assert.Equal(t, 61*time.Second, d)

	got := closed.list()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Source["main.go"].Open)
	assert.Equal(t, 0, s.Len())

	// The next event opens a fresh window.
	s.RecordOpen(api, "main.go", 10)
	fresh, ok := s.Active(api.Key())
	require.True(t, ok)
	assert.Equal(t, mClock.Now(), fresh.Start)
	assert.Equal(t, mClock.Now().Add(time.Minute), fresh.End)
}

func TestExpiredWindowRotatesOnNextEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mClock := quartz.NewMock(t)
	s, closed := newTestStore(t, mClock)

	s.RecordEvent(api, "a.go", metrics.EventModified, 1)
	mClock.Advance(60*time.Second + 500*time.Millisecond).MustWait(ctx)
	require.Empty(t, closed.list())

	s.RecordEvent(api, "a.go", metrics.EventModified, 2)

	got := closed.list()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Source["a.go"].Keys)

	cur := counters(t, s, api, "a.go")
	assert.Equal(t, int64(1), cur.Keys)

	// The old window's flush was replaced by the new window's.
	d, w := mClock.AdvanceNext()
	w.MustWait(ctx)
	assert.Equal(t, 61*time.Second, d)
	require.Len(t, closed.list(), 2)
}

// Feature: codetime, Property 3: Concurrent rotation creates exactly one window
func TestConcurrentRotationCreatesOneWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mClock := quartz.NewMock(t)
	s, closed := newTestStore(t, mClock)

	s.RecordOpen(api, "a.go", 1)
	mClock.Advance(60*time.Second + 500*time.Millisecond).MustWait(ctx)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.RecordOpen(api, "a.go", 1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, closed.list(), 1)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(16), counters(t, s, api, "a.go").Open)
}

func TestFlushAllClosesEveryWindow(t *testing.T) {
	mClock := quartz.NewMock(t)
	s, closed := newTestStore(t, mClock)

	s.RecordOpen(api, "a.go", 1)
	s.RecordOpen(metrics.Project{}, "b.txt", 1)
	s.FlushAll()

	assert.Len(t, closed.list(), 2)
	assert.Equal(t, 0, s.Len())

	s.RecordOpen(api, "a.go", 1)
	assert.Equal(t, 0, s.Len())

	// Timers were cancelled; nothing fires later.
	mClock.Advance(time.Hour)
	assert.Len(t, closed.list(), 2)
}

func TestHasData(t *testing.T) {
	empty := &metrics.Window{Source: map[string]*metrics.FileCounters{"a.go": {Length: 12}}}
	assert.False(t, empty.HasData())

	var nilWindow *metrics.Window
	assert.False(t, nilWindow.HasData())

	closedOnly := &metrics.Window{Source: map[string]*metrics.FileCounters{"a.go": {Close: 1}}}
	assert.True(t, closedOnly.HasData())
}

func TestPayloadWireFormat(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w := &metrics.Window{
		Project:       api,
		Start:         start,
		End:           start.Add(time.Minute),
		Source:        map[string]*metrics.FileCounters{"a.go": {Keys: 2, Length: 7}},
		Modifications: 2,
	}

	raw, err := json.Marshal(w.Payload("1.2.3"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"source": {"a.go": {"keys":2,"paste":0,"delete":0,"open":0,"close":0,"length":7}},
		"type": "Events",
		"data": 2,
		"start": 1709294400,
		"end": 1709294460,
		"project": {"directory":"/src/api","name":"api"},
		"pluginId": 1,
		"version": "1.2.3"
	}`, string(raw))

	w.Project = metrics.Project{}
	raw, err = json.Marshal(w.Payload("1.2.3"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Nil(t, decoded["project"])
}

func TestParseEventKind(t *testing.T) {
	k, ok := metrics.ParseEventKind("open")
	assert.True(t, ok)
	assert.Equal(t, metrics.EventOpen, k)
	assert.Equal(t, "open", k.String())

	_, ok = metrics.ParseEventKind("rename")
	assert.False(t, ok)
}
