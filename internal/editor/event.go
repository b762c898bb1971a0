// Package editor turns editor activity into events for the window store.
//
// Events come either from a recursive fsnotify watcher on a workspace
// directory or from an editor plugin writing one JSON object per line.
package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
)

// maxLineSize bounds a single NDJSON event line.
const maxLineSize = 1 << 20

// Event is one editor action on a file.
type Event struct {
	Kind    metrics.EventKind
	File    string
	Size    int64
	Project metrics.Project
}

// wireEvent is the NDJSON shape accepted by ReadEvents.
type wireEvent struct {
	Kind        string `json:"kind"`
	File        string `json:"file"`
	Size        int64  `json:"size"`
	Folder      string `json:"folder"`
	ProjectName string `json:"project_name"`
}

// Recorder is the subset of the window store an event is applied to.
type Recorder interface {
	RecordEvent(p metrics.Project, file string, kind metrics.EventKind, size int64)
}

// Apply routes ev to the store.
func Apply(store Recorder, ev Event) {
	store.RecordEvent(ev.Project, ev.File, ev.Kind, ev.Size)
}

// ReadEvents decodes newline-delimited JSON events from r and sends them to
// out until r is exhausted or ctx is done. Malformed lines are logged and
// skipped. A read blocked on r is not interrupted by ctx.
func ReadEvents(ctx context.Context, r io.Reader, out chan<- Event) error {
	logger := logging.NewLogger("editor")

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			logger.WithError(err).WithField("line", line).Warn("Skipping malformed event")
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading editor events: %w", err)
	}
	return nil
}

func decodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, err
	}
	kind, ok := metrics.ParseEventKind(w.Kind)
	if !ok {
		return Event{}, fmt.Errorf("unknown event kind %q", w.Kind)
	}
	if w.File == "" {
		return Event{}, fmt.Errorf("event has no file")
	}
	return Event{
		Kind:    kind,
		File:    w.File,
		Size:    w.Size,
		Project: metrics.ProjectFromFolder(w.Folder, w.ProjectName),
	}, nil
}
