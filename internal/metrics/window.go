// Package metrics aggregates editor events into fixed-duration windows, one
// active window per project.
package metrics

import (
	"path/filepath"
	"time"
)

// NoProject is the project key used when an event carries no project
// context.
const NoProject = "None"

// PluginID identifies this collector to the collection API.
const PluginID = 1

// EventKind is the kind of an editor event.
type EventKind int

const (
	EventModified EventKind = iota
	EventOpen
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	default:
		return "modified"
	}
}

// ParseEventKind maps "open", "close" and "modified" to an EventKind.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "open":
		return EventOpen, true
	case "close":
		return EventClose, true
	case "modified", "modify", "change":
		return EventModified, true
	default:
		return EventModified, false
	}
}

// FileCounters holds the per-file counters of one window.
type FileCounters struct {
	Keys   int64 `json:"keys"`
	Paste  int64 `json:"paste"`
	Delete int64 `json:"delete"`
	Open   int64 `json:"open"`
	Close  int64 `json:"close"`
	// Length is the last observed file size.
	Length int64 `json:"length"`
}

func (c *FileCounters) hasData() bool {
	return c.Close > 0 || c.Open > 0 || c.Paste > 0 || c.Delete > 0 || c.Keys > 0
}

// Project identifies the workspace a file belongs to.
type Project struct {
	Directory string `json:"directory"`
	Name      string `json:"name"`
}

// ProjectFromFolder builds a Project from a workspace folder. The name
// defaults to the folder's last path element.
func ProjectFromFolder(folder, name string) Project {
	if folder == "" {
		return Project{}
	}
	if name == "" {
		name = filepath.Base(filepath.Clean(folder))
	}
	return Project{Directory: folder, Name: name}
}

// Key returns the window store key for the project.
func (p Project) Key() string {
	if p.Directory == "" {
		return NoProject
	}
	return p.Directory
}

// Window is one project's aggregation period.
type Window struct {
	Project Project
	Start   time.Time
	End     time.Time
	Source  map[string]*FileCounters
	// Modifications counts modify events classified as keystrokes.
	Modifications int64
}

func newWindow(p Project, start time.Time, d time.Duration) *Window {
	return &Window{
		Project: p,
		Start:   start,
		End:     start.Add(d),
		Source:  make(map[string]*FileCounters),
	}
}

// HasData reports whether any file in the window has a non-zero counter.
func (w *Window) HasData() bool {
	if w == nil {
		return false
	}
	for _, c := range w.Source {
		if c.hasData() {
			return true
		}
	}
	return false
}

// Expired reports whether now is past the window's end.
func (w *Window) Expired(now time.Time) bool {
	return now.After(w.End)
}

func (w *Window) counters(file string) *FileCounters {
	c, ok := w.Source[file]
	if !ok {
		c = &FileCounters{}
		w.Source[file] = c
	}
	return c
}

func (w *Window) clone() *Window {
	cp := *w
	cp.Source = make(map[string]*FileCounters, len(w.Source))
	for name, c := range w.Source {
		counters := *c
		cp.Source[name] = &counters
	}
	return &cp
}

// Payload is the wire form of a closed window.
type Payload struct {
	Source   map[string]FileCounters `json:"source"`
	Type     string                  `json:"type"`
	Data     int64                   `json:"data"`
	Start    int64                   `json:"start"`
	End      int64                   `json:"end"`
	Project  *Project                `json:"project"`
	PluginID int                     `json:"pluginId"`
	Version  string                  `json:"version"`
}

// Payload converts the window for delivery. Windows without project context
// carry a null project.
func (w *Window) Payload(version string) Payload {
	source := make(map[string]FileCounters, len(w.Source))
	for name, c := range w.Source {
		source[name] = *c
	}
	var project *Project
	if w.Project.Directory != "" {
		p := w.Project
		project = &p
	}
	return Payload{
		Source:   source,
		Type:     "Events",
		Data:     w.Modifications,
		Start:    w.Start.Unix(),
		End:      w.End.Unix(),
		Project:  project,
		PluginID: PluginID,
		Version:  version,
	}
}
