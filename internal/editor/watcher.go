package editor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
)

// IgnoreFile holds project-specific ignore patterns next to .gitignore.
const IgnoreFile = ".codetimeignore"

// alwaysIgnored directories are never watched.
var alwaysIgnored = []string{".git", ".hg", ".svn", "node_modules"}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Dir string
	// Project defaults to the project named after Dir.
	Project        metrics.Project
	IgnorePatterns []string
	Logger         *logrus.Entry
}

// Watcher reports file activity under a directory tree as editor events.
// Create maps to open, Write to modified and Remove or Rename to close.
type Watcher struct {
	dir      string
	project  metrics.Project
	patterns []string
	fs       *fsnotify.Watcher
	logger   *logrus.Entry
}

// NewWatcher registers a watch on every directory under opts.Dir. Files
// created before Run is called are picked up once Run starts reading.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving watch directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("editor")
	}
	project := opts.Project
	if project.Directory == "" {
		project = metrics.ProjectFromFolder(abs, "")
	}

	patterns, err := loadIgnorePatterns(abs, opts.IgnorePatterns)
	if err != nil {
		// Non-fatal: continue with configured patterns only.
		logger.WithError(err).Warn("Could not load ignore patterns")
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		dir:      abs,
		project:  project,
		patterns: patterns,
		fs:       fs,
		logger:   logger.WithField("dir", abs),
	}
	if err := w.addTree(abs); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches root and every directory below it that is not ignored.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.isIgnored(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Run emits events to out until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			ev, ok := w.translate(event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are non-fatal; continue watching.
			w.logger.WithError(err).Warn("File watcher error")
		}
	}
}

// translate maps an fsnotify event to an editor event. New directories are
// added to the watch and produce no event.
func (w *Watcher) translate(event fsnotify.Event) (Event, bool) {
	if w.isIgnored(event.Name) {
		return Event{}, false
	}
	ev := Event{File: event.Name, Project: w.project}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return Event{}, false
		}
		if info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.WithError(err).Warn("Could not watch new directory")
			}
			return Event{}, false
		}
		ev.Kind = metrics.EventOpen
		ev.Size = info.Size()

	case event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return Event{}, false
		}
		ev.Kind = metrics.EventModified
		ev.Size = info.Size()

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		ev.Kind = metrics.EventClose

	default:
		return Event{}, false
	}
	return ev, true
}

// isIgnored reports whether path matches any ignore pattern by base name,
// path relative to the watched directory, or full path.
func (w *Watcher) isIgnored(path string) bool {
	base := filepath.Base(path)
	rel := path
	if r, err := filepath.Rel(w.dir, path); err == nil {
		rel = r
	}
	for _, name := range alwaysIgnored {
		if base == name || strings.HasPrefix(rel, name+string(filepath.Separator)) {
			return true
		}
	}
	for _, pattern := range w.patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, rel); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
	}
	return false
}

// loadIgnorePatterns merges the configured patterns with those from
// .gitignore and .codetimeignore in dir.
func loadIgnorePatterns(dir string, configured []string) ([]string, error) {
	patterns := append([]string(nil), configured...)
	for _, name := range []string{".gitignore", IgnoreFile} {
		extra, err := readPatternFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return patterns, err
		}
		patterns = append(patterns, extra...)
	}
	return patterns, nil
}

// readPatternFile returns the non-empty, non-comment lines of a
// gitignore-style file. Negations are not supported and are dropped.
func readPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, strings.TrimPrefix(line, "/"))
	}
	return patterns, scanner.Err()
}
