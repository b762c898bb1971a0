// Package logging provides per-component structured loggers backed by logrus.
//
// Loggers share one underlying logrus.Logger configured by Init. Components
// obtain an entry tagged with their name through NewLogger; calling NewLogger
// before Init is allowed and yields a logger with default settings.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	base      = newBase()
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	fileSink  io.Closer
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		l.SetOutput(io.Discard)
	} else {
		l.SetOutput(os.Stderr)
	}
	return l
}

// Init configures the shared logger. It may be called more than once; the
// previous file sink is closed when a new one replaces it.
func Init(opts Options) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	levelStr := "info"
	if env := os.Getenv("CODETIME_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if opts.Level != "" {
		levelStr = opts.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&TextFormatter{})
	}

	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}

	if opts.Disabled {
		base.SetOutput(io.Discard)
		return
	}

	var writers []io.Writer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err == nil {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(opts.Dir, "codetime.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
			fileSink = lj
			writers = append(writers, lj)
		}
	}

	// Structured logs go to stderr when nobody is watching the terminal or
	// when debugging.
	interactive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if opts.Stderr || level >= logrus.DebugLevel || !interactive {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		base.SetOutput(io.Discard)
	case 1:
		base.SetOutput(writers[0])
	default:
		base.SetOutput(io.MultiWriter(writers...))
	}
}

// NewLogger returns the logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	entry := base.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Discard returns an entry that drops everything. Used by tests and by
// callers that were not handed a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Close flushes and closes the file sink, if any. Later log lines are
// dropped until the next Init.
func Close() error {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if fileSink == nil {
		return nil
	}
	base.SetOutput(io.Discard)
	err := fileSink.Close()
	fileSink = nil
	return err
}
