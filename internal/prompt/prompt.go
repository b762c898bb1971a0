// Package prompt surfaces the few decisions codetime needs from the user: a
// yes/no confirmation before any login flow, one-off messages and a passive
// status line.
package prompt

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/charmbracelet/x/term"
	"github.com/sirupsen/logrus"
)

// Prompter is implemented by every user-facing surface.
type Prompter interface {
	// Confirm asks the user to approve action. It returns true only on an
	// explicit yes.
	Confirm(ctx context.Context, msg, action string) bool
	// Message shows a one-off notice.
	Message(msg string)
	// Status replaces the passive status line.
	Status(msg string)
}

// Detect returns a Terminal prompter when stdin is interactive and a Log
// prompter otherwise.
func Detect(logger *logrus.Entry) Prompter {
	if term.IsTerminal(os.Stdin.Fd()) {
		return NewTerminal(os.Stdin, os.Stderr)
	}
	return NewLog(logger)
}

// Flag records whether a prompt was already shown in the current episode.
type Flag struct {
	set atomic.Bool
}

// Set marks the flag. It returns true only for the call that changed it.
func (f *Flag) Set() bool {
	return f.set.CompareAndSwap(false, true)
}

// Reset clears the flag, starting a new episode.
func (f *Flag) Reset() {
	f.set.Store(false)
}

// IsSet reports whether the flag is set.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
