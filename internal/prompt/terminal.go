package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	noticeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("178"))

	actionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)
)

// Terminal prompts on an interactive terminal.
type Terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer

	// One goroutine owns in; Confirm receives its lines.
	readOnce sync.Once
	lines    chan string
}

// NewTerminal returns a Terminal reading answers from in and writing to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

func (t *Terminal) readLines() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if line != "" {
			t.lines <- line
		}
		if err != nil {
			return
		}
	}
}

// Confirm prints msg and waits for a y/n answer. Anything but y or yes,
// including a cancelled ctx or a closed input, counts as no.
func (t *Terminal) Confirm(ctx context.Context, msg, action string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, noticeStyle.Render(msg))
	fmt.Fprintf(t.out, "  %s (y/n) [n]: ", actionStyle.Render(action))

	t.readOnce.Do(func() { go t.readLines() })

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return false
	case line, ok := <-t.lines:
		if !ok {
			return false
		}
		ans := strings.ToLower(strings.TrimSpace(line))
		return ans == "y" || ans == "yes"
	}
}

// Message prints a notice.
func (t *Terminal) Message(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, noticeStyle.Render(msg))
}

// Status prints the status line.
func (t *Terminal) Status(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, statusStyle.Render(msg))
}

// Log is the prompter for non-interactive runs. It never confirms anything.
type Log struct {
	logger *logrus.Entry
}

// NewLog returns a Log prompter.
func NewLog(logger *logrus.Entry) *Log {
	return &Log{logger: logger}
}

func (l *Log) Confirm(_ context.Context, msg, action string) bool {
	l.logger.WithField("action", action).Warn(msg)
	return false
}

func (l *Log) Message(msg string) {
	l.logger.Info(msg)
}

func (l *Log) Status(msg string) {
	l.logger.Debug(msg)
}
