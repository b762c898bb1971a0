// Package dispatch delivers closed windows to the collection endpoint from a
// small worker pool and redirects undeliverable payloads to the offline
// queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
	"github.com/fakeyudi/codetime/internal/offline"
	"github.com/fakeyudi/codetime/internal/prompt"
	"github.com/fakeyudi/codetime/internal/transport"
)

const (
	// DataPath is the single-window delivery endpoint.
	DataPath = "/data"

	// DiscoveryMessage is shown once per failure episode when the endpoint
	// cannot be reached.
	DiscoveryMessage = "We are having trouble sending data to Code Time. Please make sure the local delivery agent is installed and running."
	// UpdateMessage is shown when a newer release is published.
	UpdateMessage = "A new version of codetime (%s) is available."
)

// CredentialSource yields the session credential for a delivery.
type CredentialSource interface {
	Credential() (credential string, ok bool)
}

// AuthNotifier receives authentication signals observed while delivering.
type AuthNotifier interface {
	CredentialRejected()
	MarkDeactivated()
}

// Options configures a Dispatcher.
type Options struct {
	Client      transport.Doer
	Credentials CredentialSource
	Auth        AuthNotifier
	Offline     offline.Queue
	Prompter    prompt.Prompter
	// Updates is probed at most once per failure episode. Optional.
	Updates UpdateChecker
	// Workers defaults to 1.
	Workers int
	Version string
	// Registerer receives the dispatch metrics. A private registry is used
	// when nil.
	Registerer prometheus.Registerer
	Logger     *logrus.Entry
}

// Dispatcher is an unbounded FIFO of closed windows drained by workers.
type Dispatcher struct {
	opts    Options
	logger  *logrus.Entry
	metrics *dispatchMetrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*metrics.Window
	closed  bool
	started bool
	workers sync.WaitGroup

	// warned and probed are the once-per-episode flags; a successful
	// delivery ends the episode.
	warned prompt.Flag
	probed prompt.Flag

	strikeMu       sync.Mutex
	strikes        int
	strikeIdentity string
}

// New returns a Dispatcher. Call Start to launch the workers.
func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("dispatch")
	}
	if opts.Prompter == nil {
		opts.Prompter = prompt.NewLog(logger)
	}
	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	d := &Dispatcher{
		opts:    opts,
		logger:  logger,
		metrics: newDispatchMetrics(registerer),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Enqueue queues a closed window for delivery. Windows without data and
// windows arriving after Close are refused. Enqueue never blocks on
// delivery.
func (d *Dispatcher) Enqueue(w *metrics.Window) bool {
	if !w.HasData() {
		d.metrics.windowsTotal.WithLabelValues(outcomeEmpty).Inc()
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.WithField("project", w.Project.Key()).Warn("Window arrived after shutdown; dropping")
		return false
	}
	d.queue = append(d.queue, w)
	d.metrics.queueDepth.Set(float64(len(d.queue)))
	d.cond.Signal()
	return true
}

// Start launches the workers. Deliveries use ctx; cancel it only after
// Close returns so the final drain can still reach the endpoint.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.workers.Add(1)
		go d.work(ctx)
	}
}

// Close stops accepting windows and blocks until every queued window was
// delivered or buffered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	started := d.started
	d.cond.Broadcast()
	d.mu.Unlock()

	if !started {
		// Nobody will pop the queue; drain it here.
		for {
			w, ok := d.next()
			if !ok {
				break
			}
			d.deliver(context.Background(), w)
		}
	}
	d.workers.Wait()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Pending returns the number of queued windows.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.workers.Done()
	for {
		w, ok := d.next()
		if !ok {
			return
		}
		d.deliver(ctx, w)
	}
}

// next pops the oldest window, waiting while the queue is empty and open.
func (d *Dispatcher) next() (*metrics.Window, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return nil, false
	}
	w := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.metrics.queueDepth.Set(float64(len(d.queue)))
	return w, true
}

func (d *Dispatcher) deliver(ctx context.Context, w *metrics.Window) {
	logger := d.logger.WithField("project", w.Project.Key())

	body, err := json.Marshal(w.Payload(d.opts.Version))
	if err != nil {
		logger.WithError(err).Error("Could not encode window")
		d.metrics.windowsTotal.WithLabelValues(outcomeEncodeError).Inc()
		return
	}

	credential, ok := d.opts.Credentials.Credential()
	if !ok {
		logger.Debug("No session credential; buffering window")
		d.buffer(ctx, logger, body)
		return
	}

	resp, err := d.opts.Client.Do(ctx, http.MethodPost, DataPath, body, credential)
	switch outcome := transport.Classify(resp, err); outcome {
	case transport.OutcomeOK:
		d.warned.Reset()
		d.probed.Reset()
		d.resetStrikes()
		d.metrics.windowsTotal.WithLabelValues(outcomeDelivered).Inc()
		logger.WithField("bytes", len(body)).Debug("Delivered window")

	case transport.OutcomeUnavailable:
		logger.WithError(err).Warn("Collection endpoint unreachable; buffering window")
		d.buffer(ctx, logger, body)
		d.unavailable(ctx)

	case transport.OutcomeUnauthorized:
		first := d.strike(credential) == 1
		if d.opts.Auth != nil && first {
			d.opts.Auth.CredentialRejected()
		}
		switch {
		case first && !d.isClosed():
			logger.Info("Session credential rejected; deferring to authentication")
			d.metrics.windowsTotal.WithLabelValues(outcomeDeferred).Inc()
		case first:
			// No recovery cycle runs after shutdown; keep the window.
			logger.Warn("Session credential rejected while shutting down; buffering window")
			d.buffer(ctx, logger, body)
		default:
			logger.Warn("Session credential rejected again; buffering window")
			d.buffer(ctx, logger, body)
		}

	case transport.OutcomeDeactivated:
		logger.Warn("Account deactivated; dropping window")
		d.metrics.windowsTotal.WithLabelValues(outcomeDropped).Inc()
		if d.opts.Auth != nil {
			d.opts.Auth.MarkDeactivated()
		}

	case transport.OutcomeDisabled:
		d.metrics.windowsTotal.WithLabelValues(outcomeDisabled).Inc()

	default:
		logger.WithField("status", resp.StatusCode).Warn("Window rejected by endpoint; buffering")
		d.buffer(ctx, logger, body)
	}
}

func (d *Dispatcher) buffer(ctx context.Context, logger *logrus.Entry, body []byte) {
	if d.opts.Offline == nil {
		d.metrics.windowsTotal.WithLabelValues(outcomeBufferError).Inc()
		logger.Error("No offline queue configured; window lost")
		return
	}
	// The payload must land on disk even when ctx is already cancelled.
	if err := d.opts.Offline.Append(context.WithoutCancel(ctx), body); err != nil {
		d.metrics.windowsTotal.WithLabelValues(outcomeBufferError).Inc()
		logger.WithError(err).Error("Could not buffer window offline")
		return
	}
	d.metrics.windowsTotal.WithLabelValues(outcomeBuffered).Inc()
}

// unavailable surfaces the discovery prompt and probes for updates, each at
// most once per failure episode.
func (d *Dispatcher) unavailable(ctx context.Context) {
	if d.warned.Set() {
		d.opts.Prompter.Message(DiscoveryMessage)
	}
	if d.opts.Updates == nil || !d.probed.Set() {
		return
	}
	latest, newer, err := d.opts.Updates.Check(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("Update probe failed")
		return
	}
	if newer {
		d.opts.Prompter.Message(fmt.Sprintf(UpdateMessage, latest))
	}
}

// strike counts consecutive rejections of the same credential and returns
// the new count. A different credential starts a fresh count.
func (d *Dispatcher) strike(credential string) int {
	d.strikeMu.Lock()
	defer d.strikeMu.Unlock()
	if credential != d.strikeIdentity {
		d.strikeIdentity = credential
		d.strikes = 0
	}
	d.strikes++
	return d.strikes
}

func (d *Dispatcher) resetStrikes() {
	d.strikeMu.Lock()
	defer d.strikeMu.Unlock()
	d.strikes = 0
	d.strikeIdentity = ""
}
