// Package agent owns every codetime component for the lifetime of one
// process and sequences startup and shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/codetime/internal/auth"
	"github.com/fakeyudi/codetime/internal/config"
	"github.com/fakeyudi/codetime/internal/dispatch"
	"github.com/fakeyudi/codetime/internal/editor"
	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
	"github.com/fakeyudi/codetime/internal/offline"
	"github.com/fakeyudi/codetime/internal/prompt"
	"github.com/fakeyudi/codetime/internal/schedule"
	"github.com/fakeyudi/codetime/internal/session"
	"github.com/fakeyudi/codetime/internal/summary"
	"github.com/fakeyudi/codetime/internal/transport"
)

const (
	replayTask  = "offline.replay"
	summaryTask = "summary.refresh"

	// ReplayInterval is the period of the background offline replay.
	ReplayInterval = 30 * time.Minute
	// SummaryInterval is the period of the status line refresh.
	SummaryInterval = 60 * time.Second

	// replayDelay coalesces replay triggers from several closing windows.
	replayDelay = time.Second

	metricsShutdownTimeout = 5 * time.Second
)

// Options carries the dependencies New does not build from the config.
// Every field is optional.
type Options struct {
	Clock    quartz.Clock
	Prompter prompt.Prompter
	Opener   auth.URLOpener
	// HTTPClient is used for the collection endpoint and the update probe.
	HTTPClient *http.Client
	// Registry receives the codetime metrics. A fresh registry with the Go
	// and process collectors is created when nil.
	Registry *prometheus.Registry
	Version  string
	Logger   *logrus.Entry
}

// Agent is the top-level context: it wires the window store to the
// dispatcher, the dispatcher and replayer to the offline queue and all of
// them to the auth machine.
type Agent struct {
	cfg      config.Config
	version  string
	logger   *logrus.Entry
	sched    *schedule.Scheduler
	prompter prompt.Prompter
	registry *prometheus.Registry

	session    *session.Store
	client     *transport.Client
	auth       *auth.Machine
	queue      offline.Queue
	replayer   *offline.Replayer
	dispatcher *dispatch.Dispatcher
	store      *metrics.Store

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	shutdownOnce sync.Once
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg config.Config, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("agent")
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	p := opts.Prompter
	if p == nil {
		p = prompt.Detect(logger)
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	sessions, err := session.NewStore(cfg.DataDir, logging.NewLogger("session"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	queue, err := offline.Open(cfg.Offline())
	if err != nil {
		return nil, fmt.Errorf("opening offline queue: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		version:  version,
		logger:   logger,
		sched:    schedule.New(clock, logging.NewLogger("schedule")),
		prompter: p,
		registry: registry,
		session:  sessions,
		queue:    queue,
	}
	a.dispatchCtx, a.dispatchCancel = context.WithCancel(context.Background())

	a.client = transport.New(transport.Options{
		Endpoint:    cfg.APIEndpoint,
		HTTPClient:  opts.HTTPClient,
		UserAgent:   "codetime/" + version,
		TelemetryOn: cfg.Telemetry(),
		Logger:      logging.NewLogger("transport"),
	})

	a.auth = auth.New(auth.Options{
		Store:           sessions,
		Client:          a.client,
		Prompter:        p,
		Opener:          opts.Opener,
		Scheduler:       a.sched,
		DashboardURL:    cfg.DashboardURL,
		Logger:          logging.NewLogger("auth"),
		OnAuthenticated: a.triggerReplay,
	})

	a.replayer = offline.NewReplayer(offline.ReplayerOptions{
		Queue:          queue,
		Client:         a.client,
		Credentials:    a.auth,
		OnDeactivated:  a.auth.MarkDeactivated,
		OnUnauthorized: a.auth.CredentialRejected,
		Logger:         logging.NewLogger("offline"),
	})

	var updates dispatch.UpdateChecker
	if cfg.UpdateManifestURL != "" {
		updates = &dispatch.HTTPUpdateChecker{URL: cfg.UpdateManifestURL, Current: version, Client: opts.HTTPClient}
	}
	a.dispatcher = dispatch.New(dispatch.Options{
		Client:      a.client,
		Credentials: a.auth,
		Auth:        a.auth,
		Offline:     queue,
		Prompter:    p,
		Updates:     updates,
		Workers:     cfg.Workers,
		Version:     version,
		Registerer:  registry,
		Logger:      logging.NewLogger("dispatch"),
	})

	a.store = metrics.NewStore(metrics.StoreOptions{
		Duration:  cfg.Window(),
		Scheduler: a.sched,
		OnClose:   a.windowClosed,
		Logger:    logging.NewLogger("metrics"),
	})

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "codetime",
		Subsystem: "offline",
		Name:      "backlog",
		Help:      "Windows waiting in the offline queue.",
	}, func() float64 {
		n, err := queue.Len(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}))
	return a, nil
}

// Record feeds one editor event into the window store. It never waits on
// the network.
func (a *Agent) Record(ev editor.Event) {
	editor.Apply(a.store, ev)
}

// Run starts authentication, the dispatch workers, the replay and summary
// timers and, when configured, the metrics endpoint. It returns after ctx
// is done and Shutdown completed.
func (a *Agent) Run(ctx context.Context) error {
	a.auth.Start(ctx)
	a.dispatcher.Start(a.dispatchCtx)
	a.sched.Schedule(replayTask, ReplayInterval, a.replayTick)
	a.sched.Schedule(summaryTask, SummaryInterval, a.summaryTick)

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Handler:           a.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			a.Shutdown()
			return fmt.Errorf("listening on %s: %w", a.cfg.MetricsAddr, err)
		}
		a.logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Shutdown()
		return nil
	})
	return g.Wait()
}

// Shutdown stops every timer, flushes the active windows into the
// dispatcher, waits for the queue to drain and closes the offline queue.
// It is safe to call more than once.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.logger.Info("Shutting down")
		a.sched.Stop()
		a.store.FlushAll()
		a.dispatcher.Close()
		a.dispatchCancel()
		a.auth.Close()
		if err := a.queue.Close(); err != nil {
			a.logger.WithError(err).Warn("Could not close offline queue")
		}
	})
}

// MetricsHandler serves the agent's registry in the Prometheus text format.
func (a *Agent) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// windowClosed receives every window the store lets go of. Windows with
// data schedule a replay so the backlog goes out ahead of later windows.
func (a *Agent) windowClosed(w *metrics.Window) {
	if w.HasData() {
		a.triggerReplay()
	}
	a.dispatcher.Enqueue(w)
}

func (a *Agent) triggerReplay() {
	a.sched.Schedule(replayTask, replayDelay, a.replayTick)
}

func (a *Agent) replayTick(ctx context.Context) {
	if _, err := a.replayer.Replay(ctx); err != nil && !errors.Is(err, offline.ErrNotAuthenticated) {
		a.logger.WithError(err).Warn("Offline replay failed")
	}
	if ctx.Err() == nil {
		a.sched.Schedule(replayTask, ReplayInterval, a.replayTick)
	}
}

func (a *Agent) summaryTick(ctx context.Context) {
	if a.auth.State() == auth.StateDeactivated {
		return
	}
	if credential, ok := a.auth.Credential(); ok {
		s, outcome, err := summary.Fetch(ctx, a.client, credential)
		switch outcome {
		case transport.OutcomeOK:
			a.prompter.Status(s.StatusText())
		case transport.OutcomeUnauthorized:
			a.auth.CredentialRejected()
		case transport.OutcomeDeactivated:
			a.auth.MarkDeactivated()
			return
		default:
			if err != nil {
				a.logger.WithError(err).Debug("Could not refresh session summary")
			}
		}
	}
	if ctx.Err() == nil {
		a.sched.Schedule(summaryTask, SummaryInterval, a.summaryTick)
	}
}
