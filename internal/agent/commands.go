package agent

import (
	"context"

	"github.com/fakeyudi/codetime/internal/auth"
	"github.com/fakeyudi/codetime/internal/offline"
)

// Status is a point-in-time view of the agent for `codetime status`.
type Status struct {
	State    auth.State
	HasToken bool
	// Backlog is the number of windows in the offline queue, -1 when the
	// queue could not be read.
	Backlog int
	// Pending is the number of windows waiting for a dispatch worker.
	Pending int
}

// Status loads the persisted identity if Run has not, and reports it with
// the queue sizes. It does not contact the endpoint.
func (a *Agent) Status(ctx context.Context) Status {
	if a.auth.Token() == "" {
		a.auth.Load()
	}
	backlog, err := a.queue.Len(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("Could not read offline backlog")
		backlog = -1
	}
	return Status{
		State:    a.auth.State(),
		HasToken: a.auth.Token() != "",
		Backlog:  backlog,
		Pending:  a.dispatcher.Pending(),
	}
}

// Login opens the login page for this device. With reset the device token
// and credential are discarded first, which is the way out of a
// deactivated account.
func (a *Agent) Login(ctx context.Context, reset bool) error {
	a.auth.Load()
	if reset {
		if err := a.auth.Reset(ctx); err != nil {
			a.logger.WithError(err).Warn("Session state only partially cleared")
		}
	}
	return a.auth.Login(ctx)
}

// Replay sends the offline backlog once.
func (a *Agent) Replay(ctx context.Context) (offline.ReplayResult, error) {
	if a.auth.Token() == "" {
		a.auth.Load()
	}
	return a.replayer.Replay(ctx)
}
