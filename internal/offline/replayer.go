package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/transport"
)

// BatchPath is the bulk delivery endpoint.
const BatchPath = "/data/batch"

// ErrNotAuthenticated is returned by Replayer.Replay when no usable session
// credential exists.
var ErrNotAuthenticated = errors.New("replay skipped: not authenticated")

// CredentialSource yields the credential used for replay. ok is false when
// the device is not authenticated or the account was deactivated.
type CredentialSource interface {
	Credential() (credential string, ok bool)
}

// ReplayerOptions configures a Replayer.
type ReplayerOptions struct {
	Queue       Queue
	Client      transport.Doer
	Credentials CredentialSource
	// OnDeactivated is called when the endpoint reports the account
	// deactivated.
	OnDeactivated func()
	// OnUnauthorized is called when the endpoint rejects the credential.
	OnUnauthorized func()
	Logger         *logrus.Entry
}

// Replayer drains a Queue into the bulk endpoint. Overlapping calls are
// collapsed: a call made while another replay runs returns immediately.
type Replayer struct {
	opts    ReplayerOptions
	running atomic.Bool
}

// NewReplayer returns a Replayer.
func NewReplayer(opts ReplayerOptions) *Replayer {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("offline")
	}
	return &Replayer{opts: opts}
}

// Replay sends the backlog if a credential is available.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	credential, ok := r.opts.Credentials.Credential()
	if !ok {
		return ReplayResult{}, ErrNotAuthenticated
	}
	if !r.running.CompareAndSwap(false, true) {
		r.opts.Logger.Debug("Replay already in progress")
		return ReplayResult{}, nil
	}
	defer r.running.Store(false)

	result, err := r.opts.Queue.Replay(ctx, func(ctx context.Context, records []json.RawMessage) (Verdict, error) {
		return r.send(ctx, credential, records)
	})
	if result.Sent > 0 || result.Skipped > 0 {
		r.opts.Logger.WithField("sent", result.Sent).
			WithField("skipped", result.Skipped).
			WithField("verdict", result.Verdict.String()).
			Info("Replayed offline backlog")
	}
	return result, err
}

func (r *Replayer) send(ctx context.Context, credential string, records []json.RawMessage) (Verdict, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return VerdictFailed, fmt.Errorf("encoding offline batch: %w", err)
	}

	resp, err := r.opts.Client.Do(ctx, http.MethodPost, BatchPath, body, credential)
	switch outcome := transport.Classify(resp, err); outcome {
	case transport.OutcomeOK:
		return VerdictAccepted, nil
	case transport.OutcomeDeactivated:
		if r.opts.OnDeactivated != nil {
			r.opts.OnDeactivated()
		}
		return VerdictDeactivated, nil
	case transport.OutcomeUnauthorized:
		if r.opts.OnUnauthorized != nil {
			r.opts.OnUnauthorized()
		}
		return VerdictFailed, transport.ErrUnauthorized
	default:
		if err == nil {
			err = &transport.StatusError{StatusCode: resp.StatusCode, Path: BatchPath}
		}
		return VerdictFailed, fmt.Errorf("offline batch %s: %w", outcome, err)
	}
}
