// Package auth owns the device identity: it issues the device token,
// exchanges it for a session credential, re-validates the credential on a
// staleness schedule and asks the user before opening any login page.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/prompt"
	"github.com/fakeyudi/codetime/internal/schedule"
	"github.com/fakeyudi/codetime/internal/session"
	"github.com/fakeyudi/codetime/internal/transport"
)

const (
	// DefaultDashboardURL is opened by Login when none is configured.
	DefaultDashboardURL = "https://app.software.com"

	// LoginMessage is the body of the login confirmation prompt.
	LoginMessage = "To see your coding data in Code Time, please log in to your account."
	// LoginAction labels the affirmative answer of the login prompt.
	LoginAction = "Log in"

	loginHint       = "Code Time: run 'codetime login' to see your data"
	deactivatedHint = "Code Time: this account was deactivated"

	confirmPath  = "/users/plugin/confirm"
	userPingPath = "/users/ping"
	pingPath     = "/ping"

	pollTask  = "auth.poll"
	checkTask = "auth.check"

	pollInitialInterval = 60 * time.Second
	pollMaxInterval     = 120 * time.Second

	// rejectedRecheckDelay coalesces rejection reports from several workers
	// into one check.
	rejectedRecheckDelay = 5 * time.Second
)

// URLOpener opens a URL in the user's browser.
type URLOpener func(url string) error

// Options configures a Machine.
type Options struct {
	Store     *session.Store
	Client    transport.Doer
	Prompter  prompt.Prompter
	Opener    URLOpener
	Scheduler *schedule.Scheduler
	// DashboardURL is the web app base URL used by Login.
	DashboardURL string
	Logger       *logrus.Entry
	// OnAuthenticated runs each time a credential is obtained or verified
	// after a period without one.
	OnAuthenticated func()
}

// Machine is the authentication state machine.
type Machine struct {
	store           *session.Store
	client          transport.Doer
	prompter        prompt.Prompter
	opener          URLOpener
	sched           *schedule.Scheduler
	clock           quartz.Clock
	dashboardURL    string
	logger          *logrus.Entry
	onAuthenticated func()

	mu         sync.RWMutex
	state      State
	token      string
	credential string
	// verified is set once the current credential was confirmed by the
	// endpoint in this process.
	verified bool
	poll     *backoff.ExponentialBackOff

	rejectPrompt prompt.Flag
}

// New returns a Machine in StateNoToken. Call Start to load persisted state.
func New(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("auth")
	}
	opener := opts.Opener
	if opener == nil {
		opener = browser.OpenURL
	}
	p := opts.Prompter
	if p == nil {
		p = prompt.NewLog(logger)
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.New(nil, logger)
	}
	dashboard := opts.DashboardURL
	if dashboard == "" {
		dashboard = DefaultDashboardURL
	}
	return &Machine{
		store:           opts.Store,
		client:          opts.Client,
		prompter:        p,
		opener:          opener,
		sched:           sched,
		clock:           sched.Clock(),
		dashboardURL:    strings.TrimRight(dashboard, "/"),
		logger:          logger,
		onAuthenticated: opts.OnAuthenticated,
		poll:            newPollBackOff(),
	}
}

func newPollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitialInterval
	b.MaxInterval = pollMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start loads persisted credentials, issues a device token if none exists
// and runs the first authentication check.
func (m *Machine) Start(ctx context.Context) {
	if !m.Load().HasToken() {
		m.issueToken()
	}
	m.check(ctx)
}

// Load reads the persisted credentials into memory without contacting the
// endpoint and returns them.
func (m *Machine) Load() session.Credentials {
	creds := m.store.Credentials()

	m.mu.Lock()
	m.token = creds.DeviceToken
	m.credential = creds.SessionCredential
	switch {
	case creds.HasCredential():
		m.state = StateAuthenticated
	case creds.HasToken():
		m.state = StateTokenIssued
	default:
		m.state = StateNoToken
	}
	m.mu.Unlock()
	return creds
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Token returns the device token, empty before one was issued.
func (m *Machine) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Credential returns the session credential when the device is
// authenticated.
func (m *Machine) Credential() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated || m.credential == "" {
		return "", false
	}
	return m.credential, true
}

// Authenticated reports whether a usable session credential is held.
func (m *Machine) Authenticated() bool {
	_, ok := m.Credential()
	return ok
}

// Login opens the onboarding page for the device token, or the dashboard
// when already authenticated. It must only be called in response to a user
// action.
func (m *Machine) Login(ctx context.Context) error {
	if m.State() == StateDeactivated {
		return transport.ErrDeactivated
	}
	token := m.Token()
	if token == "" {
		token = m.issueToken()
	}

	target := m.dashboardURL
	if !m.Authenticated() {
		target += "/onboarding?token=" + url.QueryEscape(token)
		m.mu.Lock()
		if m.state != StateAuthenticated && m.state != StateDeactivated {
			m.state = StateAwaitingCredential
		}
		m.poll.Reset()
		d := m.poll.NextBackOff()
		m.mu.Unlock()
		m.sched.Schedule(pollTask, d, m.pollConfirm)
	}

	m.logger.WithField("url", target).Info("Opening browser")
	return m.opener(target)
}

// CredentialRejected reports an unauthorized response seen while
// delivering. It triggers an early authentication check.
func (m *Machine) CredentialRejected() {
	if m.State() == StateDeactivated {
		return
	}
	m.sched.Schedule(checkTask, rejectedRecheckDelay, m.check)
}

// MarkDeactivated moves to StateDeactivated and stops all polling.
func (m *Machine) MarkDeactivated() {
	m.mu.Lock()
	if m.state == StateDeactivated {
		m.mu.Unlock()
		return
	}
	m.state = StateDeactivated
	m.verified = false
	m.mu.Unlock()

	m.sched.Cancel(pollTask)
	m.sched.Cancel(checkTask)
	m.logger.Warn("Account deactivated; polling stopped")
	m.prompter.Status(deactivatedHint)
}

// Reset discards the device token and credential and starts a new token
// cycle. It is the only way out of StateDeactivated.
func (m *Machine) Reset(ctx context.Context) error {
	err := m.store.Update(func(st session.State) error {
		delete(st, session.KeyDeviceToken)
		delete(st, session.KeyCredential)
		delete(st, session.KeyUser)
		delete(st, session.KeyLastAuthCheck)
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Warn("Could not clear session state")
	}

	m.sched.Cancel(pollTask)
	m.sched.Cancel(checkTask)
	m.mu.Lock()
	m.state = StateNoToken
	m.token = ""
	m.credential = ""
	m.verified = false
	m.poll.Reset()
	m.mu.Unlock()
	m.rejectPrompt.Reset()

	m.issueToken()
	m.startPoll()
	return err
}

// Close cancels the machine's timers.
func (m *Machine) Close() {
	m.sched.Cancel(pollTask)
	m.sched.Cancel(checkTask)
}

// issueToken creates and persists a new device token. Persistence failures
// leave the token in memory only.
func (m *Machine) issueToken() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.store.Set(session.KeyDeviceToken, token); err != nil {
		m.logger.WithError(err).Warn("Could not persist device token")
	}

	m.mu.Lock()
	m.token = token
	if m.state == StateNoToken {
		m.state = StateTokenIssued
	}
	m.mu.Unlock()
	m.logger.Info("Issued device token")
	return token
}

// check validates the credential, or offers a login when none is held, and
// schedules the next check.
func (m *Machine) check(ctx context.Context) {
	if m.State() == StateDeactivated {
		return
	}
	creds := m.store.Credentials()

	if creds.HasCredential() {
		resp, err := m.client.Do(ctx, http.MethodGet, userPingPath, nil, creds.SessionCredential)
		switch outcome := transport.Classify(resp, err); outcome {
		case transport.OutcomeOK:
			m.authenticated(creds.SessionCredential, nil)
			return
		case transport.OutcomeDeactivated:
			m.MarkDeactivated()
			return
		case transport.OutcomeUnauthorized:
			m.logger.Warn("Session credential rejected")
			m.clearCredential()
			if m.rejectPrompt.Set() {
				m.touch()
				m.promptLogin(ctx)
			} else {
				m.prompter.Status(loginHint)
			}
			m.startPoll()
			m.scheduleCheck(StalenessThreshold(m.store.Credentials()))
			return
		default:
			m.logger.WithField("outcome", outcome.String()).Debug("Authentication check inconclusive")
			m.scheduleCheck(StalenessThreshold(creds))
			return
		}
	}

	if pastThreshold(creds, m.clock.Now()) && m.serverAvailable(ctx) {
		m.touch()
		m.promptLogin(ctx)
	} else {
		m.prompter.Status(loginHint)
	}
	m.startPoll()
	m.scheduleCheck(StalenessThreshold(m.store.Credentials()))
}

type confirmResponse struct {
	JWT     string `json:"jwt"`
	User    any    `json:"user"`
	Message string `json:"message"`
}

// pollConfirm asks the endpoint whether the device token was linked to an
// account. A miss re-arms the poll with the next backoff interval.
func (m *Machine) pollConfirm(ctx context.Context) {
	m.mu.RLock()
	token, state := m.token, m.state
	m.mu.RUnlock()
	if token == "" || state == StateDeactivated || state == StateAuthenticated {
		return
	}

	resp, err := m.client.Do(ctx, http.MethodGet, confirmPath+"?token="+url.QueryEscape(token), nil, "")
	switch transport.Classify(resp, err) {
	case transport.OutcomeOK:
		var body confirmResponse
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			m.logger.WithError(err).Warn("Malformed confirm response")
		} else if body.JWT != "" {
			m.authenticated(body.JWT, body.User)
			return
		} else if body.Message != "" {
			m.logger.WithField("reason", body.Message).Info("Session credential not available yet")
		}
	case transport.OutcomeDeactivated:
		m.MarkDeactivated()
		return
	}

	if ctx.Err() != nil {
		return
	}
	m.prompter.Status(loginHint)
	m.mu.Lock()
	d := m.poll.NextBackOff()
	m.mu.Unlock()
	m.sched.Schedule(pollTask, d, m.pollConfirm)
}

// authenticated records a confirmed credential.
func (m *Machine) authenticated(credential string, user any) {
	now := m.clock.Now().Unix()
	err := m.store.Update(func(st session.State) error {
		st[session.KeyCredential] = credential
		if user != nil {
			st[session.KeyUser] = user
		}
		st[session.KeyLastAuthCheck] = now
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Warn("Could not persist session credential")
	}

	m.mu.Lock()
	wasVerified := m.verified
	m.verified = true
	m.state = StateAuthenticated
	m.credential = credential
	m.poll.Reset()
	m.mu.Unlock()

	m.sched.Cancel(pollTask)
	m.rejectPrompt.Reset()
	m.scheduleCheck(LongThreshold)

	if !wasVerified {
		m.logger.Info("Authenticated")
		if m.onAuthenticated != nil {
			m.onAuthenticated()
		}
	}
}

func (m *Machine) clearCredential() {
	if err := m.store.Set(session.KeyCredential, nil); err != nil {
		m.logger.WithError(err).Warn("Could not clear session credential")
	}
	m.mu.Lock()
	m.credential = ""
	m.verified = false
	if m.state != StateDeactivated {
		m.state = StateTokenIssued
	}
	m.mu.Unlock()
}

func (m *Machine) promptLogin(ctx context.Context) {
	if !m.prompter.Confirm(ctx, LoginMessage, LoginAction) {
		m.prompter.Status(loginHint)
		return
	}
	if err := m.Login(ctx); err != nil {
		m.logger.WithError(err).Warn("Could not open login page")
	}
}

// touch records the time of the last check so prompts are spaced by the
// staleness threshold.
func (m *Machine) touch() {
	if err := m.store.Set(session.KeyLastAuthCheck, m.clock.Now().Unix()); err != nil {
		m.logger.WithError(err).Warn("Could not persist last check time")
	}
}

func (m *Machine) serverAvailable(ctx context.Context) bool {
	resp, err := m.client.Do(ctx, http.MethodGet, pingPath, nil, "")
	return err == nil && transport.IsOK(resp)
}

// startPoll arms the confirm poll unless one is already pending.
func (m *Machine) startPoll() {
	if m.sched.Pending(pollTask) {
		return
	}
	m.mu.Lock()
	d := m.poll.NextBackOff()
	m.mu.Unlock()
	m.sched.Schedule(pollTask, d, m.pollConfirm)
}

func (m *Machine) scheduleCheck(d time.Duration) {
	m.sched.Schedule(checkTask, d, m.check)
}
