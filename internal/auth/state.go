package auth

import (
	"time"

	"github.com/fakeyudi/codetime/internal/session"
)

// State is the authentication state of this device.
type State int

const (
	// StateNoToken means no device token was issued yet.
	StateNoToken State = iota
	// StateTokenIssued means a device token exists without a session
	// credential; the confirm endpoint is polled in the background.
	StateTokenIssued
	// StateAwaitingCredential means the user agreed to log in and the
	// onboarding page was opened; polling continues.
	StateAwaitingCredential
	// StateAuthenticated means a session credential is held.
	StateAuthenticated
	// StateDeactivated means the account was deactivated. Only Reset leaves
	// this state.
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateNoToken:
		return "NO_TOKEN"
	case StateTokenIssued:
		return "TOKEN_ISSUED"
	case StateAwaitingCredential:
		return "AWAITING_CREDENTIAL"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDeactivated:
		return "DEACTIVATED"
	default:
		return "UNKNOWN"
	}
}

// Staleness thresholds between authentication checks.
const (
	NoTokenThreshold = 2 * time.Hour
	ShortThreshold   = 4 * time.Hour
	LongThreshold    = 12 * time.Hour
)

// StalenessThreshold returns how long to wait between authentication checks
// for the given credentials.
func StalenessThreshold(creds session.Credentials) time.Duration {
	switch {
	case creds.HasCredential():
		return LongThreshold
	case creds.HasToken():
		return ShortThreshold
	default:
		return NoTokenThreshold
	}
}

// pastThreshold reports whether the threshold for creds elapsed since the
// last check.
func pastThreshold(creds session.Credentials, now time.Time) bool {
	last := time.Unix(creds.LastAuthCheck, 0)
	return now.Sub(last) >= StalenessThreshold(creds)
}
