package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Outcome classifies the result of a request for retry and buffering
// decisions.
type Outcome int

const (
	// OutcomeOK is any status below 300.
	OutcomeOK Outcome = iota
	// OutcomeUnavailable means the endpoint could not be reached or no
	// credential was available to make the call.
	OutcomeUnavailable
	// OutcomeUnauthorized is an explicit 401 without a deactivation marker.
	OutcomeUnauthorized
	// OutcomeDeactivated means the account was deactivated.
	OutcomeDeactivated
	// OutcomeRejected is any other non-success status.
	OutcomeRejected
	// OutcomeDisabled means telemetry is paused and nothing was sent.
	OutcomeDisabled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeDeactivated:
		return "deactivated"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Classify maps a Do result to an Outcome.
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, ErrTelemetryOff) {
			return OutcomeDisabled
		}
		return OutcomeUnavailable
	}
	switch {
	case resp == nil:
		return OutcomeUnavailable
	case IsOK(resp):
		return OutcomeOK
	case IsDeactivated(resp):
		return OutcomeDeactivated
	case IsUnauthenticated(resp):
		return OutcomeUnauthorized
	default:
		return OutcomeRejected
	}
}

// IsOK reports a status code below 300.
func IsOK(resp *Response) bool {
	return resp != nil && resp.StatusCode < 300
}

// IsUnauthenticated reports a 401.
func IsUnauthenticated(resp *Response) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}

// IsDeactivated reports a 4xx whose body carries the DEACTIVATED code or a
// message mentioning deactivation.
func IsDeactivated(resp *Response) bool {
	if resp == nil || resp.StatusCode < 400 || resp.StatusCode >= 500 {
		return false
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false
	}
	if strings.EqualFold(body.Code, "DEACTIVATED") {
		return true
	}
	return strings.Contains(strings.ToLower(body.Message), "deactivated")
}
