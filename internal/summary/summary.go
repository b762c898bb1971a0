// Package summary fetches the account's coding-time summary and renders the
// status line shown to the user.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/transport"
)

// Path is the summary endpoint.
const Path = "/sessions?summary=true"

// Summary is the decoded session summary. Fields the server omits or sends
// in an unexpected shape keep their zero value.
type Summary struct {
	LastKPM                   int64
	CurrentSessionMinutes     int
	CurrentSessionGoalPercent float64
	CurrentDayMinutes         int
	AverageDailyMinutes       int
}

// InFlow reports whether today is above the daily average.
func (s Summary) InFlow() bool {
	return s.CurrentDayMinutes > s.AverageDailyMinutes
}

// StatusText renders the status line, e.g. "Code time: 🚀2 hrs | Avg: 1.5 hrs".
func (s Summary) StatusText() string {
	var b strings.Builder
	b.WriteString("Code time: ")
	if s.InFlow() {
		b.WriteString("🚀")
	}
	b.WriteString(HumanizeMinutes(s.CurrentDayMinutes))
	if s.AverageDailyMinutes > 0 {
		b.WriteString(" | Avg: ")
		b.WriteString(HumanizeMinutes(s.AverageDailyMinutes))
	}
	return b.String()
}

// HumanizeMinutes formats a duration in minutes: "1 min", "N min", "1 hr",
// "N hrs" for whole hours and "N.N hrs" otherwise.
func HumanizeMinutes(minutes int) string {
	switch {
	case minutes == 60:
		return "1 hr"
	case minutes > 60:
		hours := float64(minutes) / 60
		if minutes%60 == 0 {
			return strconv.Itoa(minutes/60) + " hrs"
		}
		return strconv.FormatFloat(math.Round(hours*10)/10, 'f', 1, 64) + " hrs"
	case minutes == 1:
		return "1 min"
	default:
		return strconv.Itoa(minutes) + " min"
	}
}

// Fetch requests the summary. The returned Outcome classifies the response;
// only OutcomeOK carries a decoded Summary.
func Fetch(ctx context.Context, client transport.Doer, credential string) (Summary, transport.Outcome, error) {
	resp, err := client.Do(ctx, http.MethodGet, Path, nil, credential)
	outcome := transport.Classify(resp, err)
	if outcome != transport.OutcomeOK {
		if err == nil {
			err = &transport.StatusError{StatusCode: resp.StatusCode, Path: Path}
		}
		return Summary{}, outcome, err
	}
	return Decode(resp.Body, logging.NewLogger("summary")), outcome, nil
}

// Decode parses a summary body. Each field that fails to parse falls back to
// its default and is logged; a body that is not a JSON object yields the
// zero Summary.
func Decode(body []byte, logger *logrus.Entry) Summary {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.WithError(err).Warn("Session summary is not a JSON object; using defaults")
		return Summary{}
	}

	p := fieldParser{raw: raw, logger: logger}
	return Summary{
		LastKPM:                   int64(math.Round(p.number("lastKpm"))),
		CurrentSessionMinutes:     int(p.number("currentSessionMinutes")),
		CurrentSessionGoalPercent: p.number("currentSessionGoalPercent"),
		CurrentDayMinutes:         int(p.number("currentDayMinutes")),
		AverageDailyMinutes:       int(p.number("averageDailyMinutes")),
	}
}

type fieldParser struct {
	raw    map[string]any
	logger *logrus.Entry
}

// number returns the named field as a float. Absent and null fields are 0
// without a diagnostic; anything else that is not numeric is logged.
func (p fieldParser) number(key string) float64 {
	v, ok := p.raw[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			return f
		}
	}
	p.logger.WithField("field", key).WithField("value", fmt.Sprint(v)).Warn("Unexpected summary field; using default")
	return 0
}
