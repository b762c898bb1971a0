// Package transport is the single HTTP request primitive shared by delivery
// and authentication. It performs exactly one attempt per call; callers own
// retry and backoff.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultEndpoint is the collection API host used when none is configured.
const DefaultEndpoint = "api.software.com"

var (
	// ErrTelemetryOff is returned without touching the network when the user
	// paused telemetry.
	ErrTelemetryOff = errors.New("telemetry is paused")

	// ErrNoCredential is returned for writes attempted without a session
	// credential.
	ErrNoCredential = errors.New("no session credential available")

	// ErrUnauthorized marks an explicit 401 from the endpoint.
	ErrUnauthorized = errors.New("session credential rejected")

	// ErrDeactivated marks an account deactivation signal.
	ErrDeactivated = errors.New("account deactivated")
)

// StatusError reports a response outside the success range.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Path, e.StatusCode)
}

// NetworkError reports that the endpoint could not be reached.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: endpoint unreachable: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Doer issues a single request. Client implements it; tests substitute fakes.
type Doer interface {
	Do(ctx context.Context, method, path string, body []byte, credential string) (*Response, error)
}

// Options configures a Client.
type Options struct {
	// Endpoint is a host[:port] or a full base URL. Hosts containing
	// "localhost" default to http, everything else to https.
	Endpoint    string
	HTTPClient  *http.Client
	UserAgent   string
	TelemetryOn bool
	Logger      *logrus.Entry
}

// Client talks to the collection API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	userAgent   string
	telemetryOn bool
	logger      *logrus.Entry
}

// New builds a Client from opts.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "codetime"
	}
	return &Client{
		baseURL:     BaseURL(opts.Endpoint),
		httpClient:  httpClient,
		userAgent:   userAgent,
		telemetryOn: opts.TelemetryOn,
		logger:      opts.Logger,
	}
}

// BaseURL normalizes an endpoint setting into a base URL without a trailing
// slash.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if strings.Contains(endpoint, "localhost") || strings.HasPrefix(endpoint, "127.0.0.1") {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// Do sends one request. The credential, when present, is sent verbatim in the
// Authorization header.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, credential string) (*Response, error) {
	if !c.telemetryOn {
		return nil, ErrTelemetryOff
	}
	if method == http.MethodPost && credential == "" {
		return nil, ErrNoCredential
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}

	if c.logger != nil {
		c.logger.WithField("method", method).WithField("path", path).WithField("bytes", len(body)).Debug("Sending request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
}
