package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                        "https://api.software.com",
		"api.example.com":         "https://api.example.com",
		"localhost:5000":          "http://localhost:5000",
		"127.0.0.1:19234/":        "http://127.0.0.1:19234",
		"https://api.example.com": "https://api.example.com",
		"http://10.0.0.2:8080/":   "http://10.0.0.2:8080",
	}
	for in, want := range cases {
		assert.Equal(t, want, BaseURL(in), "endpoint %q", in)
	}
}

func TestDoSendsHeadersAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/data", r.URL.Path)
		assert.Equal(t, "jwt-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "codetime-test", r.Header.Get("User-Agent"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"type":"Events"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(Options{Endpoint: server.URL, HTTPClient: server.Client(), UserAgent: "codetime-test", TelemetryOn: true})
	resp, err := c.Do(context.Background(), http.MethodPost, "/data", []byte(`{"type":"Events"}`), "jwt-123")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, OutcomeOK, Classify(resp, err))
}

func TestDoUnreachableIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(Options{Endpoint: url, TelemetryOn: true})
	resp, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, "")
	require.Error(t, err)
	assert.Nil(t, resp)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "/ping", netErr.Path)
	assert.Equal(t, OutcomeUnavailable, Classify(resp, err))
}

func TestDoRefusesPostWithoutCredential(t *testing.T) {
	c := New(Options{Endpoint: "localhost:1", TelemetryOn: true})
	_, err := c.Do(context.Background(), http.MethodPost, "/data", []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, OutcomeUnavailable, Classify(nil, err))
}

func TestDoTelemetryOff(t *testing.T) {
	c := New(Options{Endpoint: "localhost:1", TelemetryOn: false})
	_, err := c.Do(context.Background(), http.MethodGet, "/ping", nil, "")
	assert.ErrorIs(t, err, ErrTelemetryOff)
	assert.Equal(t, OutcomeDisabled, Classify(nil, err))
}

func TestClassifyStatuses(t *testing.T) {
	cases := []struct {
		name string
		resp *Response
		want Outcome
	}{
		{"ok", &Response{StatusCode: 200}, OutcomeOK},
		{"redirect boundary", &Response{StatusCode: 299}, OutcomeOK},
		{"unauthorized", &Response{StatusCode: 401, Body: []byte(`{"message":"expired"}`)}, OutcomeUnauthorized},
		{"deactivated code", &Response{StatusCode: 401, Body: []byte(`{"code":"DEACTIVATED"}`)}, OutcomeDeactivated},
		{"deactivated message", &Response{StatusCode: 403, Body: []byte(`{"message":"User is Deactivated"}`)}, OutcomeDeactivated},
		{"server error", &Response{StatusCode: 500, Body: []byte(`{"message":"deactivated"}`)}, OutcomeRejected},
		{"bad request", &Response{StatusCode: 400, Body: []byte(`not json`)}, OutcomeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.resp, nil))
		})
	}
}
