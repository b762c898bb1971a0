package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/codetime/internal/logging"
	"github.com/fakeyudi/codetime/internal/metrics"
	"github.com/fakeyudi/codetime/internal/session"
)

// executeCommand runs the root command with args and returns combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err = root.ExecuteC()
	return buf.String(), err
}

// isolate points every codetime directory at a temp dir and returns the
// data directory.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("CODETIME_API_ENDPOINT", "")
	t.Setenv("CODETIME_DATA_DIR", "")
	t.Setenv("CODETIME_TELEMETRY", "")
	t.Setenv("CODETIME_METRICS_ADDR", "")
	projectDir = t.TempDir()
	return filepath.Join(tmp, "codetime")
}

func seedSession(t *testing.T, dataDir string, values map[string]any) {
	t.Helper()
	store, err := session.NewStore(dataDir, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, store.Update(func(st session.State) error {
		for k, v := range values {
			st[k] = v
		}
		return nil
	}))
}

func seedBacklog(t *testing.T, dataDir string, n int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(`{"type":"Events"}` + "\n")
	}
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "data.json"), []byte(b.String()), 0o600))
}

// collector is a fake collection endpoint recording request paths and bodies.
type collector struct {
	mu     sync.Mutex
	bodies map[string][][]byte
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{bodies: make(map[string][][]byte)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies[r.URL.Path] = append(c.bodies[r.URL.Path], body)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	t.Setenv("CODETIME_API_ENDPOINT", server.URL)
	return c
}

func (c *collector) received(path string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.bodies[path]...)
}

func TestStatusReportsTokenAndBacklog(t *testing.T) {
	dataDir := isolate(t)
	seedSession(t, dataDir, map[string]any{session.KeyDeviceToken: "tok"})
	seedBacklog(t, dataDir, 2)

	out, err := executeCommand(rootCmd, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State: TOKEN_ISSUED")
	assert.Contains(t, out, "Device token: present")
	assert.Contains(t, out, "Offline backlog: 2")
}

func TestStatusWithoutState(t *testing.T) {
	isolate(t)

	out, err := executeCommand(rootCmd, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State: NO_TOKEN")
	assert.Contains(t, out, "Device token: missing")
	assert.Contains(t, out, "Offline backlog: 0")
}

func TestLoginOpensOnboardingPage(t *testing.T) {
	dataDir := isolate(t)
	seedSession(t, dataDir, map[string]any{session.KeyDeviceToken: "tok"})

	var opened []string
	prev := openURL
	openURL = func(url string) error { opened = append(opened, url); return nil }
	t.Cleanup(func() { openURL = prev })

	out, err := executeCommand(rootCmd, "login", "--reset=false")
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, "https://app.software.com/onboarding?token=tok", opened[0])
	assert.Contains(t, out, "Finish logging in")
}

func TestReplayRequiresLogin(t *testing.T) {
	dataDir := isolate(t)
	seedBacklog(t, dataDir, 1)

	out, err := executeCommand(rootCmd, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Not logged in")

	_, err = os.Stat(filepath.Join(dataDir, "data.json"))
	assert.NoError(t, err, "backlog must be kept")
}

func TestReplaySendsBacklog(t *testing.T) {
	dataDir := isolate(t)
	c := newCollector(t)
	seedSession(t, dataDir, map[string]any{session.KeyDeviceToken: "tok", session.KeyCredential: "JWT abc"})
	seedBacklog(t, dataDir, 3)

	out, err := executeCommand(rootCmd, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 3 buffered windows (accepted)")

	batches := c.received("/data/batch")
	require.Len(t, batches, 1)
	var records []json.RawMessage
	require.NoError(t, json.Unmarshal(batches[0], &records))
	assert.Len(t, records, 3)
}

func TestRunStdinDeliversUntilEndOfInput(t *testing.T) {
	dataDir := isolate(t)
	c := newCollector(t)
	seedSession(t, dataDir, map[string]any{session.KeyDeviceToken: "tok", session.KeyCredential: "JWT abc"})

	events := strings.Join([]string{
		`{"kind":"open","file":"main.go","folder":"/src/api"}`,
		`{"kind":"modified","file":"main.go","size":10,"folder":"/src/api"}`,
		`{"kind":"modified","file":"main.go","size":40,"folder":"/src/api"}`,
	}, "\n")
	rootCmd.SetIn(strings.NewReader(events))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	_, err := executeCommand(rootCmd, "run", "--stdin", "--no-watch")
	require.NoError(t, err)

	sent := c.received("/data")
	require.Len(t, sent, 1)
	var p metrics.Payload
	require.NoError(t, json.Unmarshal(sent[0], &p))
	counters := p.Source["main.go"]
	assert.Equal(t, int64(1), counters.Open)
	assert.Equal(t, int64(1), counters.Keys)
	assert.Equal(t, int64(30), counters.Paste)
	assert.Equal(t, int64(40), counters.Length)
}

func TestSetupWritesGlobalConfig(t *testing.T) {
	isolate(t)
	rootCmd.SetIn(strings.NewReader("localhost:5000\n\nn\n\n2\n\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, err := executeCommand(rootCmd, "setup")
	require.NoError(t, err)
	assert.Contains(t, out, "Config saved to")

	_, err = executeCommand(rootCmd, "status")
	require.NoError(t, err)
	cfg := GetConfig()
	assert.Equal(t, "localhost:5000", cfg.APIEndpoint)
	assert.False(t, cfg.Telemetry())
	assert.Equal(t, 2, cfg.Workers)
}
