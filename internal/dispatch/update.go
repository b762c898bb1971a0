package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// DefaultManifestKey is the manifest entry holding the latest release.
const DefaultManifestKey = "codetime-version"

// UpdateChecker reports whether a newer release than the running one exists.
type UpdateChecker interface {
	Check(ctx context.Context) (latest string, newer bool, err error)
}

// HTTPUpdateChecker reads a YAML release manifest such as
//
//	codetime-version: 1.4.0
type HTTPUpdateChecker struct {
	URL     string
	Current string
	// Key defaults to DefaultManifestKey.
	Key    string
	Client *http.Client
}

// Check fetches the manifest and compares its version with Current.
func (c *HTTPUpdateChecker) Check(ctx context.Context) (string, bool, error) {
	if c.URL == "" {
		return "", false, nil
	}
	current, err := version.NewVersion(strings.TrimPrefix(c.Current, "v"))
	if err != nil {
		return "", false, fmt.Errorf("parsing running version %q: %w", c.Current, err)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", false, fmt.Errorf("building manifest request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetching release manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("fetching release manifest: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("reading release manifest: %w", err)
	}

	manifest := map[string]any{}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return "", false, fmt.Errorf("parsing release manifest: %w", err)
	}
	key := c.Key
	if key == "" {
		key = DefaultManifestKey
	}
	raw, ok := manifest[key]
	if !ok {
		return "", false, nil
	}
	latestText := strings.TrimPrefix(fmt.Sprint(raw), "v")
	latest, err := version.NewVersion(latestText)
	if err != nil {
		return "", false, fmt.Errorf("parsing manifest version %q: %w", latestText, err)
	}
	return latest.Original(), latest.GreaterThan(current), nil
}
