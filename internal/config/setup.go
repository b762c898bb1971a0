package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// GlobalPath returns the global config file to write: the existing one if
// present, config.yaml otherwise.
func GlobalPath() (string, error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", err
	}
	for _, name := range globalNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// GlobalExists reports whether a global config file is present.
func GlobalExists() bool {
	dir, err := GlobalDir()
	if err != nil {
		return false
	}
	for _, name := range globalNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// SaveGlobal writes cfg to path, encoding by extension, creating the config
// directory if needed.
func SaveGlobal(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		data, err = yaml.Marshal(cfg)
	case ".toml":
		data, err = toml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RunSetup runs the interactive setup wizard on in/out. If existing is
// non-nil, it supplies the default for each prompt (edit mode). Only the
// settings the wizard asks about are returned.
func RunSetup(in io.Reader, out io.Writer, existing *Config) (*Config, error) {
	r := bufio.NewReader(in)

	ask := func(prompt, defaultVal string) (string, error) {
		if defaultVal != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, defaultVal)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return defaultVal, nil
		}
		return line, nil
	}

	askBool := func(prompt string, defaultVal bool) (bool, error) {
		def := "n"
		if defaultVal {
			def = "y"
		}
		ans, err := ask(prompt+" (y/n)", def)
		if err != nil {
			return false, err
		}
		return strings.ToLower(ans) == "y" || strings.ToLower(ans) == "yes", nil
	}

	base := Defaults()
	if existing != nil {
		base = Merge(existing, nil)
	}
	cfg := &Config{}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ┌─────────────────────────────────┐")
	fmt.Fprintln(out, "  │   codetime - first-time setup   │")
	fmt.Fprintln(out, "  └─────────────────────────────────┘")
	fmt.Fprintln(out)

	var err error
	if cfg.APIEndpoint, err = ask("  Collection endpoint", base.APIEndpoint); err != nil {
		return nil, err
	}
	if cfg.DashboardURL, err = ask("  Dashboard URL", base.DashboardURL); err != nil {
		return nil, err
	}

	telemetry, err := askBool("  Send coding metrics", base.Telemetry())
	if err != nil {
		return nil, err
	}
	cfg.TelemetryOn = &telemetry

	backend, err := ask("  Offline buffer (file/sqlite)", backendName(base.OfflineDSN))
	if err != nil {
		return nil, err
	}
	if backend == "sqlite" {
		cfg.OfflineDSN = "sqlite://" + filepath.ToSlash(filepath.Join(base.DataDir, "offline.db"))
	}

	workers, err := ask("  Delivery workers", strconv.Itoa(base.Workers))
	if err != nil {
		return nil, err
	}
	if n, convErr := strconv.Atoi(workers); convErr == nil && n > 0 {
		cfg.Workers = n
	}

	if cfg.MetricsAddr, err = ask("  Prometheus listen address (blank to disable)", base.MetricsAddr); err != nil {
		return nil, err
	}

	fmt.Fprintln(out)
	return cfg, nil
}

func backendName(dsn string) string {
	if strings.HasPrefix(dsn, "sqlite") {
		return "sqlite"
	}
	return "file"
}
