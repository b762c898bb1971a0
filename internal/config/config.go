package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configurable codetime settings.
type Config struct {
	APIEndpoint  string `json:"api_endpoint,omitempty" yaml:"api_endpoint,omitempty" toml:"api_endpoint,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty" yaml:"dashboard_url,omitempty" toml:"dashboard_url,omitempty"`
	// TelemetryOn and LoggingOn are pointers so an explicit false in a
	// project file can override a global true.
	TelemetryOn       *bool    `json:"telemetry_on,omitempty" yaml:"telemetry_on,omitempty" toml:"telemetry_on,omitempty"`
	LoggingOn         *bool    `json:"logging_on,omitempty" yaml:"logging_on,omitempty" toml:"logging_on,omitempty"`
	LogLevel          string   `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	LogFormat         string   `json:"log_format,omitempty" yaml:"log_format,omitempty" toml:"log_format,omitempty"` // "text" | "json"
	WindowSeconds     int      `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty" toml:"window_seconds,omitempty"`
	Workers           int      `json:"workers,omitempty" yaml:"workers,omitempty" toml:"workers,omitempty"`
	DataDir           string   `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
	OfflineDSN        string   `json:"offline_dsn,omitempty" yaml:"offline_dsn,omitempty" toml:"offline_dsn,omitempty"` // file://, sqlite:// or memory://
	UpdateManifestURL string   `json:"update_manifest_url,omitempty" yaml:"update_manifest_url,omitempty" toml:"update_manifest_url,omitempty"`
	IgnorePatterns    []string `json:"ignore_patterns,omitempty" yaml:"ignore_patterns,omitempty" toml:"ignore_patterns,omitempty"`
	MetricsAddr       string   `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	on := true
	logOn := true
	return Config{
		APIEndpoint:    "api.software.com",
		DashboardURL:   "https://app.software.com",
		TelemetryOn:    &on,
		LoggingOn:      &logOn,
		LogLevel:       "info",
		LogFormat:      "text",
		WindowSeconds:  60,
		Workers:        1,
		DataDir:        defaultDataDir(),
		IgnorePatterns: []string{},
	}
}

// Telemetry reports whether data may be sent to the collection endpoint.
func (c Config) Telemetry() bool {
	return c.TelemetryOn == nil || *c.TelemetryOn
}

// Logging reports whether log output is enabled.
func (c Config) Logging() bool {
	return c.LoggingOn == nil || *c.LoggingOn
}

// Window returns the aggregation window length.
func (c Config) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// Offline returns the offline queue DSN, defaulting to data.json in the data
// directory.
func (c Config) Offline() string {
	if c.OfflineDSN != "" {
		return c.OfflineDSN
	}
	return "file://" + filepath.ToSlash(filepath.Join(c.DataDir, "data.json"))
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "codetime")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "codetime")
	}
	return ".codetime"
}

// GlobalDir returns the directory holding the global config file.
func GlobalDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codetime"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "codetime"), nil
}

// globalNames are tried in order inside GlobalDir.
var globalNames = []string{"config.json", "config.yml", "config.yaml", "config.toml"}

// projectNames are tried in order inside the project directory.
var projectNames = []string{".codetimeconfig", ".codetime.yml", ".codetime.yaml", ".codetime.toml"}

// LoadGlobal reads the first global config file found in GlobalDir.
// Returns defaults if none exists.
func LoadGlobal() (*Config, error) {
	dir, err := GlobalDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadFirst(dir, globalNames)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		d := Defaults()
		return &d, nil
	}
	return cfg, nil
}

// LoadProject reads the project config file in dir.
// Returns nil (no error) if none exists.
func LoadProject(dir string) (*Config, error) {
	if dir == "" {
		dir = "."
	}
	return loadFirst(dir, projectNames)
}

// Load merges defaults, the global file and the project file in dir, then
// applies environment overrides.
func Load(dir string) (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject(dir)
	if err != nil {
		return Config{}, err
	}
	cfg := Merge(global, project)
	ApplyEnv(&cfg, os.Getenv)
	return cfg, nil
}

func loadFirst(dir string, names []string) (*Config, error) {
	for _, name := range names {
		cfg, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	return nil, nil
}

// loadFile reads and parses a config file at path, choosing the decoder by
// extension. Files without a known extension are JSON. Returns nil when the
// file is absent.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		parts := strings.SplitN(envVarRegex.FindStringSubmatch(match)[1], ":-", 2)
		if value := os.Getenv(parts[0]); value != "" {
			return value
		}
		if len(parts) > 1 {
			return parts[1]
		}
		return ""
	})
}

// ApplyEnv overrides cfg from CODETIME_* environment variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CODETIME_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	}
	if v := getenv("CODETIME_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("CODETIME_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	switch strings.ToLower(getenv("CODETIME_TELEMETRY")) {
	case "off", "false", "0":
		off := false
		cfg.TelemetryOn = &off
	case "on", "true", "1":
		on := true
		cfg.TelemetryOn = &on
	}
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, layer := range []*Config{global, project} {
		if layer != nil {
			result.apply(layer)
		}
	}
	return result
}

// apply copies every set field of layer over c.
func (c *Config) apply(layer *Config) {
	setString(&c.APIEndpoint, layer.APIEndpoint)
	setString(&c.DashboardURL, layer.DashboardURL)
	setString(&c.LogLevel, layer.LogLevel)
	setString(&c.LogFormat, layer.LogFormat)
	setString(&c.DataDir, layer.DataDir)
	setString(&c.OfflineDSN, layer.OfflineDSN)
	setString(&c.UpdateManifestURL, layer.UpdateManifestURL)
	setString(&c.MetricsAddr, layer.MetricsAddr)
	if layer.TelemetryOn != nil {
		v := *layer.TelemetryOn
		c.TelemetryOn = &v
	}
	if layer.LoggingOn != nil {
		v := *layer.LoggingOn
		c.LoggingOn = &v
	}
	if layer.WindowSeconds > 0 {
		c.WindowSeconds = layer.WindowSeconds
	}
	if layer.Workers > 0 {
		c.Workers = layer.Workers
	}
	if len(layer.IgnorePatterns) > 0 {
		c.IgnorePatterns = layer.IgnorePatterns
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
