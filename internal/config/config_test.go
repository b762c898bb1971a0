package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Feature: codetime, Property 10: Config merge precedence
func TestConfigMergePrecedence(t *testing.T) {
	// Generator for a non-empty string field value.
	nonEmptyString := rapid.StringMatching(`[a-zA-Z0-9/_.:-]{1,20}`)

	// Each field is independently either unset or set.
	configGen := rapid.Custom(func(t *rapid.T) *Config {
		cfg := &Config{}
		if rapid.Bool().Draw(t, "hasEndpoint") {
			cfg.APIEndpoint = nonEmptyString.Draw(t, "endpoint")
		}
		if rapid.Bool().Draw(t, "hasDataDir") {
			cfg.DataDir = nonEmptyString.Draw(t, "dataDir")
		}
		if rapid.Bool().Draw(t, "hasTelemetry") {
			on := rapid.Bool().Draw(t, "telemetry")
			cfg.TelemetryOn = &on
		}
		if rapid.Bool().Draw(t, "hasWorkers") {
			cfg.Workers = rapid.IntRange(1, 16).Draw(t, "workers")
		}
		return cfg
	})

	rapid.Check(t, func(t *rapid.T) {
		global := configGen.Draw(t, "global")
		project := configGen.Draw(t, "project")

		merged := Merge(global, project)
		defaults := Defaults()

		checkStringField(t, "APIEndpoint",
			global.APIEndpoint, project.APIEndpoint, defaults.APIEndpoint,
			merged.APIEndpoint)
		checkStringField(t, "DataDir",
			global.DataDir, project.DataDir, defaults.DataDir,
			merged.DataDir)

		wantTelemetry := defaults.Telemetry()
		if global.TelemetryOn != nil {
			wantTelemetry = *global.TelemetryOn
		}
		if project.TelemetryOn != nil {
			wantTelemetry = *project.TelemetryOn
		}
		if merged.Telemetry() != wantTelemetry {
			t.Fatalf("Telemetry: want %v, got %v", wantTelemetry, merged.Telemetry())
		}

		wantWorkers := defaults.Workers
		if global.Workers > 0 {
			wantWorkers = global.Workers
		}
		if project.Workers > 0 {
			wantWorkers = project.Workers
		}
		if merged.Workers != wantWorkers {
			t.Fatalf("Workers: want %d, got %d", wantWorkers, merged.Workers)
		}
	})
}

// checkStringField asserts the merge precedence rule for a single string field:
//   - project non-empty  → merged == project
//   - project empty, global non-empty → merged == global
//   - both empty → merged == defaultVal
func checkStringField(t *rapid.T, name, globalVal, projectVal, defaultVal, mergedVal string) {
	t.Helper()
	switch {
	case projectVal != "":
		if mergedVal != projectVal {
			t.Fatalf("%s: both set, expected project value %q, got %q", name, projectVal, mergedVal)
		}
	case globalVal != "":
		if mergedVal != globalVal {
			t.Fatalf("%s: only global set, expected global value %q, got %q", name, globalVal, mergedVal)
		}
	default:
		if mergedVal != defaultVal {
			t.Fatalf("%s: neither set, expected default %q, got %q", name, defaultVal, mergedVal)
		}
	}
}

func TestDefaultsValues(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	d := Defaults()
	assert.Equal(t, "api.software.com", d.APIEndpoint)
	assert.Equal(t, "https://app.software.com", d.DashboardURL)
	assert.True(t, d.Telemetry())
	assert.True(t, d.Logging())
	assert.Equal(t, 60*time.Second, d.Window())
	assert.Equal(t, 1, d.Workers)
	assert.Equal(t, filepath.Join("/data", "codetime"), d.DataDir)
	assert.Equal(t, "file:///data/codetime/data.json", d.Offline())
	assert.NotNil(t, d.IgnorePatterns)
	assert.Empty(t, d.IgnorePatterns)
}

func TestLoadGlobalMissingFileReturnsDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", "")

	cfg, err := LoadGlobal()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Defaults().APIEndpoint, cfg.APIEndpoint)
}

func TestLoadProjectMissingFileReturnsNil(t *testing.T) {
	cfg, err := LoadProject(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadGlobalParseError(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	cfgDir := filepath.Join(tmp, "codetime")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{invalid json"), 0o644))

	_, err := LoadGlobal()
	require.Error(t, err)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr), "expected *ParseError, got %T: %v", err, err)
	assert.Contains(t, err.Error(), "config.json")
}

func TestLoadProjectDecodesByExtension(t *testing.T) {
	cases := map[string]string{
		".codetimeconfig": `{"api_endpoint": "localhost:5000", "telemetry_on": false, "workers": 3}`,
		".codetime.yml":   "api_endpoint: localhost:5000\ntelemetry_on: false\nworkers: 3\n",
		".codetime.toml":  "api_endpoint = \"localhost:5000\"\ntelemetry_on = false\nworkers = 3\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

			cfg, err := LoadProject(dir)
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, "localhost:5000", cfg.APIEndpoint)
			assert.False(t, cfg.Telemetry())
			assert.Equal(t, 3, cfg.Workers)
		})
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODETIME_TEST_HOST", "collector.internal")
	content := "api_endpoint: ${CODETIME_TEST_HOST}\nmetrics_addr: ${CODETIME_TEST_UNSET:-127.0.0.1:9464}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".codetime.yaml"), []byte(content), 0o644))

	cfg, err := LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, "collector.internal", cfg.APIEndpoint)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CODETIME_API_ENDPOINT": "localhost:8080",
		"CODETIME_DATA_DIR":     "/var/lib/codetime",
		"CODETIME_TELEMETRY":    "off",
	}
	cfg := Defaults()
	ApplyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, "localhost:8080", cfg.APIEndpoint)
	assert.Equal(t, "/var/lib/codetime", cfg.DataDir)
	assert.False(t, cfg.Telemetry())
	assert.Equal(t, "file:///var/lib/codetime/data.json", cfg.Offline())

	env["CODETIME_TELEMETRY"] = "on"
	ApplyEnv(&cfg, func(k string) string { return env[k] })
	assert.True(t, cfg.Telemetry())
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	globalDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", globalDir)
	t.Setenv("CODETIME_API_ENDPOINT", "")
	t.Setenv("CODETIME_DATA_DIR", "")
	t.Setenv("CODETIME_METRICS_ADDR", "")
	t.Setenv("CODETIME_TELEMETRY", "")
	require.NoError(t, os.MkdirAll(filepath.Join(globalDir, "codetime"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "codetime", "config.toml"),
		[]byte("log_level = \"debug\"\nworkers = 2\n"), 0o644))

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".codetimeconfig"),
		[]byte(`{"workers": 4}`), 0o644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Workers)
}
