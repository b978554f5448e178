package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 1024, cfg.Server.MaxConns)

	// Storage config
	assert.Equal(t, "./uploads", cfg.Storage.UploadDir)
	assert.Equal(t, int64(10<<20), cfg.Storage.MaxBytes)

	// Sandbox config
	assert.Equal(t, DriverAuto, cfg.Sandbox.Driver)
	assert.Equal(t, int64(256<<20), cfg.Sandbox.MemoryBytes())
	assert.Equal(t, int64(500_000_000), cfg.Sandbox.NanoCPUs())
	assert.Equal(t, "none", cfg.Sandbox.Network)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.StopGrace)

	// Events config
	assert.Empty(t, cfg.Events.NATSURL)
	assert.Equal(t, "nighthost.lifecycle", cfg.Events.Subject)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                  "9000",
		"HOST":                  "127.0.0.1",
		"MAX_CONNECTIONS":       "64",
		"UPLOAD_DIR":            "/var/lib/nighthost",
		"UPLOAD_MAX_BYTES":      "1048576",
		"UPLOAD_ALLOWED":        "**/*.py,**/*.js",
		"SANDBOX_DRIVER":        "Docker",
		"SANDBOX_PYTHON_IMAGE":  "python:3.12-slim",
		"SANDBOX_MEMORY_MB":     "512",
		"SANDBOX_CPUS":          "1.5",
		"SANDBOX_NETWORK":       "bridge",
		"SANDBOX_STOP_GRACE":    "3s",
		"SANDBOX_RESTART_DELAY": "250ms",
		"EVENTS_NATS_URL":       "nats://nats:4222",
		"LOG_LEVEL":             "debug",
		"LOG_DEV":               "true",
		"RATE_LIMIT_RPS":        "500",
		"RATE_LIMIT_ENABLED":    "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 64, cfg.Server.MaxConns)

	assert.Equal(t, "/var/lib/nighthost", cfg.Storage.UploadDir)
	assert.Equal(t, int64(1<<20), cfg.Storage.MaxBytes)
	assert.Equal(t, []string{"**/*.py", "**/*.js"}, cfg.Storage.Allowed)

	assert.Equal(t, DriverDocker, cfg.Sandbox.Driver)
	assert.Equal(t, "python:3.12-slim", cfg.Sandbox.PythonImage)
	assert.Empty(t, cfg.Sandbox.NodeImage)
	assert.Equal(t, int64(512<<20), cfg.Sandbox.MemoryBytes())
	assert.Equal(t, int64(1_500_000_000), cfg.Sandbox.NanoCPUs())
	assert.Equal(t, "bridge", cfg.Sandbox.Network)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.StopGrace)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.RestartDelay)

	assert.Equal(t, "nats://nats:4222", cfg.Events.NATSURL)
	assert.Equal(t, "nighthost.lifecycle", cfg.Events.Subject)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown driver", "SANDBOX_DRIVER", "podman"},
		{"zero memory", "SANDBOX_MEMORY_MB", "0"},
		{"negative cpus", "SANDBOX_CPUS", "-1"},
		{"zero grace", "SANDBOX_STOP_GRACE", "0s"},
		{"negative delay", "SANDBOX_RESTART_DELAY", "-1s"},
		{"zero pull timeout", "SANDBOX_PULL_TIMEOUT", "0s"},
		{"negative pull timeout", "SANDBOX_PULL_TIMEOUT", "-5m"},
		{"malformed duration", "SANDBOX_STOP_GRACE", "soon"},
		{"malformed number", "UPLOAD_MAX_BYTES", "lots"},
		{"zero connections", "MAX_CONNECTIONS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)

			cfg := LoadOrDefault()
			assert.Equal(t, Default(), cfg)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.Driver = "lxc"
	cfg.Storage.UploadDir = ""
	cfg.Events.NATSURL = "nats://localhost:4222"
	cfg.Events.Subject = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_DRIVER")
	assert.Contains(t, err.Error(), "UPLOAD_DIR")
	assert.Contains(t, err.Error(), "EVENTS_SUBJECT")
}

func TestServerConfig(t *testing.T) {
	tests := []struct {
		name     string
		port     string
		host     string
		wantPort string
		wantHost string
	}{
		{
			name:     "default values",
			wantPort: "3000",
			wantHost: "0.0.0.0",
		},
		{
			name:     "custom port",
			port:     "9000",
			wantPort: "9000",
			wantHost: "0.0.0.0",
		},
		{
			name:     "custom port and host",
			port:     "8080",
			host:     "127.0.0.1",
			wantPort: "8080",
			wantHost: "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.port != "" {
				t.Setenv("PORT", tt.port)
			}
			if tt.host != "" {
				t.Setenv("HOST", tt.host)
			}

			cfg := LoadOrDefault()

			assert.Equal(t, tt.wantPort, cfg.Server.Port)
			assert.Equal(t, tt.wantHost, cfg.Server.Host)
		})
	}
}

func TestSandboxDriverConfig(t *testing.T) {
	for _, driver := range []string{DriverAuto, DriverDocker, DriverSimulated, "SIMULATED"} {
		t.Run(driver, func(t *testing.T) {
			t.Setenv("SANDBOX_DRIVER", driver)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Contains(t, []string{DriverAuto, DriverDocker, DriverSimulated}, cfg.Sandbox.Driver)
		})
	}
}
