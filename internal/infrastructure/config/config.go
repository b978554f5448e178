package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Sandbox driver selections
const (
	DriverAuto      = "auto"
	DriverDocker    = "docker"
	DriverSimulated = "simulated"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Sandbox   SandboxConfig
	Events    EventsConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"3000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// MaxConns caps concurrent connections, WebSocket subscribers included
	MaxConns int `envconfig:"MAX_CONNECTIONS" default:"1024"`
}

// StorageConfig holds upload storage configuration.
type StorageConfig struct {
	UploadDir string   `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MaxBytes  int64    `envconfig:"UPLOAD_MAX_BYTES" default:"10485760"`
	Allowed   []string `envconfig:"UPLOAD_ALLOWED"`
}

// SandboxConfig holds sandbox runtime configuration.
type SandboxConfig struct {
	Driver       string        `envconfig:"SANDBOX_DRIVER" default:"auto"`
	PythonImage  string        `envconfig:"SANDBOX_PYTHON_IMAGE"`
	NodeImage    string        `envconfig:"SANDBOX_NODE_IMAGE"`
	RuntimesFile string        `envconfig:"SANDBOX_RUNTIMES_FILE"`
	MemoryMB     int64         `envconfig:"SANDBOX_MEMORY_MB" default:"256"`
	CPUs         float64       `envconfig:"SANDBOX_CPUS" default:"0.5"`
	PidsLimit    int64         `envconfig:"SANDBOX_PIDS_LIMIT" default:"128"`
	Network      string        `envconfig:"SANDBOX_NETWORK" default:"none"`
	StopGrace    time.Duration `envconfig:"SANDBOX_STOP_GRACE" default:"10s"`
	RestartDelay time.Duration `envconfig:"SANDBOX_RESTART_DELAY" default:"1s"`
	PullTimeout  time.Duration `envconfig:"SANDBOX_PULL_TIMEOUT" default:"5m"`
}

// NanoCPUs converts the CPU share to the unit container runtimes use
func (s SandboxConfig) NanoCPUs() int64 {
	return int64(s.CPUs * 1e9)
}

// MemoryBytes converts the memory limit to bytes
func (s SandboxConfig) MemoryBytes() int64 {
	return s.MemoryMB << 20
}

// EventsConfig holds lifecycle event publishing configuration.
// An empty URL disables publishing.
type EventsConfig struct {
	NATSURL string `envconfig:"EVENTS_NATS_URL"`
	Subject string `envconfig:"EVENTS_SUBJECT" default:"nighthost.lifecycle"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "3000",
			Host:     "0.0.0.0",
			MaxConns: 1024,
		},
		Storage: StorageConfig{
			UploadDir: "./uploads",
			MaxBytes:  10 << 20,
		},
		Sandbox: SandboxConfig{
			Driver:       DriverAuto,
			MemoryMB:     256,
			CPUs:         0.5,
			PidsLimit:    128,
			Network:      "none",
			StopGrace:    10 * time.Second,
			RestartDelay: time.Second,
			PullTimeout:  5 * time.Minute,
		},
		Events: EventsConfig{
			Subject: "nighthost.lifecycle",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate checks values envconfig cannot check by type alone.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Sandbox.Driver) {
	case DriverAuto, DriverDocker, DriverSimulated:
		c.Sandbox.Driver = strings.ToLower(c.Sandbox.Driver)
	default:
		errs = append(errs, fmt.Errorf("SANDBOX_DRIVER must be auto, docker or simulated, got %q", c.Sandbox.Driver))
	}
	if c.Sandbox.MemoryMB <= 0 {
		errs = append(errs, errors.New("SANDBOX_MEMORY_MB must be positive"))
	}
	if c.Sandbox.CPUs <= 0 {
		errs = append(errs, errors.New("SANDBOX_CPUS must be positive"))
	}
	if c.Sandbox.StopGrace <= 0 {
		errs = append(errs, errors.New("SANDBOX_STOP_GRACE must be positive"))
	}
	if c.Sandbox.PullTimeout <= 0 {
		errs = append(errs, errors.New("SANDBOX_PULL_TIMEOUT must be positive"))
	}
	if c.Sandbox.RestartDelay < 0 {
		errs = append(errs, errors.New("SANDBOX_RESTART_DELAY must not be negative"))
	}
	if c.Server.MaxConns <= 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must be positive"))
	}
	if c.Storage.UploadDir == "" {
		errs = append(errs, errors.New("UPLOAD_DIR must be set"))
	}
	if c.Storage.MaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		errs = append(errs, errors.New("EVENTS_SUBJECT must be set when EVENTS_NATS_URL is"))
	}

	return errors.Join(errs...)
}
