// Package config provides 12-factor configuration management for the NightHost backend.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host, connection cap)
//   - Storage: Upload directory, size limit and allowed file patterns
//   - Sandbox: Driver selection, images and resource limits
//   - Events: Optional NATS lifecycle event publishing
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, MAX_CONNECTIONS, UPLOAD_DIR, UPLOAD_MAX_BYTES, UPLOAD_ALLOWED
//   - SANDBOX_DRIVER, SANDBOX_PYTHON_IMAGE, SANDBOX_NODE_IMAGE, SANDBOX_RUNTIMES_FILE
//   - SANDBOX_MEMORY_MB, SANDBOX_CPUS, SANDBOX_PIDS_LIMIT, SANDBOX_NETWORK
//   - SANDBOX_STOP_GRACE, SANDBOX_RESTART_DELAY, SANDBOX_PULL_TIMEOUT
//   - EVENTS_NATS_URL, EVENTS_SUBJECT
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
