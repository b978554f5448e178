// Package logging provides structured logging using uber/zap.
//
// Two output modes:
//   - Production: JSON output tagged with the service name
//   - Development: Colored console output for human readability
//
// Components receive a *zap.Logger, name it after themselves and attach
// server_id, sandbox_id and epoch fields to lifecycle messages.
//
// Example Usage:
//
//	logger := logging.NewOrNop(logging.DefaultConfig())
//	logger.Info("Server starting", zap.String("port", "3000"))
//	logger.Error("Failed to connect", zap.Error(err))
package logging
