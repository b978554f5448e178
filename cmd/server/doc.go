// Package main is the entry point for the NightHost backend.
//
// NightHost hosts user bots: clients register a server, upload bot.py or
// bot.js, then start, stop and restart it while watching its output live
// over WebSocket. Each bot runs in its own resource-limited container.
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 3000
//
//	# Development mode without Docker (colored logs, bots are not executed)
//	./server -dev -driver simulated
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, running bots are stopped
package main
