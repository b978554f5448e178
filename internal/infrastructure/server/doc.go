// Package server assembles the NightHost service.
//
// NewServer wires every component from configuration:
//  1. Logger and Prometheus metrics
//  2. Identity registry rooted at the upload directory
//  3. Upload store and output fan-out hub
//  4. Sandbox driver (Docker, or simulated when the daemon is absent)
//  5. Lifecycle manager, with NATS events when configured
//  6. Gin router with the middleware stack, REST routes and WebSocket
//
// Close stops the HTTP listener, tears down running sandboxes, closes
// subscriber streams and releases the Docker and NATS connections.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
