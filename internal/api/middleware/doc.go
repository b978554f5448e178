// Package middleware provides the HTTP middleware stack for the NightHost backend.
//
// Middleware stack includes:
//   - CORS: Cross-origin resource sharing, WebSocket origins included
//   - RateLimit: Per-IP token bucket rate limiting with idle-client eviction
//   - RequestID: Request correlation ids echoed in X-Request-ID
//   - AccessLog: One structured zap line per request
//
// Example Usage:
//
//	router.Use(middleware.RequestID())
//	router.Use(middleware.AccessLog(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
