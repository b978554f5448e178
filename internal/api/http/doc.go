// Package http serves the NightHost REST API.
//
// Endpoints:
//   - Landing page: /
//   - Servers: POST /api/create, GET /api/servers, GET /api/status
//   - Bot code: POST /api/upload
//   - Lifecycle: POST /api/action (start, stop, restart)
//   - Health: /health
//
// Every /api response carries "ok". Failures answer {"ok": false, "error": "..."}
// with a status code chosen from the domain error: unknown servers are 404,
// invalid input 400, oversized uploads 413, missing images 503 and
// container runtime failures 502.
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, registry, store, metrics, logger)
//	router.POST("/api/action", handlers.Action)
package http
