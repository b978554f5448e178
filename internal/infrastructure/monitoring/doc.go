/*
Package monitoring provides metrics collection for the NightHost backend.

# Overview

Every Metrics value owns a Prometheus registry. It implements the recorder
interfaces of the lifecycle manager, the image resolver and the log fan-out,
so those packages stay free of Prometheus imports.

# Metrics

- HTTP request metrics (latency, size, status) labelled by route pattern
- Lifecycle commands by operation and outcome
- Stop cleanup outcomes and unprompted sandbox exits
- Active sandbox gauge
- Image pulls by outcome
- Delivered and dropped log records, open WebSocket subscriptions

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	manager.WithMetrics(metrics)
	hub.WithRecorder(metrics)
*/
package monitoring
