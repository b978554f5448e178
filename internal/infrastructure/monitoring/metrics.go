package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nighthost"

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// tests and embedded servers never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Lifecycle metrics
	LifecycleOps      *prometheus.CounterVec
	LifecycleDuration *prometheus.HistogramVec
	StopCleanups      *prometheus.CounterVec
	SandboxExits      *prometheus.CounterVec
	SandboxesActive   prometheus.Gauge

	// Image metrics
	ImagePulls        *prometheus.CounterVec
	ImagePullDuration prometheus.Histogram

	// Log fan-out metrics
	RecordsDelivered prometheus.Counter
	RecordsDropped   prometheus.Counter
	WSSubscribers    prometheus.Gauge

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	ActiveSandboxes   int64   `json:"active_sandboxes"`
	ActiveSubscribers int64   `json:"active_subscribers"`
	DroppedRecords    int64   `json:"dropped_records"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	UptimeSeconds     float64 `json:"uptime_seconds"`

	totalDuration float64
}

// NewMetrics creates a metrics collector with its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Lifecycle metrics
		LifecycleOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Lifecycle commands by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		LifecycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Lifecycle command duration in seconds, including lock wait",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		),
		StopCleanups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stop_cleanup_total",
				Help:      "Sandbox teardown outcomes",
			},
			[]string{"outcome"},
		),
		SandboxExits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_exits_total",
				Help:      "Sandboxes that exited on their own",
			},
			[]string{"oom_killed"},
		),
		SandboxesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandboxes_active",
				Help:      "Servers that are starting or online",
			},
		),

		// Image metrics
		ImagePulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_pulls_total",
				Help:      "Image pulls by image and outcome",
			},
			[]string{"image", "outcome"},
		),
		ImagePullDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_pull_duration_seconds",
				Help:      "Image pull duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),

		// Log fan-out metrics
		RecordsDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_delivered_total",
				Help:      "Output records delivered to subscribers",
			},
		),
		RecordsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_dropped_total",
				Help:      "Output records skipped because a subscriber could not keep up",
			},
		),
		WSSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_subscribers",
				Help:      "Open WebSocket log subscriptions",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Backend uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves this instance's registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLifecycleOp records a lifecycle command
func (m *Metrics) RecordLifecycleOp(op, outcome string, duration time.Duration) {
	m.LifecycleOps.WithLabelValues(op, outcome).Inc()
	m.LifecycleDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordStopCleanup records how completely a stop released its sandbox
func (m *Metrics) RecordStopCleanup(outcome string) {
	m.StopCleanups.WithLabelValues(outcome).Inc()
}

// RecordSandboxExit records a sandbox that terminated on its own
func (m *Metrics) RecordSandboxExit(oomKilled bool) {
	label := "false"
	if oomKilled {
		label = "true"
	}
	m.SandboxExits.WithLabelValues(label).Inc()
}

// SetActiveSandboxes sets the number of starting or online servers
func (m *Metrics) SetActiveSandboxes(n int) {
	m.SandboxesActive.Set(float64(n))
	m.mu.Lock()
	m.snapshot.ActiveSandboxes = int64(n)
	m.mu.Unlock()
}

// RecordImagePull records an image pull
func (m *Metrics) RecordImagePull(image, outcome string, duration time.Duration) {
	m.ImagePulls.WithLabelValues(image, outcome).Inc()
	m.ImagePullDuration.Observe(duration.Seconds())
}

// RecordFanout records one publish to a server's subscribers
func (m *Metrics) RecordFanout(delivered, dropped int) {
	if delivered > 0 {
		m.RecordsDelivered.Add(float64(delivered))
	}
	if dropped > 0 {
		m.RecordsDropped.Add(float64(dropped))
		m.mu.Lock()
		m.snapshot.DroppedRecords += int64(dropped)
		m.mu.Unlock()
	}
}

// IncSubscribers increments open WebSocket subscriptions
func (m *Metrics) IncSubscribers() {
	m.WSSubscribers.Inc()
	m.mu.Lock()
	m.snapshot.ActiveSubscribers++
	m.mu.Unlock()
}

// DecSubscribers decrements open WebSocket subscriptions
func (m *Metrics) DecSubscribers() {
	m.WSSubscribers.Dec()
	m.mu.Lock()
	m.snapshot.ActiveSubscribers--
	m.mu.Unlock()
}

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgLatencyMS = s.totalDuration / float64(s.TotalRequests) * 1000
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
