package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Process lifecycle metrics
	LaunchesTotal   *prometheus.CounterVec
	SwitchesTotal   *prometheus.CounterVec
	ForcedSuspends  *prometheus.CounterVec
	PrivilegedTraps *prometheus.CounterVec
	CloseTimeouts   *prometheus.CounterVec
	Crashes         *prometheus.CounterVec
	CrashDialogs    prometheus.Counter
	ProcessesActive *prometheus.GaugeVec
	HeapHighWater   *prometheus.HistogramVec

	// Kernel main metrics
	KernelEvents     *prometheus.CounterVec
	KernelQueueDepth prometheus.Gauge

	// Registry metrics
	RegistryApps prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	Launches          int64   `json:"launches"`
	LaunchFailures    int64   `json:"launch_failures"`
	Crashes           int64   `json:"crashes"`
	ActiveConnections int64   `json:"active_connections"`
	TotalDuration     float64 `json:"-"`
	RequestCount      int64   `json:"-"`
}

// NewMetricsWith creates a metrics collector registered on reg. Tests pass a
// fresh prometheus.NewRegistry() so collectors never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Process lifecycle metrics
	m.LaunchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_process_launches_total",
			Help: "Total number of process launches",
		},
		[]string{"kind", "result"},
	)
	m.SwitchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_app_switches_total",
			Help: "Total number of completed app switches",
		},
		[]string{"mode"},
	)
	m.ForcedSuspends = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_process_forced_suspends_total",
			Help: "Processes suspended immediately on forced close",
		},
		[]string{"kind"},
	)
	m.PrivilegedTraps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_process_privileged_traps_total",
			Help: "Forced closes deferred to a privilege-drop trap",
		},
		[]string{"kind"},
	)
	m.CloseTimeouts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_process_close_timeouts_total",
			Help: "Close timers that expired before the process was safe",
		},
		[]string{"kind", "timer"},
	)
	m.Crashes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_process_crashes_total",
			Help: "Processes killed without a graceful exit",
		},
		[]string{"kind"},
	)
	m.CrashDialogs = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "watchd_crash_dialogs_total",
			Help: "Watchface crash dialogs shown",
		},
	)
	m.ProcessesActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchd_processes_active",
			Help: "Occupied process slots",
		},
		[]string{"kind"},
	)
	m.HeapHighWater = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchd_process_heap_high_water_bytes",
			Help:    "Heap high water mark observed at process cleanup",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		},
		[]string{"kind"},
	)

	// Kernel main metrics
	m.KernelEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_kernel_events_total",
			Help: "Events dispatched by kernel main",
		},
		[]string{"type"},
	)
	m.KernelQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchd_kernel_queue_depth",
			Help: "Events waiting in the kernel main queue",
		},
	)

	// Registry metrics
	m.RegistryApps = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchd_registry_apps",
			Help: "Number of installs in the registry",
		},
	)

	// WebSocket metrics
	m.WSConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchd_ws_connections",
			Help: "Number of active WebSocket connections",
		},
	)
	m.WSMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchd_ws_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)

	// System metrics
	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "watchd_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLaunch records a process start attempt
func (m *Metrics) RecordLaunch(kind, result string) {
	m.LaunchesTotal.WithLabelValues(kind, result).Inc()

	m.mu.Lock()
	m.snapshot.Launches++
	if result != "success" {
		m.snapshot.LaunchFailures++
	}
	m.mu.Unlock()
}

// RecordSwitch records a completed app switch
func (m *Metrics) RecordSwitch(gracefully bool) {
	mode := "forced"
	if gracefully {
		mode = "graceful"
	}
	m.SwitchesTotal.WithLabelValues(mode).Inc()
}

// RecordForcedSuspend records a process suspended outside privileged code
func (m *Metrics) RecordForcedSuspend(kind string) {
	m.ForcedSuspends.WithLabelValues(kind).Inc()
}

// RecordPrivilegedTrap records a forced close deferred to the trap
func (m *Metrics) RecordPrivilegedTrap(kind string) {
	m.PrivilegedTraps.WithLabelValues(kind).Inc()
}

// RecordCloseTimeout records an expired close timer
func (m *Metrics) RecordCloseTimeout(kind, timer string) {
	m.CloseTimeouts.WithLabelValues(kind, timer).Inc()
}

// RecordCrash records a process that died without a graceful exit
func (m *Metrics) RecordCrash(kind string) {
	m.Crashes.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.Crashes++
	m.mu.Unlock()
}

// IncCrashDialogs increments the crash dialog counter
func (m *Metrics) IncCrashDialogs() {
	m.CrashDialogs.Inc()
}

// SetProcessActive marks a process slot occupied or empty
func (m *Metrics) SetProcessActive(kind string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.ProcessesActive.WithLabelValues(kind).Set(v)
}

// ObserveHeapHighWater records a process heap high water mark
func (m *Metrics) ObserveHeapHighWater(kind string, bytes uintptr) {
	m.HeapHighWater.WithLabelValues(kind).Observe(float64(bytes))
}

// RecordKernelEvent records one dispatched kernel event
func (m *Metrics) RecordKernelEvent(eventType string) {
	m.KernelEvents.WithLabelValues(eventType).Inc()
}

// SetKernelQueueDepth sets the kernel queue depth gauge
func (m *Metrics) SetKernelQueueDepth(depth int) {
	m.KernelQueueDepth.Set(float64(depth))
}

// SetRegistryApps sets the number of apps in registry
func (m *Metrics) SetRegistryApps(count int) {
	m.RegistryApps.Set(float64(count))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// GetSnapshot returns the current JSON-friendly metric values
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeSeconds returns how long the collector has existed
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
