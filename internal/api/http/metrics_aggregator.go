package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/resilience"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// MetricsAggregator joins HTTP counters, registry stats and the kernel's
// process statistics into one JSON document. Kernel queries go through a
// circuit breaker so a wedged kernel main does not stall every scrape.
type MetricsAggregator struct {
	metrics  *monitoring.Metrics
	kernel   Kernel
	registry *registry.Manager
	breakers *resilience.Group
	breaker  *resilience.Breaker
	timeout  time.Duration
}

// NewMetricsAggregator creates a metrics aggregator with circuit breaker
func NewMetricsAggregator(metrics *monitoring.Metrics, k Kernel, reg *registry.Manager, breakers *resilience.Group) *MetricsAggregator {
	breaker := resilience.New("metrics-snapshot", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &MetricsAggregator{
		metrics:  metrics,
		kernel:   k,
		registry: reg,
		breakers: breakers,
		breaker:  breaker,
		timeout:  2 * time.Second,
	}
}

// MetricsSnapshot represents a snapshot of all daemon metrics
type MetricsSnapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Summary   MetricsSummary    `json:"summary"`
	Processes *types.Stats      `json:"processes,omitempty"`
	Registry  registry.Stats    `json:"registry"`
	Breakers  map[string]string `json:"breakers,omitempty"`
	KernelErr string            `json:"kernel_error,omitempty"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	TotalRequests     int64   `json:"total_requests"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	ErrorRate         float64 `json:"error_rate"`
	ActiveConnections int64   `json:"active_connections"`
	Launches          int64   `json:"launches"`
	LaunchFailures    int64   `json:"launch_failures"`
	Crashes           int64   `json:"crashes"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// GetAggregatedMetrics returns the combined snapshot
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Summary:   ma.calculateSummary(),
		Registry:  ma.registry.Stats(),
	}
	if ma.breakers != nil {
		snapshot.Breakers = breakerStates(ma.breakers)
	}

	stats, err := ma.processStats(c)
	if err != nil {
		snapshot.KernelErr = err.Error()
	} else {
		snapshot.Processes = &stats
	}

	c.JSON(http.StatusOK, snapshot)
}

func (ma *MetricsAggregator) processStats(c *gin.Context) (types.Stats, error) {
	if err := ma.breaker.Allow(); err != nil {
		return types.Stats{}, err
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ma.timeout)
	defer cancel()

	snap, err := ma.kernel.Snapshot(ctx)
	if err != nil {
		ma.breaker.Failure()
		return types.Stats{}, err
	}
	ma.breaker.Success()
	return snap.Stats, nil
}

func (ma *MetricsAggregator) calculateSummary() MetricsSummary {
	if ma.metrics == nil {
		return MetricsSummary{}
	}
	snap := ma.metrics.GetSnapshot()

	summary := MetricsSummary{
		TotalRequests:     snap.TotalRequests,
		ActiveConnections: snap.ActiveConnections,
		Launches:          snap.Launches,
		LaunchFailures:    snap.LaunchFailures,
		Crashes:           snap.Crashes,
		UptimeSeconds:     ma.metrics.UptimeSeconds(),
	}
	if snap.RequestCount > 0 {
		summary.AverageLatencyMs = snap.TotalDuration / float64(snap.RequestCount) * 1000
	}
	if snap.TotalRequests > 0 {
		summary.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalRequests)
	}
	return summary
}
