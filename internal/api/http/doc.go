// Package http provides the watchd control API handlers.
//
// Every endpoint that changes a process slot posts an event to kernel main
// and answers 202 once the event is queued. A full kernel queue answers 503.
//
// Endpoints:
//   - Health: /, /health, /status
//   - Registry: /apps, /apps/:id, /apps/:id/prioritize, /watchface/default
//   - Slots: /apps/:id/launch, /workers/:id/launch, /slots/app/close,
//     /slots/app/force-quit, /slots/worker/close, /buttons/:button
//   - System: /runlevel, /power
//   - Diagnostics: /crashes, /crashes/:id, /traces, /metrics/snapshot
//
// Example Usage:
//
//	handlers := http.NewHandlers(k, reg, crashes, power, breakers, metrics, tracer, logger)
//	handlers.Register(router)
//	router.GET("/metrics/snapshot", http.NewMetricsAggregator(metrics, k, reg, breakers).GetAggregatedMetrics)
package http
