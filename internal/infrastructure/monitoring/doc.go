/*
Package monitoring provides Prometheus metrics for the watch daemon.

# Overview

This package tracks the process lifecycle (launches, switches, forced
suspends, privileged traps, close timeouts, crashes), kernel main queue
depth, the control API and the notification stream.

# Usage

	// Create metrics collector on a dedicated registry
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg)

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record lifecycle events
	metrics.RecordLaunch("app", "success")
	metrics.RecordSwitch(true)

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
