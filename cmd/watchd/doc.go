// Package main is the entry point for watchd, the watch firmware process
// manager daemon.
//
// watchd runs kernel main, the app and worker slots, and the install
// registry, and exposes them over an HTTP control API:
//
//	watchctl / phone bridge → HTTP + WebSocket → kernel main → app / worker slots
//
// The server provides:
//   - REST API for launching, closing and inspecting processes
//   - WebSocket stream of run state and crash notifications
//   - Prometheus metrics on /metrics
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./watchd -port 8000 -data /var/lib/watchd
//
//	# Development mode (colored logs, debug level)
//	./watchd -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
