// Package config provides 12-factor configuration for the watch daemon.
//
// Configuration is loaded from environment variables with firmware defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: control API listen address
//   - Kernel: kernel main queue size, post timeout and tick period
//   - Process: close timeouts, process queue size, task priorities
//   - Memory: arena sizes, stack guard size, layout override file
//   - Crash: crash dialog window, report persistence, crash-loop breaker
//   - Storage: registry directory and preferences file
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("control API on %s\n", cfg.Server.Addr())
package config
