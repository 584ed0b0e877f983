// Package middleware provides the HTTP middleware for the watchd control API.
//
// CORS admits browser-based companion tools from the configured origins.
// RateLimit keeps a token bucket per client IP so a misbehaving bridge cannot
// flood kernel main with launch and button events; idle buckets are swept
// after IdleTTL and health probes and metrics scrapes are exempt.
//
// Example Usage:
//
//	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
