// Package paths defines the on-disk layout of a watchd data directory.
//
//	<root>/
//	  apps/<uuid>.yaml   install manifests saved through the control API
//	  apps/**            hand-placed manifests and binaries, seeded at boot
//	  crashes/           zstd-compressed crash reports
//	  prefs.toml         persisted preferences
//	  layouts.yaml       optional per-SDK memory layout overrides
//
// Example Usage:
//
//	l := paths.New("/var/lib/watchd")
//	cfg.Storage.RegistryDir = l.Apps()
//	path := paths.Manifest(l.Apps(), entry.UUID)
package paths
