// Package registry tracks installed apps and hands out process metadata.
//
// The registry holds firmware-resident system apps (negative install ids)
// and flash installs (positive ids) loaded from manifests. It resolves the
// well-known roles the process core launches without a UUID lookup, such as
// the launcher and the built-in watchface.
//
// Components:
//   - Manager: install CRUD, metadata acquisition, roles, prioritization
//   - Seeder: loads *.yaml and *.toml manifests found under the apps dir
//
// Metadata ownership:
//   - System metadata is static and never released
//   - Flash metadata holds a reference until Release; the process core
//     releases it when the process slot is cleaned up
//   - Delete refuses installs with outstanding references (ErrInUse)
//
// Manifest example (apps/weather/manifest.yaml):
//
//	uuid: 3d1a6c9e-5f44-4a0b-8d6e-1f2a3b4c5d6e
//	name: Weather
//	sdk: sdk3
//	binary: weather.bin
//	resources: weather.pbpack
//	resource_checksum: 1234567890
//	entry: weather_main
//
// Example Usage:
//
//	reg := registry.NewManager(prefs, logger).WithMetrics(metrics)
//	_, err := registry.NewSeeder(reg, cfg.Storage.RegistryDir, logger).SeedApps(ctx)
//	md, err := reg.Metadata(id)
//	defer md.Release()
package registry
