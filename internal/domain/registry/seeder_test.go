package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

func writeManifest(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSeedAppsLoadsYAMLAndTOML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "weather/manifest.yaml", `
uuid: 3d1a6c9e-5f44-4a0b-8d6e-1f2a3b4c5d6e
name: Weather
sdk: sdk3
binary: weather.bin
entry: weather_main
record_order: 4
`)
	writeManifest(t, dir, "faces/rocky/app.toml", `
uuid = "c0ffee00-1111-4222-8333-444455556666"
name = "Rocky Face"
sdk = "rocky"
watchface = true
binary = "face.js"
`)
	writeManifest(t, dir, "broken/manifest.yaml", "name: [")
	writeManifest(t, dir, "nameless/manifest.yml", "uuid: 8f3c8686-31a1-4f5f-91f5-01600c9bdc59\n")
	writeManifest(t, dir, "notes/readme.txt", "ignored")

	m := NewManager(nil, nil)
	result, err := NewSeeder(m, dir, nil).SeedApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Loaded)
	assert.Equal(t, 2, result.Failed)

	id, err := m.LookupUUID("3d1a6c9e-5f44-4a0b-8d6e-1f2a3b4c5d6e")
	require.NoError(t, err)
	weather, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SDK3, weather.SDK)
	assert.Equal(t, filepath.Join(dir, "weather", "weather.bin"), weather.Binary)
	assert.Equal(t, 4, weather.RecordOrder)

	id, err = m.LookupUUID("C0FFEE00-1111-4222-8333-444455556666")
	require.NoError(t, err)
	face, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SDKRocky, face.SDK)
	assert.True(t, face.Watchface)
	assert.Equal(t, filepath.Join(dir, "faces", "rocky", "face.js"), face.Binary)
}

func TestSeedAppsMissingDir(t *testing.T) {
	m := NewManager(nil, nil)
	result, err := NewSeeder(m, filepath.Join(t.TempDir(), "absent"), nil).SeedApps(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Loaded)
}
