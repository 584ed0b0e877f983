package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "prefs.toml"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Values{}, s.Values())
}

func TestRoundTripThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "prefs.toml")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SetDefaultWatchface("8f3c8686-31a1-4f5f-91f5-01600c9bdc59"))
	require.NoError(t, s.SetLastCodeBank(types.InstallID(7)))
	require.NoError(t, s.SetPanicCode(0xBAD))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "8f3c8686-31a1-4f5f-91f5-01600c9bdc59", reopened.DefaultWatchface())
	assert.Equal(t, types.InstallID(7), reopened.LastCodeBank())
	assert.Equal(t, uint32(0xBAD), reopened.PanicCode())

	require.NoError(t, reopened.ClearPanicCode())
	assert.Zero(t, reopened.PanicCode())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	require.NoError(t, os.WriteFile(path, []byte("default_watchface = ["), 0o644))

	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.SetLastCodeBank(-3))
	assert.Equal(t, types.InstallID(-3), s.LastCodeBank())
}
