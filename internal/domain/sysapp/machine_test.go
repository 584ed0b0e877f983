package sysapp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

const (
	launcher     types.InstallID = -1
	builtinFace  types.InstallID = -2
	lowPowerFace types.InstallID = -3
	battery      types.InstallID = -4
	panicApp     types.InstallID = -5
	userFace     types.InstallID = 10
	weather      types.InstallID = 11
	music        types.InstallID = 12
)

type fakeApps struct {
	def types.InstallID
}

func (f fakeApps) Role(role registry.Role) types.InstallID {
	switch role {
	case registry.RoleLauncher:
		return launcher
	case registry.RoleBuiltinWatchface:
		return builtinFace
	case registry.RoleLowPowerFace:
		return lowPowerFace
	case registry.RoleBatteryCritical:
		return battery
	case registry.RolePanic:
		return panicApp
	}
	return types.InstallIDInvalid
}

func (f fakeApps) IsWatchface(id types.InstallID) bool {
	return id == builtinFace || id == userFace || id == lowPowerFace
}

func (f fakeApps) DefaultWatchface() types.InstallID { return f.def }

type panicCode uint32

func (p panicCode) PanicCode() uint32 { return uint32(p) }

func TestRegisterLaunchTracksRoot(t *testing.T) {
	m := New(fakeApps{def: userFace}, nil)
	assert.False(t, m.RootedInWatchface())

	m.RegisterLaunch(userFace)
	assert.True(t, m.RootedInWatchface())

	m.RegisterLaunch(weather)
	assert.True(t, m.RootedInWatchface(), "ordinary apps leave the root alone")

	m.RegisterLaunch(launcher)
	assert.False(t, m.RootedInWatchface())

	m.RegisterLaunch(music)
	assert.False(t, m.RootedInWatchface())
}

func TestLastRegisteredApp(t *testing.T) {
	tests := []struct {
		name     string
		launches []types.InstallID
		current  types.InstallID
		want     types.InstallID
	}{
		{"app over watchface returns to watchface", []types.InstallID{userFace, weather}, weather, userFace},
		{"watchface closing returns to launcher", []types.InstallID{userFace}, userFace, launcher},
		{"app over launcher returns to launcher", []types.InstallID{launcher, weather}, weather, launcher},
		{"launcher closing returns to watchface", []types.InstallID{launcher}, launcher, userFace},
		{"launcher closing while rooted in watchface", []types.InstallID{userFace, launcher}, launcher, userFace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(fakeApps{def: userFace}, nil)
			for _, id := range tt.launches {
				m.RegisterLaunch(id)
			}
			assert.Equal(t, tt.want, m.LastRegisteredApp(tt.current))
		})
	}
}

// The watchface is returned exactly when the last root-defining launch was
// a watchface and the closing app is not a watchface, or the launcher closes.
func TestLastRegisteredAppMatchesRootModel(t *testing.T) {
	apps := fakeApps{def: userFace}
	ids := []types.InstallID{launcher, builtinFace, userFace, weather, music}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		m := New(apps, nil)
		rooted := false
		n := rng.Intn(8)
		for j := 0; j < n; j++ {
			id := ids[rng.Intn(len(ids))]
			m.RegisterLaunch(id)
			if id == launcher {
				rooted = false
			} else if apps.IsWatchface(id) {
				rooted = true
			}
		}

		current := ids[rng.Intn(len(ids))]
		want := launcher
		if (rooted && !apps.IsWatchface(current)) || current == launcher {
			want = userFace
		}
		assert.Equal(t, want, m.LastRegisteredApp(current))
		assert.Equal(t, rooted, m.RootedInWatchface())
	}
}

func TestSystemStartPrecedence(t *testing.T) {
	power := &Power{}
	m := New(fakeApps{def: userFace}, nil).WithPower(power).WithPanics(panicCode(0))
	assert.Equal(t, launcher, m.SystemStart())

	m.WithPanics(panicCode(0x42))
	assert.Equal(t, panicApp, m.SystemStart())

	power.SetLowPower(true)
	assert.Equal(t, lowPowerFace, m.SystemStart())

	power.SetBatteryCritical(true)
	assert.Equal(t, battery, m.SystemStart())
}
