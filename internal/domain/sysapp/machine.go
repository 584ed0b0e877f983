package sysapp

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Apps is what the machine needs from the registry
type Apps interface {
	Role(role registry.Role) types.InstallID
	IsWatchface(id types.InstallID) bool
	DefaultWatchface() types.InstallID
}

// PanicSource reports a stored panic code; zero means none
type PanicSource interface {
	PanicCode() uint32
}

// Power holds the battery conditions that steer the boot decision. It is
// written by the control API and read on kernel main.
type Power struct {
	batteryCritical atomic.Bool
	lowPower        atomic.Bool
}

func (p *Power) SetBatteryCritical(v bool) { p.batteryCritical.Store(v) }
func (p *Power) SetLowPower(v bool)        { p.lowPower.Store(v) }
func (p *Power) BatteryCritical() bool     { return p.batteryCritical.Load() }
func (p *Power) LowPower() bool            { return p.lowPower.Load() }

// Machine decides which app opens next when the current one closes. Its
// state is owned by kernel main.
type Machine struct {
	apps   Apps
	power  *Power
	panics PanicSource
	logger *zap.Logger

	rootedInWatchface bool
}

// New creates a machine rooted in the launcher
func New(apps Apps, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{apps: apps, power: &Power{}, logger: logger}
}

// WithPower sets the battery condition source
func (m *Machine) WithPower(p *Power) *Machine {
	m.power = p
	return m
}

// WithPanics sets the stored panic code source
func (m *Machine) WithPanics(p PanicSource) *Machine {
	m.panics = p
	return m
}

// Power returns the battery condition holder
func (m *Machine) Power() *Power { return m.power }

// RootedInWatchface reports whether closing the app stack returns to the
// watchface rather than the launcher.
func (m *Machine) RootedInWatchface() bool { return m.rootedInWatchface }

// RegisterLaunch updates the root. The launcher roots in the launcher, any
// watchface roots in the watchface, everything else leaves it alone.
func (m *Machine) RegisterLaunch(id types.InstallID) {
	switch {
	case id == m.apps.Role(registry.RoleLauncher):
		m.rootedInWatchface = false
	case m.apps.IsWatchface(id):
		m.rootedInWatchface = true
	default:
		return
	}
	m.logger.Debug("root changed", zap.Int32("install_id", int32(id)), zap.Bool("watchface", m.rootedInWatchface))
}

// LastRegisteredApp returns where to go when current closes. An app
// launched over a watchface returns to the default watchface, and so does
// the launcher itself; otherwise the user goes back to the launcher.
func (m *Machine) LastRegisteredApp(current types.InstallID) types.InstallID {
	launcher := m.apps.Role(registry.RoleLauncher)
	if (m.rootedInWatchface && !m.apps.IsWatchface(current)) || current == launcher {
		return m.apps.DefaultWatchface()
	}
	return launcher
}

// SystemStart picks the first app after boot
func (m *Machine) SystemStart() types.InstallID {
	switch {
	case m.power.BatteryCritical():
		return m.apps.Role(registry.RoleBatteryCritical)
	case m.power.LowPower():
		return m.apps.Role(registry.RoleLowPowerFace)
	case m.panics != nil && m.panics.PanicCode() != 0:
		return m.apps.Role(registry.RolePanic)
	default:
		return m.apps.Role(registry.RoleLauncher)
	}
}
