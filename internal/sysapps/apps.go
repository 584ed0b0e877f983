package sysapps

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/loader"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Install ids of the firmware-resident apps
const (
	LauncherID        types.InstallID = -1
	WatchfaceID       types.InstallID = -2
	LowPowerFaceID    types.InstallID = -3
	BatteryCriticalID types.InstallID = -4
	PanicID           types.InstallID = -5
)

// PanicClearer drops the stored panic code once the user has seen it
type PanicClearer interface {
	ClearPanicCode() error
}

// Apps returns the firmware-resident apps with their registry roles
func Apps(panics PanicClearer, logger *zap.Logger) []registry.SystemApp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []registry.SystemApp{
		{
			Metadata: &process.SystemMetadata{
				ID:       LauncherID,
				AppName:  "Launcher",
				AppUUID:  uuid.MustParse("dec0424c-0625-4878-b1f2-147e57e83688"),
				Level:    types.RunLevelCritical,
				CodeSize: 2048,
				Main:     launcherMain,
			},
			Icon:        "launcher",
			RecordOrder: 0,
			Roles:       []registry.Role{registry.RoleLauncher},
		},
		{
			Metadata: &process.SystemMetadata{
				ID:        WatchfaceID,
				AppName:   "TicToc",
				AppUUID:   uuid.MustParse("8f3c8686-31a1-4f5f-91f5-01600c9bdc59"),
				Watchface: true,
				Level:     types.RunLevelCritical,
				CodeSize:  1024,
				Main:      watchfaceMain,
			},
			Icon:        "tictoc",
			RecordOrder: 1,
			Roles:       []registry.Role{registry.RoleBuiltinWatchface},
		},
		{
			Metadata: &process.SystemMetadata{
				ID:        LowPowerFaceID,
				AppName:   "Low Power",
				AppUUID:   uuid.MustParse("1b4f1bf9-7a3e-4d0c-9a54-5a8b7c3c2a10"),
				Watchface: true,
				Level:     types.RunLevelCritical,
				CodeSize:  512,
				Main:      watchfaceMain,
			},
			Visibility: types.VisibilityHidden,
			Roles:      []registry.Role{registry.RoleLowPowerFace},
		},
		{
			Metadata: &process.SystemMetadata{
				ID:       BatteryCriticalID,
				AppName:  "Battery Critical",
				AppUUID:  uuid.MustParse("4c7b0a86-2f1d-4e3a-8b6c-9d0e1f2a3b4c"),
				Level:    types.RunLevelCritical,
				CodeSize: 512,
				Main:     idleMain,
			},
			Visibility: types.VisibilityHidden,
			Roles:      []registry.Role{registry.RoleBatteryCritical},
		},
		{
			Metadata: &process.SystemMetadata{
				ID:       PanicID,
				AppName:  "Panic",
				AppUUID:  uuid.MustParse("a2b9c3d4-5e6f-4a70-8b91-c2d3e4f50617"),
				Level:    types.RunLevelCritical,
				CodeSize: 512,
				Main:     panicMain(panics, logger),
			},
			Visibility: types.VisibilityHidden,
			Roles:      []registry.Role{registry.RolePanic},
		},
	}
}

// Register adds the firmware-resident apps to reg and binds the demo flash
// entry symbols in entries.
func Register(reg *registry.Manager, entries *loader.EntryTable, panics PanicClearer, logger *zap.Logger) error {
	for _, app := range Apps(panics, logger) {
		if err := reg.RegisterSystem(app); err != nil {
			return fmt.Errorf("failed to register %s: %w", app.Metadata.AppName, err)
		}
	}
	if entries != nil {
		RegisterEntries(entries)
	}
	return nil
}

// launcherMain runs the app menu. Menu rendering is not modelled; the
// launcher only reports button presses.
func launcherMain(ctx context.Context, rt *process.Runtime) {
	rt.RunEventLoop(func(ev types.ProcessEvent) {
		if ev.Type == types.ProcessEventButton {
			rt.Logger().Debug("launcher button", zap.Int("button", int(ev.Button)))
		}
	})
}

// watchfaceMain redraws on every minute tick
func watchfaceMain(ctx context.Context, rt *process.Runtime) {
	rt.Subscribe(loader.TopicMinute)
	redraws := 0
	rt.RunEventLoop(func(ev types.ProcessEvent) {
		if ev.Type == types.ProcessEventTick {
			redraws++
			rt.Logger().Debug("watchface redraw", zap.Int("redraws", redraws))
		}
	})
}

func idleMain(ctx context.Context, rt *process.Runtime) {
	rt.RunEventLoop(nil)
}

// panicMain shows the stored panic code until a button is pressed, then
// clears it and exits.
func panicMain(panics PanicClearer, logger *zap.Logger) process.EntryFunc {
	return func(ctx context.Context, rt *process.Runtime) {
		for {
			ev, ok := rt.Next()
			if !ok {
				return
			}
			switch ev.Type {
			case types.ProcessEventDeinit:
				rt.Exit()
				return
			case types.ProcessEventButton:
				if panics != nil {
					rt.Syscall(func() {
						if err := panics.ClearPanicCode(); err != nil {
							logger.Warn("failed to clear panic code", zap.Error(err))
						}
					})
				}
				rt.Exit()
				return
			}
		}
	}
}
