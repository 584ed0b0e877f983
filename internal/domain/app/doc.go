// Package app manages the foreground app slot.
//
// Only one app runs at a time. Launching another asks the running app to
// close, then starts the queued one once the process core reports the old
// app safe to kill. Every method runs on kernel main.
//
// Switching:
//   - Graceful: the app gets a deinit event and a bounded time to exit
//   - Forced: the app is suspended, or trapped at its next privilege drop,
//     and the system default app replaces whatever was queued
//   - A flash app that fails to start falls back to the launcher, or to the
//     built-in watchface for watchfaces; a system app failing halts
//
// Crash handling:
//   - Forced kills posted by the running task are recorded as crashes
//   - A crashed watchface relaunches the default watchface, unless the same
//     face crashed within the dialog window, in which case a crash dialog
//     notification is sent instead
//   - A per-watchface circuit breaker swaps in the built-in face when a
//     default face keeps crashing
//
// Example Usage:
//
//	apps := app.NewManager(core, arena, reg, machine, kernel, app.DefaultConfig(), logger).
//	    WithCrashStore(crashes).
//	    WithNotifier(hub)
//	apps.Boot(ctx)
//	err := apps.Launch(ctx, types.LaunchConfig{ID: id, Reason: types.LaunchUser})
package app
