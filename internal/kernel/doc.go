// Package kernel runs kernel main, the single goroutine that owns the app
// and worker slots.
//
// Every state change to a process slot happens on kernel main. Other
// goroutines (process tasks, timers, the control API) post events through a
// bounded queue and never touch the slots directly. Handlers running on
// kernel main may post to themselves; those events skip the queue and run
// after the current one, so kernel main never blocks on its own queue.
//
// Events:
//   - launch, close, force quit, button and back-button: from the control API
//   - kill, process exit, trap hit, exit reason: from process tasks
//   - timer: close timers and the back-button force-quit timer
//   - tick: minute tick published to subscribed processes
//   - snapshot: synchronous read of both slots through a reply channel
//
// Example Usage:
//
//	k := kernel.New(kernel.DefaultConfig(), logger).WithMetrics(metrics)
//	core := process.NewManager(procCfg, k, loader, logger)
//	k.Attach(apps, workers)
//	go k.Run(ctx)
//	err := k.Launch(ctx, types.LaunchConfig{ID: id, Reason: types.LaunchUser})
package kernel
