package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/loader"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

var (
	// ErrQueueFull is returned when an event could not be queued in time
	ErrQueueFull = errors.New("kernel queue full")
	// ErrStopped is returned once kernel main has exited
	ErrStopped = errors.New("kernel stopped")
)

// AppSlot is the foreground app manager as kernel main drives it
type AppSlot interface {
	Boot(ctx context.Context)
	Launch(ctx context.Context, cfg types.LaunchConfig) error
	CloseCurrent(ctx context.Context, gracefully bool)
	ForceQuitToLauncher(ctx context.Context)
	HandleKill(ctx context.Context, ev types.Event)
	HandleExit(ctx context.Context, ev types.Event)
	HandleTrap(ctx context.Context, ev types.Event)
	HandleTimer(ctx context.Context, ev types.Event)
	SetExitReason(ctx context.Context, ev types.Event)
	BackHeld(ctx context.Context)
	BackReleased(ctx context.Context)
	SendButton(ctx context.Context, button types.ButtonID) bool
	SetMinRunLevel(ctx context.Context, level types.RunLevel)
	Shutdown(ctx context.Context)
	Current() *types.ProcessInfo
	Stats() types.Stats
}

// WorkerSlot is the background worker manager as kernel main drives it
type WorkerSlot interface {
	Launch(ctx context.Context, cfg types.LaunchConfig) error
	Close(ctx context.Context, gracefully bool)
	HandleKill(ctx context.Context, ev types.Event)
	HandleExit(ctx context.Context, ev types.Event)
	HandleTrap(ctx context.Context, ev types.Event)
	HandleTimer(ctx context.Context, ev types.Event)
	SetMinRunLevel(ctx context.Context, level types.RunLevel)
	Shutdown(ctx context.Context)
	Current() *types.ProcessInfo
}

// Config holds kernel main tunables
type Config struct {
	QueueSize   int
	PostTimeout time.Duration
	TickPeriod  time.Duration
}

// DefaultConfig returns the daemon defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:   64,
		PostTimeout: time.Second,
		TickPeriod:  time.Minute,
	}
}

// Kernel is kernel main: one goroutine that owns both process slots and
// handles every event that mutates them. Everything else talks to it
// through Post.
type Kernel struct {
	cfg     Config
	events  chan types.Event
	done    chan struct{}
	clock   clock.Clock
	subs    *process.Subscriptions
	logger  *zap.Logger
	metrics *monitoring.Metrics

	apps    AppSlot
	workers WorkerSlot

	// backlog holds events kernel main posted to itself. Only kernel main
	// touches it.
	backlog []types.Event
	tick    clock.Timer
}

// New creates kernel main. Attach the slot managers before Run.
func New(cfg Config, logger *zap.Logger) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = DefaultConfig().PostTimeout
	}
	return &Kernel{
		cfg:    cfg,
		events: make(chan types.Event, cfg.QueueSize),
		done:   make(chan struct{}),
		clock:  clock.Real{},
		logger: logger,
	}
}

// WithClock replaces the wall clock used for minute ticks
func (k *Kernel) WithClock(c clock.Clock) *Kernel {
	k.clock = c
	return k
}

// WithSubscriptions publishes minute ticks to subscribed processes
func (k *Kernel) WithSubscriptions(s *process.Subscriptions) *Kernel {
	k.subs = s
	return k
}

// WithMetrics adds metrics tracking to kernel main
func (k *Kernel) WithMetrics(metrics *monitoring.Metrics) *Kernel {
	k.metrics = metrics
	return k
}

// Attach sets the slot managers. The managers post back through k, so they
// are built after it.
func (k *Kernel) Attach(apps AppSlot, workers WorkerSlot) {
	k.apps = apps
	k.workers = workers
}

// Post queues ev for kernel main. Kernel main posting to itself never
// blocks; the event runs after the current one. Other callers wait until
// ctx is done or the post timeout passes.
func (k *Kernel) Post(ctx context.Context, ev types.Event) error {
	if task, ok := process.Executor(ctx); ok && task == process.TaskKernelMain {
		k.backlog = append(k.backlog, ev)
		return nil
	}

	select {
	case <-k.done:
		return ErrStopped
	default:
	}

	timer := time.NewTimer(k.cfg.PostTimeout)
	defer timer.Stop()

	select {
	case k.events <- ev:
		if k.metrics != nil {
			k.metrics.SetKernelQueueDepth(len(k.events))
		}
		return nil
	case <-k.done:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrQueueFull, ev.Type, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrQueueFull, ev.Type)
	}
}

// Run boots the first app and dispatches events until ctx is cancelled,
// then shuts both slots down.
func (k *Kernel) Run(ctx context.Context) error {
	if k.apps == nil || k.workers == nil {
		return errors.New("kernel: slot managers not attached")
	}
	defer close(k.done)

	kctx := process.WithExecutor(ctx, process.TaskKernelMain)
	k.logger.Info("kernel main started", zap.Int("queue_size", k.cfg.QueueSize))

	k.apps.Boot(kctx)
	k.scheduleTick()
	k.drainBacklog(kctx)

	for {
		select {
		case <-ctx.Done():
			k.shutdown(kctx)
			return nil
		case ev := <-k.events:
			if k.metrics != nil {
				k.metrics.SetKernelQueueDepth(len(k.events))
			}
			k.dispatch(kctx, ev)
			k.drainBacklog(kctx)
		}
	}
}

// Snapshot asks kernel main for the state of both slots
func (k *Kernel) Snapshot(ctx context.Context) (types.Snapshot, error) {
	reply := make(chan types.Snapshot, 1)
	if err := k.Post(ctx, types.Event{Type: types.EventSnapshot, Reply: reply}); err != nil {
		return types.Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-k.done:
		return types.Snapshot{}, ErrStopped
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
}

// Launch queues an app launch
func (k *Kernel) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	return k.Post(ctx, types.Event{Type: types.EventLaunch, Kind: types.KindApp, Launch: &cfg})
}

// LaunchWorker queues a worker launch
func (k *Kernel) LaunchWorker(ctx context.Context, cfg types.LaunchConfig) error {
	return k.Post(ctx, types.Event{Type: types.EventWorkerLaunch, Kind: types.KindWorker, Launch: &cfg})
}

// CloseApp asks the running app to close
func (k *Kernel) CloseApp(ctx context.Context, gracefully bool) error {
	return k.Post(ctx, types.Event{Type: types.EventCloseCurrent, Kind: types.KindApp, Gracefully: gracefully})
}

// CloseWorker asks the running worker to close
func (k *Kernel) CloseWorker(ctx context.Context, gracefully bool) error {
	return k.Post(ctx, types.Event{Type: types.EventWorkerClose, Kind: types.KindWorker, Gracefully: gracefully})
}

// ForceQuit returns to the system default app
func (k *Kernel) ForceQuit(ctx context.Context) error {
	return k.Post(ctx, types.Event{Type: types.EventForceQuit, Kind: types.KindApp})
}

// Button delivers a button press to the running app. A held back button
// arms the force-quit timer until it is released.
func (k *Kernel) Button(ctx context.Context, button types.ButtonID) error {
	return k.Post(ctx, types.Event{Type: types.EventButton, Kind: types.KindApp, Button: button})
}

// BackHeld reports the back button held down or released
func (k *Kernel) BackHeld(ctx context.Context, held bool) error {
	typ := types.EventBackReleased
	if held {
		typ = types.EventBackHeld
	}
	return k.Post(ctx, types.Event{Type: typ, Kind: types.KindApp})
}

// SetMinRunLevel changes the minimum run level of both slots
func (k *Kernel) SetMinRunLevel(ctx context.Context, level types.RunLevel) error {
	return k.Post(ctx, types.Event{Type: types.EventMinRunLevel, RunLevel: level})
}

func (k *Kernel) dispatch(ctx context.Context, ev types.Event) {
	if k.metrics != nil {
		k.metrics.RecordKernelEvent(ev.Type.String())
	}
	k.logger.Debug("kernel event",
		zap.Stringer("type", ev.Type),
		zap.Stringer("kind", ev.Kind),
		zap.Uint32("task", ev.TaskID),
	)

	switch ev.Type {
	case types.EventLaunch:
		if ev.Launch == nil {
			return
		}
		if err := k.apps.Launch(ctx, *ev.Launch); err != nil {
			k.logger.Warn("launch rejected", zap.Int32("install_id", int32(ev.Launch.ID)), zap.Error(err))
		}
	case types.EventCloseCurrent:
		k.apps.CloseCurrent(ctx, ev.Gracefully)
	case types.EventForceQuit:
		k.apps.ForceQuitToLauncher(ctx)
	case types.EventBackHeld:
		k.apps.BackHeld(ctx)
	case types.EventBackReleased:
		k.apps.BackReleased(ctx)
	case types.EventButton:
		if !k.apps.SendButton(ctx, ev.Button) {
			k.logger.Debug("button dropped", zap.Int("button", int(ev.Button)))
		}
	case types.EventExitReason:
		if ev.Kind == types.KindApp {
			k.apps.SetExitReason(ctx, ev)
		}
	case types.EventWorkerLaunch:
		if ev.Launch == nil {
			return
		}
		if err := k.workers.Launch(ctx, *ev.Launch); err != nil {
			k.logger.Warn("worker launch rejected", zap.Int32("install_id", int32(ev.Launch.ID)), zap.Error(err))
		}
	case types.EventWorkerClose:
		k.workers.Close(ctx, ev.Gracefully)
	case types.EventMinRunLevel:
		k.apps.SetMinRunLevel(ctx, ev.RunLevel)
		k.workers.SetMinRunLevel(ctx, ev.RunLevel)
	case types.EventKill, types.EventProcessExit, types.EventTrapHit, types.EventTimer:
		k.dispatchSlot(ctx, ev)
	case types.EventTick:
		k.publishTick()
		k.scheduleTick()
	case types.EventSnapshot:
		if ev.Reply != nil {
			ev.Reply <- types.Snapshot{
				App:    k.apps.Current(),
				Worker: k.workers.Current(),
				Stats:  k.apps.Stats(),
			}
		}
	default:
		k.logger.Warn("unknown kernel event", zap.Int("type", int(ev.Type)))
	}
}

// dispatchSlot routes process lifecycle events by slot kind
func (k *Kernel) dispatchSlot(ctx context.Context, ev types.Event) {
	if ev.Kind == types.KindWorker {
		switch ev.Type {
		case types.EventKill:
			k.workers.HandleKill(ctx, ev)
		case types.EventProcessExit:
			k.workers.HandleExit(ctx, ev)
		case types.EventTrapHit:
			k.workers.HandleTrap(ctx, ev)
		case types.EventTimer:
			k.workers.HandleTimer(ctx, ev)
		}
		return
	}

	switch ev.Type {
	case types.EventKill:
		k.apps.HandleKill(ctx, ev)
	case types.EventProcessExit:
		k.apps.HandleExit(ctx, ev)
	case types.EventTrapHit:
		k.apps.HandleTrap(ctx, ev)
	case types.EventTimer:
		k.apps.HandleTimer(ctx, ev)
	}
}

func (k *Kernel) drainBacklog(ctx context.Context) {
	for len(k.backlog) > 0 {
		ev := k.backlog[0]
		k.backlog = k.backlog[1:]
		k.dispatch(ctx, ev)
	}
	k.backlog = nil
}

func (k *Kernel) publishTick() {
	if k.subs == nil {
		return
	}
	n := k.subs.Publish(loader.TopicMinute, types.ProcessEvent{Type: types.ProcessEventTick})
	k.logger.Debug("minute tick published", zap.Int("delivered", n))
}

// scheduleTick arms the next minute tick. The timer only posts an event.
func (k *Kernel) scheduleTick() {
	if k.cfg.TickPeriod <= 0 {
		return
	}
	k.tick = k.clock.AfterFunc(k.cfg.TickPeriod, func() {
		if err := k.Post(context.Background(), types.Event{Type: types.EventTick}); err != nil {
			k.logger.Warn("failed to post tick", zap.Error(err))
		}
	})
}

func (k *Kernel) shutdown(ctx context.Context) {
	if k.tick != nil {
		k.tick.Stop()
	}
	k.backlog = nil
	k.workers.Shutdown(ctx)
	k.apps.Shutdown(ctx)
	k.logger.Info("kernel main stopped")
}
