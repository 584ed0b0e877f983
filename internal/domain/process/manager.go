package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Recoverable launch failures
var (
	ErrBadCodeBank      = errors.New("bad code bank")
	ErrResourceChecksum = errors.New("resource checksum mismatch")
	ErrIncompatibleSDK  = errors.New("incompatible sdk version")
	ErrInsufficientRAM  = errors.New("insufficient ram for sdk budget")
	ErrMissingBinary    = errors.New("missing cached flash binary")
)

// Config holds process core tunables
type Config struct {
	GracefulTimeout time.Duration
	ForceTimeout    time.Duration
	EventTimeout    time.Duration
	QueueSize       int
	GuardSize       uintptr
	// FuzzHeap fills untrusted heaps with a pattern on alloc and free
	FuzzHeap bool
}

// DefaultConfig returns the firmware defaults
func DefaultConfig() Config {
	return Config{
		GracefulTimeout: 3 * time.Second,
		ForceTimeout:    3 * time.Second,
		EventTimeout:    time.Second,
		QueueSize:       20,
		GuardSize:       32,
	}
}

// LoadResult is what the loader produced in the destination segment
type LoadResult struct {
	Entry EntryFunc
	// ImageSize is the number of code+data bytes written at the start of dest
	ImageSize uintptr
}

// Loader places a process image into its program segment
type Loader interface {
	Load(ctx context.Context, md Metadata, kind types.ProcessKind, arena *memory.Arena, dest memory.Segment) (LoadResult, error)
}

// ResourceValidator checks a process's resource bank before it may start
type ResourceValidator interface {
	Validate(ctx context.Context, md Metadata) error
}

// SpawnRequest describes a process to start in a slot
type SpawnRequest struct {
	Metadata Metadata
	Launch   types.LaunchConfig
	Arena    *memory.Arena
	Layout   memory.Layout
	Priority int
}

// Manager holds the lifecycle primitives shared by the app and worker
// managers. Every method that touches a Context runs on kernel main.
type Manager struct {
	cfg       Config
	poster    Poster
	loader    Loader
	resources ResourceValidator
	timers    *Timers
	subs      *Subscriptions
	cleaners  []TaskCleaner
	clock     clock.Clock
	halt      Halter
	newTask   TaskFactory
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	lastTask TaskID
}

// NewManager creates the process core
func NewManager(cfg Config, poster Poster, loader Loader, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		poster:   poster,
		loader:   loader,
		subs:     NewSubscriptions(),
		clock:    clock.Real{},
		halt:     LogHalter(logger),
		newTask:  NewSimTask,
		logger:   logger,
		lastTask: TaskKernelMain,
	}
	m.timers = NewTimers(m.clock).WithLogger(logger)
	return m
}

// WithClock replaces the wall clock, including the one process timers use
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	m.timers = NewTimers(c).WithLogger(m.logger)
	return m
}

// WithHalter replaces the fatal error handler
func (m *Manager) WithHalter(h Halter) *Manager {
	m.halt = h
	return m
}

// WithTaskFactory replaces how process tasks are created
func (m *Manager) WithTaskFactory(f TaskFactory) *Manager {
	m.newTask = f
	return m
}

// WithResources adds resource bank validation before launch
func (m *Manager) WithResources(r ResourceValidator) *Manager {
	m.resources = r
	return m
}

// WithCleaners registers extra per-task services to clean up
func (m *Manager) WithCleaners(c ...TaskCleaner) *Manager {
	m.cleaners = append(m.cleaners, c...)
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Timers returns the process timer service
func (m *Manager) Timers() *Timers { return m.timers }

// Subscriptions returns the process event subscription service
func (m *Manager) Subscriptions() *Subscriptions { return m.subs }

// Clock returns the manager's clock
func (m *Manager) Clock() clock.Clock { return m.clock }

// Config returns the manager's tunables
func (m *Manager) Config() Config { return m.cfg }

// Halt stops the system. It does not return.
func (m *Manager) Halt(reason string, fields ...zap.Field) {
	m.halt(reason, fields...)
}

// Spawn carves memory for req, loads the image and starts the task in pc.
// On error pc is left empty and nothing else changes.
func (m *Manager) Spawn(ctx context.Context, pc *Context, req SpawnRequest) error {
	AssertExecutor(ctx, TaskKernelMain)

	md := req.Metadata
	if md == nil {
		panic("process: spawn with nil metadata")
	}
	if !pc.IsEmpty() || pc.Queue != nil {
		panic(fmt.Sprintf("process: %s slot already initialized", pc.Kind))
	}

	log := m.logger.With(
		zap.Stringer("kind", pc.Kind),
		zap.Int32("install_id", int32(md.InstallID())),
		zap.String("name", md.Name()),
	)

	if m.resources != nil {
		if err := m.resources.Validate(ctx, md); err != nil {
			return fmt.Errorf("failed to validate resources for %s: %w", md.Name(), err)
		}
	}

	region, err := req.Arena.Region(req.Layout.TotalRAM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientRAM, err)
	}
	carving, err := memory.Carve(req.Arena, region, req.Layout, m.cfg.GuardSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientRAM, err)
	}

	loaded, err := m.loader.Load(ctx, md, pc.Kind, req.Arena, carving.Program)
	if err != nil {
		req.Arena.Zero(carving.Program)
		return fmt.Errorf("failed to load %s: %w", md.Name(), err)
	}
	if loaded.Entry == nil {
		req.Arena.Zero(carving.Program)
		return fmt.Errorf("failed to load %s: %w", md.Name(), ErrBadCodeBank)
	}

	heapSeg, err := memory.HeapSegment(carving.Program, loaded.ImageSize, req.Layout.HeapCompensation)
	if err != nil {
		req.Arena.Zero(carving.Program)
		return fmt.Errorf("%w: %v", ErrInsufficientRAM, err)
	}

	taskID := m.allocTaskID()
	heap := memory.NewHeap(req.Arena, heapSeg, uint32(taskID), memory.HeapOptions{
		Fuzz: m.cfg.FuzzHeap && !md.Privileged(),
	})

	pc.Metadata = md
	pc.InstallID = md.InstallID()
	pc.Args = req.Launch.Args
	pc.LaunchReason = req.Launch.Reason
	pc.Button = req.Launch.Button
	pc.Wakeup = req.Launch.Wakeup
	pc.SafeToKill = false
	pc.closing = Running
	pc.ExitReason = types.ExitNotSpecified
	pc.Loaded = memory.Segment{Start: carving.Program.Start, End: carving.Program.Start + loaded.ImageSize}
	pc.Carving = carving
	pc.Arena = req.Arena
	pc.Heap = heap
	pc.Queue = NewEventQueue(m.cfg.QueueSize)
	pc.LaunchID = id.NewLaunchID()
	pc.StartedAt = m.clock.Now()

	pc.Task = m.newTask(TaskSpec{
		ID:       taskID,
		Name:     fmt.Sprintf("%s:%s", pc.Kind, md.Name()),
		Priority: req.Priority,
		Entry:    loaded.Entry,
		Env: RuntimeEnv{
			Kind:         pc.Kind,
			InstallID:    pc.InstallID,
			Args:         pc.Args,
			Reason:       pc.LaunchReason,
			Button:       pc.Button,
			Wakeup:       pc.Wakeup,
			Queue:        pc.Queue,
			Heap:         heap,
			Poster:       m.poster,
			Timers:       m.timers,
			Subs:         m.subs,
			Logger:       m.logger,
			EventTimeout: m.cfg.EventTimeout,
		},
	})
	pc.Task.Start()

	log.Info("process started",
		zap.Uint32("task", uint32(taskID)),
		zap.String("launch_id", pc.LaunchID.String()),
		zap.Stringer("reason", pc.LaunchReason),
		zap.Stringer("program", carving.Program),
		zap.Stringer("stack", carving.Stack),
		zap.Uint64("heap_bytes", uint64(heapSeg.Len())),
	)
	if m.metrics != nil {
		m.metrics.SetProcessActive(pc.Kind.String(), true)
	}
	return nil
}

// MakeSafeToKill drives pc toward a state where it can be destroyed. It
// returns true only once the process is safe; false means "wait for the next
// kill event".
func (m *Manager) MakeSafeToKill(ctx context.Context, pc *Context, gracefully bool) bool {
	AssertExecutor(ctx, TaskKernelMain)

	if pc.IsEmpty() || pc.SafeToKill {
		return true
	}

	log := m.logger.With(
		zap.Stringer("kind", pc.Kind),
		zap.Int32("install_id", int32(pc.InstallID)),
		zap.Stringer("closing_state", pc.closing),
	)

	if gracefully {
		if pc.closing != Running {
			// Already asked; the process or the timer will re-drive us.
			return false
		}
		pc.advance(GracefullyClosing)

		err := pc.Queue.Send(ctx, types.ProcessEvent{Type: types.ProcessEventDeinit}, m.cfg.EventTimeout)
		if err != nil {
			log.Warn("failed to deliver deinit, escalating", zap.Error(err))
			m.postKill(ctx, pc, false)
			return false
		}
		m.arm(pc, types.TimerGracefulClose, m.cfg.GracefulTimeout)
		log.Debug("deinit sent", zap.Duration("timeout", m.cfg.GracefulTimeout))
		return false
	}

	if pc.closing == ForceClosing {
		// Trap is armed; wait for it or the force timer.
		return false
	}
	pc.stopTimer()
	pc.advance(ForceClosing)

	if pc.Task.SuspendOrTrap() {
		pc.SafeToKill = true
		log.Info("process suspended")
		if m.metrics != nil {
			m.metrics.RecordForcedSuspend(pc.Kind.String())
		}
		return true
	}

	log.Info("process in privileged code, trap armed", zap.Duration("timeout", m.cfg.ForceTimeout))
	if m.metrics != nil {
		m.metrics.RecordPrivilegedTrap(pc.Kind.String())
	}
	m.arm(pc, types.TimerForceClose, m.cfg.ForceTimeout)
	return false
}

// MarkSafe records that pc may be destroyed and cancels its close timer
func (m *Manager) MarkSafe(ctx context.Context, pc *Context) {
	AssertExecutor(ctx, TaskKernelMain)
	pc.stopTimer()
	pc.SafeToKill = true
}

// HandleTimer processes a close timer for pc. Timers for a task that no
// longer occupies the slot are ignored.
func (m *Manager) HandleTimer(ctx context.Context, pc *Context, ev types.Event) {
	AssertExecutor(ctx, TaskKernelMain)

	if m.stale(pc, ev) || pc.SafeToKill {
		return
	}
	if pc.timer == nil || pc.timerKind != ev.Timer {
		return
	}
	pc.timer = nil

	if m.metrics != nil {
		m.metrics.RecordCloseTimeout(pc.Kind.String(), ev.Timer.String())
	}

	switch ev.Timer {
	case types.TimerGracefulClose:
		m.logger.Warn("process did not finish deinit in time, forcing",
			zap.Stringer("kind", pc.Kind),
			zap.Int32("install_id", int32(pc.InstallID)),
		)
		m.postKill(ctx, pc, false)
	case types.TimerForceClose:
		m.halt("process stuck in privileged code past force-close deadline",
			zap.Stringer("kind", pc.Kind),
			zap.Int32("install_id", int32(pc.InstallID)),
			zap.Uint32("task", uint32(pc.TaskID())),
		)
	}
}

// HandleTrap records that pc's task hit the kill trap. It returns true if the
// trap belongs to the current process, which is now safe to kill.
func (m *Manager) HandleTrap(ctx context.Context, pc *Context, ev types.Event) bool {
	AssertExecutor(ctx, TaskKernelMain)

	if m.stale(pc, ev) {
		return false
	}
	m.MarkSafe(ctx, pc)
	m.logger.Info("process trapped on privilege drop",
		zap.Stringer("kind", pc.Kind),
		zap.Int32("install_id", int32(pc.InstallID)),
	)
	return true
}

// HandleExit records that pc's process finished on its own. It returns true
// if the exit belongs to the current process.
func (m *Manager) HandleExit(ctx context.Context, pc *Context, ev types.Event) bool {
	AssertExecutor(ctx, TaskKernelMain)

	if m.stale(pc, ev) {
		return false
	}
	m.MarkSafe(ctx, pc)
	return true
}

// IsCurrent reports whether ev was posted by the task occupying pc. Events
// without a task id target the slot rather than a task.
func (m *Manager) IsCurrent(pc *Context, ev types.Event) bool {
	return !m.stale(pc, ev)
}

// Cleanup tears down a process that is safe to kill and resets its slot.
func (m *Manager) Cleanup(ctx context.Context, pc *Context) {
	AssertExecutor(ctx, TaskKernelMain)

	if pc.IsEmpty() {
		return
	}
	if !pc.SafeToKill {
		panic(fmt.Sprintf("process: cleanup of %s %d before it is safe to kill", pc.Kind, pc.InstallID))
	}
	pc.stopTimer()

	taskID := pc.TaskID()
	log := m.logger.With(
		zap.Stringer("kind", pc.Kind),
		zap.Int32("install_id", int32(pc.InstallID)),
		zap.Uint32("task", uint32(taskID)),
	)

	for _, c := range append([]TaskCleaner{m.timers, m.subs}, m.cleaners...) {
		if n := c.CleanupTask(ctx, taskID); n > 0 {
			log.Debug("released task records", zap.String("service", c.Name()), zap.Int("count", n))
		}
	}

	pc.Task.Destroy()

	if pc.Heap != nil {
		stats := pc.Heap.Stats()
		log.Info("heap stats",
			zap.Uint64("capacity", uint64(stats.Capacity)),
			zap.Uint64("used", uint64(stats.Used)),
			zap.Uint64("high_water", uint64(stats.HighWater)),
			zap.Uint64("allocs", stats.Allocs),
			zap.Uint64("frees", stats.Frees),
		)
		if m.metrics != nil {
			m.metrics.ObserveHeapHighWater(pc.Kind.String(), stats.HighWater)
		}
	}

	if a := pc.Arena; a != nil {
		if !pc.Carving.Guard.IsEmpty() && !a.GuardIntact(pc.Carving.Guard) {
			log.Error("stack guard corrupted", zap.Stringer("guard", pc.Carving.Guard))
			a.FillGuard(pc.Carving.Guard)
		}
		for _, seg := range []memory.Segment{pc.Carving.Program, pc.Carving.Static, pc.Carving.Stack} {
			if !seg.IsEmpty() {
				a.Zero(seg)
			}
		}
	}

	if n := pc.Queue.Drain(); n > 0 {
		log.Debug("dropped queued events", zap.Int("count", n))
	}
	pc.Metadata.Release()
	pc.reset()

	log.Info("process cleaned up")
	if m.metrics != nil {
		m.metrics.SetProcessActive(pc.Kind.String(), false)
	}
}

// AddressToOffset translates addr into an offset within pc's loaded image
func (m *Manager) AddressToOffset(pc *Context, addr uintptr) (uintptr, bool) {
	if pc.IsEmpty() || !pc.Loaded.Contains(addr) {
		return 0, false
	}
	return addr - pc.Loaded.Start, true
}

func (m *Manager) stale(pc *Context, ev types.Event) bool {
	if pc.IsEmpty() {
		return true
	}
	return ev.TaskID != 0 && ev.TaskID != uint32(pc.TaskID())
}

func (m *Manager) allocTaskID() TaskID {
	m.lastTask++
	if m.lastTask <= TaskKernelMain {
		m.lastTask = TaskKernelMain + 1
	}
	return m.lastTask
}

// arm replaces pc's close timer. The callback only posts an event; kernel
// main does the work.
func (m *Manager) arm(pc *Context, kind types.TimerKind, d time.Duration) {
	pc.stopTimer()

	slot := pc.Kind
	taskID := uint32(pc.TaskID())
	pc.timerKind = kind
	pc.timer = m.clock.AfterFunc(d, func() {
		m.post(context.Background(), types.Event{Type: types.EventTimer, Kind: slot, Timer: kind, TaskID: taskID})
	})
}

func (m *Manager) postKill(ctx context.Context, pc *Context, gracefully bool) {
	m.post(ctx, types.Event{
		Type:       types.EventKill,
		Kind:       pc.Kind,
		Gracefully: gracefully,
		TaskID:     uint32(pc.TaskID()),
	})
}

// post sends ev to kernel main. ctx carries the caller's executor so kernel
// main can queue events to itself without blocking.
func (m *Manager) post(ctx context.Context, ev types.Event) {
	if m.poster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EventTimeout)
	defer cancel()
	if err := m.poster.Post(ctx, ev); err != nil {
		m.logger.Error("failed to post event to kernel main", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}
