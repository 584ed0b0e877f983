package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

var (
	// ErrNotWorker is returned when an app install is launched as a worker
	ErrNotWorker = errors.New("install is not a worker")
	// ErrRunLevel is returned when a worker's run level is below the minimum
	ErrRunLevel = errors.New("worker run level below minimum")
)

// Registry acquires worker metadata
type Registry interface {
	Metadata(id types.InstallID) (process.Metadata, error)
}

// Config holds worker slot tunables
type Config struct {
	Layout   memory.Layout
	Priority int
}

// DefaultConfig returns the firmware defaults
func DefaultConfig() Config {
	return Config{
		Layout:   memory.DefaultWorkerLayout(),
		Priority: 1,
	}
}

type pending struct {
	md  process.Metadata
	cfg types.LaunchConfig
}

// Manager owns the background worker slot. At most one worker runs; unlike
// the app slot, an empty worker slot is a normal state. All methods run on
// kernel main.
type Manager struct {
	core     *process.Manager
	pc       *process.Context
	arena    *memory.Arena
	registry Registry
	cfg      Config

	crashes  *crash.Store
	notifier types.Notifier
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	next        *pending
	minRunLevel types.RunLevel
	crashKill   bool
	crashCause  crash.Cause
	stats       types.Stats
}

// NewManager creates the worker manager over the shared process core
func NewManager(core *process.Manager, arena *memory.Arena, reg Registry, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		core:     core,
		pc:       process.NewContext(types.KindWorker),
		arena:    arena,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithCrashStore records worker crash reports
func (m *Manager) WithCrashStore(s *crash.Store) *Manager {
	m.crashes = s
	return m
}

// WithNotifier sends worker state notifications
func (m *Manager) WithNotifier(n types.Notifier) *Manager {
	m.notifier = n
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Context returns the worker slot
func (m *Manager) Context() *process.Context { return m.pc }

// Launch replaces the running worker with cfg.ID
func (m *Manager) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	md, err := m.registry.Metadata(cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to launch worker %d: %w", cfg.ID, err)
	}
	if md.Kind() != types.KindWorker {
		md.Release()
		return fmt.Errorf("%w: %s", ErrNotWorker, md.Name())
	}
	if md.RunLevel() < m.minRunLevel {
		md.Release()
		return fmt.Errorf("%w: %s", ErrRunLevel, md.Name())
	}
	if !m.pc.IsEmpty() && m.pc.InstallID == cfg.ID && m.pc.ClosingState() == process.Running {
		md.Release()
		return nil
	}

	m.logger.Info("worker launch requested",
		zap.Int32("install_id", int32(cfg.ID)),
		zap.String("name", md.Name()),
	)
	m.setNext(&pending{md: md, cfg: cfg})
	m.Switch(ctx, !cfg.Forcefully)
	return nil
}

// Close stops the running worker and leaves the slot empty
func (m *Manager) Close(ctx context.Context, gracefully bool) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.setNext(nil)
	m.Switch(ctx, gracefully)
}

// Switch tears down the running worker once it is safe, then starts the
// queued one if any. It returns false while waiting on the old worker.
func (m *Manager) Switch(ctx context.Context, gracefully bool) bool {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	if !m.core.MakeSafeToKill(ctx, m.pc, gracefully) {
		return false
	}

	if !m.pc.IsEmpty() {
		report := m.report()
		m.core.Cleanup(ctx, m.pc)
		m.notify(types.Notification{Type: types.NotifyWorkerState, InstallID: report.InstallID, UUID: report.UUID, Name: report.Name})

		if gracefully {
			m.stats.GracefulSwitch++
		} else {
			m.stats.ForcedSwitch++
		}
		if m.crashKill {
			m.recordCrash(report)
		}
	}
	m.crashKill = false

	if m.next != nil {
		next := m.next
		m.next = nil
		m.start(ctx, next)
	}
	return true
}

// HandleKill processes a kill request for the worker slot
func (m *Manager) HandleKill(ctx context.Context, ev types.Event) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	if !m.core.IsCurrent(m.pc, ev) {
		return
	}
	if !ev.Gracefully && ev.TaskID != 0 {
		m.crashKill = true
		m.crashCause = crash.CauseCrashed
		if !ev.Crashed && m.pc.ClosingState() == process.GracefullyClosing {
			m.crashCause = crash.CauseUnresponsive
		}
	}
	m.Switch(ctx, ev.Gracefully)
}

// HandleExit processes a worker that finished on its own
func (m *Manager) HandleExit(ctx context.Context, ev types.Event) {
	state := m.pc.ClosingState()
	if m.core.HandleExit(ctx, m.pc, ev) {
		m.Switch(ctx, state != process.ForceClosing)
	}
}

// HandleTrap continues a forced close once the worker left privileged code
func (m *Manager) HandleTrap(ctx context.Context, ev types.Event) {
	if m.core.HandleTrap(ctx, m.pc, ev) {
		m.Switch(ctx, false)
	}
}

// HandleTimer forwards close timers to the process core
func (m *Manager) HandleTimer(ctx context.Context, ev types.Event) {
	m.core.HandleTimer(ctx, m.pc, ev)
}

// SetMinRunLevel closes a running worker below level
func (m *Manager) SetMinRunLevel(ctx context.Context, level types.RunLevel) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.minRunLevel = level
	if !m.pc.IsEmpty() && m.pc.Metadata.RunLevel() < level {
		m.Close(ctx, true)
	}
}

// Shutdown force-closes the worker if it can be done immediately
func (m *Manager) Shutdown(ctx context.Context) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.setNext(nil)
	if m.core.MakeSafeToKill(ctx, m.pc, false) {
		m.core.Cleanup(ctx, m.pc)
	}
}

// Current returns the running worker, or nil
func (m *Manager) Current() *types.ProcessInfo {
	return m.pc.Info(m.core.Clock().Now())
}

// Stats returns worker manager statistics
func (m *Manager) Stats() types.Stats {
	s := m.stats
	s.MinRunLevel = m.minRunLevel
	if m.next != nil {
		s.NextApp = m.next.cfg.ID
	}
	return s
}

func (m *Manager) start(ctx context.Context, next *pending) {
	md := next.md
	err := m.core.Spawn(ctx, m.pc, process.SpawnRequest{
		Metadata: md,
		Launch:   next.cfg,
		Arena:    m.arena,
		Layout:   m.cfg.Layout,
		Priority: m.cfg.Priority,
	})
	if err != nil {
		m.logger.Warn("worker failed to start",
			zap.Int32("install_id", int32(md.InstallID())),
			zap.String("name", md.Name()),
			zap.Error(err),
		)
		m.stats.LaunchFailures++
		if m.metrics != nil {
			m.metrics.RecordLaunch(types.KindWorker.String(), "failure")
		}
		md.Release()
		return
	}

	m.stats.Launches++
	if m.metrics != nil {
		m.metrics.RecordLaunch(types.KindWorker.String(), "success")
	}
	m.notify(types.Notification{
		Type:      types.NotifyWorkerState,
		InstallID: md.InstallID(),
		UUID:      md.UUID().String(),
		Name:      md.Name(),
		Running:   true,
		Reason:    next.cfg.Reason.String(),
	})
}

func (m *Manager) recordCrash(r crash.Report) {
	r.Cause = m.crashCause
	m.logger.Warn("worker crashed", zap.String("name", r.Name), zap.String("cause", string(r.Cause)))
	if m.metrics != nil {
		m.metrics.RecordCrash(types.KindWorker.String())
	}
	if m.crashes == nil {
		return
	}
	if _, err := m.crashes.Record(r); err != nil {
		m.logger.Warn("failed to persist crash report", zap.Error(err))
	}
}

// report snapshots the slot before cleanup resets it
func (m *Manager) report() crash.Report {
	r := crash.Report{
		Kind:        types.KindWorker,
		InstallID:   m.pc.InstallID,
		LaunchID:    m.pc.LaunchID.String(),
		LoadedStart: uint64(m.pc.Loaded.Start),
		LoadedEnd:   uint64(m.pc.Loaded.End),
		Time:        m.core.Clock().Now(),
	}
	r.Uptime = r.Time.Sub(m.pc.StartedAt)
	if md := m.pc.Metadata; md != nil {
		r.UUID = md.UUID().String()
		r.Name = md.Name()
	}
	return r
}

func (m *Manager) setNext(n *pending) {
	if m.next != nil {
		m.next.md.Release()
	}
	m.next = n
}

func (m *Manager) notify(n types.Notification) {
	if m.notifier == nil {
		return
	}
	n.Kind = types.KindWorker
	n.Time = m.core.Clock().Now()
	m.notifier.Notify(n)
}
