package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/domain/sysapp"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/resilience"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/tracing"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

var (
	// ErrRunLevel is returned when an app's run level is below the minimum
	ErrRunLevel = errors.New("app run level below minimum")
	// ErrNotApp is returned when a worker install is launched as an app
	ErrNotApp = errors.New("install is not an app")
)

// Registry is what the app manager needs from the install registry
type Registry interface {
	Metadata(id types.InstallID) (process.Metadata, error)
	Role(role registry.Role) types.InstallID
	DefaultWatchface() types.InstallID
}

// CodeBankRecorder remembers which install was last started
type CodeBankRecorder interface {
	SetLastCodeBank(id types.InstallID) error
}

// Config holds app slot tunables
type Config struct {
	Layouts           memory.Layouts
	Priority          int
	BackHoldDuration  time.Duration
	CrashDialogWindow time.Duration
}

// DefaultConfig returns the firmware defaults
func DefaultConfig() Config {
	return Config{
		Layouts:           memory.DefaultAppLayouts(),
		Priority:          2,
		BackHoldDuration:  2 * time.Second,
		CrashDialogWindow: 60 * time.Second,
	}
}

// nextApp is the app that runs once the current one is safely down
type nextApp struct {
	md  process.Metadata
	cfg types.LaunchConfig
}

// closedApp is what survives of a process after its slot is cleaned up
type closedApp struct {
	id        types.InstallID
	uuid      string
	name      string
	watchface bool
	launchID  string
	loaded    memory.Segment
	uptime    time.Duration
}

type crashRecord struct {
	id types.InstallID
	at time.Time
}

// Manager orchestrates the foreground app slot. All methods run on kernel
// main.
type Manager struct {
	core     *process.Manager
	pc       *process.Context
	arena    *memory.Arena
	registry Registry
	machine  *sysapp.Machine
	poster   process.Poster
	cfg      Config

	codeBank CodeBankRecorder
	crashes  *crash.Store
	breakers *resilience.Group
	tracer   *tracing.Tracer
	notifier types.Notifier
	logger   *zap.Logger
	metrics  *monitoring.Metrics

	next        *nextApp
	minRunLevel types.RunLevel
	crashKill   bool
	crashCause  crash.Cause
	lastCrash   *crashRecord
	span        *tracing.Span

	backTimer clock.Timer
	backGen   uint64

	stats types.Stats
}

// NewManager creates the app manager over a shared process core
func NewManager(core *process.Manager, arena *memory.Arena, reg Registry, machine *sysapp.Machine, poster process.Poster, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		core:     core,
		pc:       process.NewContext(types.KindApp),
		arena:    arena,
		registry: reg,
		machine:  machine,
		poster:   poster,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithCodeBank records the last started install for crash-reboot recovery
func (m *Manager) WithCodeBank(r CodeBankRecorder) *Manager {
	m.codeBank = r
	return m
}

// WithCrashStore records crash reports
func (m *Manager) WithCrashStore(s *crash.Store) *Manager {
	m.crashes = s
	return m
}

// WithBreakers guards watchface relaunches after crashes
func (m *Manager) WithBreakers(g *resilience.Group) *Manager {
	m.breakers = g
	return m
}

// WithTracer records a span per app switch
func (m *Manager) WithTracer(t *tracing.Tracer) *Manager {
	m.tracer = t
	return m
}

// WithNotifier sends run-state and crash notifications
func (m *Manager) WithNotifier(n types.Notifier) *Manager {
	m.notifier = n
	return m
}

// WithMetrics adds metrics tracking to the manager
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Context returns the app slot
func (m *Manager) Context() *process.Context { return m.pc }

// Boot starts the first app
func (m *Manager) Boot(ctx context.Context) {
	m.logger.Info("starting first app")
	m.Switch(ctx, true)
}

// Launch queues an app and asks the current one to close
func (m *Manager) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	md, err := m.registry.Metadata(cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to launch %d: %w", cfg.ID, err)
	}
	if md.Kind() != types.KindApp {
		md.Release()
		return fmt.Errorf("%w: %s", ErrNotApp, md.Name())
	}
	if md.RunLevel() < m.minRunLevel {
		md.Release()
		return fmt.Errorf("%w: %s", ErrRunLevel, md.Name())
	}
	if !m.pc.IsEmpty() && m.pc.InstallID == cfg.ID && m.pc.ClosingState() == process.Running && cfg.Wakeup == nil {
		md.Release()
		m.logger.Debug("app already running", zap.Int32("install_id", int32(cfg.ID)))
		return nil
	}

	m.logger.Info("launch requested",
		zap.Int32("install_id", int32(cfg.ID)),
		zap.String("name", md.Name()),
		zap.Stringer("reason", cfg.Reason),
		zap.Bool("forcefully", cfg.Forcefully),
	)
	m.queueNext(&nextApp{md: md, cfg: cfg})
	m.Switch(ctx, !cfg.Forcefully)
	return nil
}

// Switch closes the current app and starts the next one. It returns false
// while the current app is not yet safe to kill; the kill, exit, trap or
// timer event that follows calls it again.
func (m *Manager) Switch(ctx context.Context, gracefully bool) bool {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.cancelBackTimer()

	if m.span == nil && m.tracer != nil {
		m.span, _ = m.tracer.StartSpan(ctx, "app.switch")
		m.span.SetTag("from", strconv.Itoa(int(m.pc.InstallID)))
	}

	if !m.core.MakeSafeToKill(ctx, m.pc, gracefully) {
		if m.span != nil {
			m.span.Event("waiting for " + m.pc.ClosingState().String())
		}
		return false
	}

	var prev *closedApp
	if !m.pc.IsEmpty() {
		prev = m.closing()
		m.core.Cleanup(ctx, m.pc)
		m.notify(types.Notification{Type: types.NotifyRunState, InstallID: prev.id, UUID: prev.uuid, Name: prev.name})
	}

	if !gracefully && prev != nil {
		// Never chain into a merely queued app after a forced kill.
		m.queueNext(m.systemApp(m.machine.SystemStart()))
	}
	if m.next == nil {
		m.next = m.systemApp(m.machine.SystemStart())
	}
	next := m.next
	m.next = nil
	m.startOrFallback(ctx, next)

	if prev != nil {
		if gracefully {
			m.stats.GracefulSwitch++
			if prev.watchface && m.breakers != nil {
				m.breakers.Get(BreakerKey(prev.id)).Success()
			}
		} else {
			m.stats.ForcedSwitch++
		}
		if m.metrics != nil {
			m.metrics.RecordSwitch(gracefully)
		}
		if !gracefully && m.crashKill {
			m.handleCrash(ctx, prev)
		}
	}
	m.crashKill = false
	m.finishSpan(gracefully)
	return true
}

// Start loads md into the app slot. A recoverable failure releases md and
// returns false; the previous app is already gone by then.
func (m *Manager) Start(ctx context.Context, md process.Metadata, cfg types.LaunchConfig) bool {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	log := m.logger.With(
		zap.Int32("install_id", int32(md.InstallID())),
		zap.String("name", md.Name()),
		zap.Stringer("sdk", md.SDK()),
	)

	layout, ok := m.cfg.Layouts.For(md.SDK())
	if !ok {
		if md.SDK() == types.SDKUnknown {
			m.launchFailed(md, process.ErrIncompatibleSDK)
			return false
		}
		m.core.Halt("no memory layout for sdk generation", zap.Stringer("sdk", md.SDK()))
		return false
	}

	err := m.core.Spawn(ctx, m.pc, process.SpawnRequest{
		Metadata: md,
		Launch:   cfg,
		Arena:    m.arena,
		Layout:   layout,
		Priority: m.cfg.Priority,
	})
	if err != nil {
		m.launchFailed(md, err)
		return false
	}

	if m.codeBank != nil {
		if err := m.codeBank.SetLastCodeBank(md.InstallID()); err != nil {
			log.Warn("failed to record code bank", zap.Error(err))
		}
	}
	m.machine.RegisterLaunch(md.InstallID())

	m.stats.Launches++
	if m.metrics != nil {
		m.metrics.RecordLaunch(types.KindApp.String(), "success")
	}
	if m.span != nil {
		m.span.SetTag("to", strconv.Itoa(int(m.pc.InstallID)))
	}

	n := types.Notification{InstallID: md.InstallID(), UUID: md.UUID().String(), Name: md.Name(), Running: true}
	n.Type = types.NotifyRunState
	m.notify(n)
	n.Type = types.NotifyLaunch
	n.Reason = cfg.Reason.String()
	m.notify(n)

	log.Info("app running", zap.Bool("rooted_in_watchface", m.machine.RootedInWatchface()))
	return true
}

// CloseCurrent closes the running app and routes to where the user should
// land: an exit reason override first, then the state machine, then any
// app already queued.
func (m *Manager) CloseCurrent(ctx context.Context, gracefully bool) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	if m.pc.IsEmpty() {
		return
	}

	target := types.InstallIDInvalid
	if m.pc.ExitReason == types.ExitActionPerformedSuccessfully {
		target = m.registry.DefaultWatchface()
	}
	if target == types.InstallIDInvalid {
		target = m.machine.LastRegisteredApp(m.pc.InstallID)
	}

	if target != types.InstallIDInvalid {
		md, err := m.registry.Metadata(target)
		if err != nil {
			m.logger.Error("close target missing", zap.Int32("install_id", int32(target)), zap.Error(err))
		} else {
			m.queueNext(&nextApp{md: md, cfg: types.LaunchConfig{ID: target, Reason: types.LaunchSystem}})
		}
	}

	m.logger.Info("closing current app",
		zap.Int32("install_id", int32(m.pc.InstallID)),
		zap.Int32("next", int32(m.nextID())),
		zap.Bool("gracefully", gracefully),
	)
	m.Switch(ctx, gracefully)
}

// ForceQuitToLauncher queues the system default app and switches to it,
// bypassing all routing.
func (m *Manager) ForceQuitToLauncher(ctx context.Context) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.logger.Warn("force quitting to launcher", zap.Int32("install_id", int32(m.pc.InstallID)))
	m.queueNext(m.systemApp(m.machine.SystemStart()))
	m.Switch(ctx, true)
}

// HandleKill processes a kill request for the app slot. A forced kill
// posted by or for the running task means it crashed or stopped responding.
func (m *Manager) HandleKill(ctx context.Context, ev types.Event) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	if !m.core.IsCurrent(m.pc, ev) {
		m.logger.Debug("dropping stale kill", zap.Uint32("task", ev.TaskID))
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

// HandleExit processes an app that finished on its own. An app that exits
// while running is closed with normal routing; one that exits during a
// switch lets the switch continue.
func (m *Manager) HandleExit(ctx context.Context, ev types.Event) {
	state := m.pc.ClosingState()
	if !m.core.HandleExit(ctx, m.pc, ev) {
		return
	}
	if state == process.Running {
		m.CloseCurrent(ctx, true)
		return
	}
	m.Switch(ctx, state == process.GracefullyClosing)
}

// HandleTrap continues a forced switch once the app left privileged code
func (m *Manager) HandleTrap(ctx context.Context, ev types.Event) {
	if m.core.HandleTrap(ctx, m.pc, ev) {
		m.Switch(ctx, false)
	}
}

// HandleTimer routes close timers to the process core and handles the
// back-button force quit timer.
func (m *Manager) HandleTimer(ctx context.Context, ev types.Event) {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	if ev.Timer != types.TimerForceQuit {
		m.core.HandleTimer(ctx, m.pc, ev)
		return
	}
	if m.backTimer == nil || ev.Generation != m.backGen {
		return
	}
	m.backTimer = nil
	m.ForceQuitToLauncher(ctx)
}

// SetExitReason records where the running app wants the user to land
func (m *Manager) SetExitReason(ctx context.Context, ev types.Event) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	if m.core.IsCurrent(m.pc, ev) {
		m.pc.ExitReason = ev.ExitReason
	}
}

// BackHeld arms the force-quit timer
func (m *Manager) BackHeld(ctx context.Context) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.cancelBackTimer()

	gen := m.backGen
	m.backTimer = m.core.Clock().AfterFunc(m.cfg.BackHoldDuration, func() {
		m.post(context.Background(), types.Event{
			Type:       types.EventTimer,
			Kind:       types.KindApp,
			Timer:      types.TimerForceQuit,
			Generation: gen,
		})
	})
}

// BackReleased cancels the force-quit timer
func (m *Manager) BackReleased(ctx context.Context) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.cancelBackTimer()
}

// SendButton delivers a button press to the running app
func (m *Manager) SendButton(ctx context.Context, button types.ButtonID) bool {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	if m.pc.IsEmpty() || m.pc.ClosingState() != process.Running {
		return false
	}
	return m.pc.Queue.TrySend(types.ProcessEvent{Type: types.ProcessEventButton, Button: button})
}

// SetMinRunLevel raises or lowers the minimum run level. A running app
// below the new level is closed.
func (m *Manager) SetMinRunLevel(ctx context.Context, level types.RunLevel) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.minRunLevel = level
	m.logger.Info("minimum run level changed", zap.Int("level", int(level)))

	if !m.pc.IsEmpty() && m.pc.Metadata.RunLevel() < level {
		m.CloseCurrent(ctx, true)
	}
}

// Shutdown force-closes the running app if it can be done immediately
func (m *Manager) Shutdown(ctx context.Context) {
	process.AssertExecutor(ctx, process.TaskKernelMain)
	m.cancelBackTimer()
	if m.next != nil {
		m.next.md.Release()
		m.next = nil
	}
	if m.core.MakeSafeToKill(ctx, m.pc, false) {
		m.core.Cleanup(ctx, m.pc)
		return
	}
	m.logger.Warn("app still in privileged code at shutdown", zap.Int32("install_id", int32(m.pc.InstallID)))
}

// AddressToOffset translates a crash address into an offset in the
// running app's image.
func (m *Manager) AddressToOffset(addr uintptr) (uintptr, bool) {
	return m.core.AddressToOffset(m.pc, addr)
}

// Current returns the running app, or nil
func (m *Manager) Current() *types.ProcessInfo {
	return m.pc.Info(m.core.Clock().Now())
}

// Stats returns app manager statistics
func (m *Manager) Stats() types.Stats {
	s := m.stats
	s.NextApp = m.nextID()
	s.RootInWatchface = m.machine.RootedInWatchface()
	s.MinRunLevel = m.minRunLevel
	return s
}

func (m *Manager) startOrFallback(ctx context.Context, next *nextApp) {
	storage := next.md.Storage()
	watchface := next.md.IsWatchface()
	name := next.md.Name()

	switch {
	case next.md.RunLevel() < m.minRunLevel:
		// Routing may pick an app the current run level forbids. The
		// fallbacks below are firmware apps and always start.
		m.logger.Warn("next app below minimum run level",
			zap.String("name", name),
			zap.Int("run_level", int(next.md.RunLevel())),
			zap.Int("min_run_level", int(m.minRunLevel)),
		)
		next.md.Release()
	case m.Start(ctx, next.md, next.cfg):
		return
	case storage != types.StorageFlash:
		m.core.Halt("system app failed to start", zap.String("name", name))
		return
	}

	fallback := m.registry.Role(registry.RoleLauncher)
	if watchface {
		fallback = m.registry.Role(registry.RoleBuiltinWatchface)
	}
	m.logger.Warn("falling back after failed launch", zap.String("name", name), zap.Int32("fallback", int32(fallback)))

	fb := m.systemApp(fallback)
	if !m.Start(ctx, fb.md, fb.cfg) {
		m.core.Halt("fallback app failed to start", zap.Int32("install_id", int32(fallback)))
	}
}

// handleCrash records the crash and, for watchfaces, either relaunches the
// default watchface or shows the crash dialog when the same watchface
// crashes twice within the dialog window.
func (m *Manager) handleCrash(ctx context.Context, prev *closedApp) {
	now := m.core.Clock().Now()
	report := crash.Report{
		Kind:        types.KindApp,
		InstallID:   prev.id,
		UUID:        prev.uuid,
		Name:        prev.name,
		Watchface:   prev.watchface,
		Cause:       m.crashCause,
		LaunchID:    prev.launchID,
		LoadedStart: uint64(prev.loaded.Start),
		LoadedEnd:   uint64(prev.loaded.End),
		Uptime:      prev.uptime,
		Time:        now,
	}
	if m.metrics != nil {
		m.metrics.RecordCrash(types.KindApp.String())
	}

	if prev.watchface {
		if m.breakers != nil {
			m.breakers.Get(BreakerKey(prev.id)).Failure()
		}

		if m.lastCrash != nil && m.lastCrash.id == prev.id && now.Sub(m.lastCrash.at) < m.cfg.CrashDialogWindow {
			m.lastCrash = nil
			report.DialogShown = true
			m.stats.CrashDialogs++
			if m.metrics != nil {
				m.metrics.IncCrashDialogs()
			}
			m.logger.Warn("watchface crashed twice, showing dialog", zap.String("name", prev.name))
			m.notify(types.Notification{Type: types.NotifyCrashDialog, InstallID: prev.id, UUID: prev.uuid, Name: prev.name, Reason: string(m.crashCause)})
		} else {
			m.lastCrash = &crashRecord{id: prev.id, at: now}
			m.relaunchWatchface(ctx)
		}
	}

	if m.crashes != nil {
		if _, err := m.crashes.Record(report); err != nil {
			m.logger.Warn("failed to persist crash report", zap.Error(err))
		}
	}
}

func (m *Manager) relaunchWatchface(ctx context.Context) {
	target := m.registry.DefaultWatchface()
	if m.breakers != nil && !target.IsSystem() {
		if err := m.breakers.Get(BreakerKey(target)).Allow(); err != nil {
			m.logger.Warn("watchface crash loop, using built-in face", zap.Int32("install_id", int32(target)), zap.Error(err))
			target = m.registry.Role(registry.RoleBuiltinWatchface)
		}
	}
	m.post(ctx, types.Event{
		Type:   types.EventLaunch,
		Kind:   types.KindApp,
		Launch: &types.LaunchConfig{ID: target, Reason: types.LaunchSystem},
	})
}

func (m *Manager) launchFailed(md process.Metadata, err error) {
	m.logger.Warn("app failed to start",
		zap.Int32("install_id", int32(md.InstallID())),
		zap.String("name", md.Name()),
		zap.Error(err),
	)
	m.stats.LaunchFailures++
	if m.metrics != nil {
		m.metrics.RecordLaunch(types.KindApp.String(), "failure")
	}
	if m.span != nil {
		m.span.SetError(err)
	}
	md.Release()
}

// systemApp acquires a role app. A missing system app is a firmware defect.
func (m *Manager) systemApp(id types.InstallID) *nextApp {
	md, err := m.registry.Metadata(id)
	if err != nil {
		m.core.Halt("system app missing", zap.Int32("install_id", int32(id)), zap.Error(err))
		return nil
	}
	return &nextApp{md: md, cfg: types.LaunchConfig{ID: id, Reason: types.LaunchSystem}}
}

func (m *Manager) queueNext(n *nextApp) {
	if n == nil {
		return
	}
	if m.next != nil {
		m.next.md.Release()
	}
	m.next = n
}

func (m *Manager) nextID() types.InstallID {
	if m.next == nil {
		return types.InstallIDInvalid
	}
	return m.next.cfg.ID
}

func (m *Manager) closing() *closedApp {
	c := &closedApp{
		id:       m.pc.InstallID,
		launchID: m.pc.LaunchID.String(),
		loaded:   m.pc.Loaded,
		uptime:   m.core.Clock().Now().Sub(m.pc.StartedAt),
	}
	if md := m.pc.Metadata; md != nil {
		c.uuid = md.UUID().String()
		c.name = md.Name()
		c.watchface = md.IsWatchface()
	}
	return c
}

func (m *Manager) cancelBackTimer() {
	if m.backTimer != nil {
		m.backTimer.Stop()
		m.backTimer = nil
	}
	m.backGen++
}

func (m *Manager) finishSpan(gracefully bool) {
	if m.span == nil {
		return
	}
	m.span.SetTag("gracefully", strconv.FormatBool(gracefully))
	m.tracer.End(m.span)
	m.span = nil
}

func (m *Manager) notify(n types.Notification) {
	if m.notifier == nil {
		return
	}
	n.Kind = types.KindApp
	n.Time = m.core.Clock().Now()
	m.notifier.Notify(n)
}

func (m *Manager) post(ctx context.Context, ev types.Event) {
	if m.poster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.core.Config().EventTimeout)
	defer cancel()
	if err := m.poster.Post(ctx, ev); err != nil {
		m.logger.Error("failed to post event to kernel main", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}

// BreakerKey names the crash-loop breaker of a watchface
func BreakerKey(id types.InstallID) string {
	return strconv.Itoa(int(id))
}
