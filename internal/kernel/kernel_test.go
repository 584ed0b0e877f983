package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/loader"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// recorder is a fake slot manager that logs the calls it receives
type recorder struct {
	mu     sync.Mutex
	calls  []string
	booted chan struct{}
	onCall func(ctx context.Context, call string)
}

func newRecorder() *recorder {
	return &recorder{booted: make(chan struct{})}
}

func (r *recorder) record(ctx context.Context, call string) {
	process.AssertExecutor(ctx, process.TaskKernelMain)

	r.mu.Lock()
	r.calls = append(r.calls, call)
	hook := r.onCall
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, call)
	}
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Boot(ctx context.Context) {
	r.record(ctx, "boot")
	close(r.booted)
}
func (r *recorder) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	r.record(ctx, "launch")
	return nil
}
func (r *recorder) CloseCurrent(ctx context.Context, gracefully bool) { r.record(ctx, "close") }
func (r *recorder) Close(ctx context.Context, gracefully bool)        { r.record(ctx, "close") }
func (r *recorder) ForceQuitToLauncher(ctx context.Context)           { r.record(ctx, "force_quit") }
func (r *recorder) HandleKill(ctx context.Context, ev types.Event)    { r.record(ctx, "kill") }
func (r *recorder) HandleExit(ctx context.Context, ev types.Event)    { r.record(ctx, "exit") }
func (r *recorder) HandleTrap(ctx context.Context, ev types.Event)    { r.record(ctx, "trap") }
func (r *recorder) HandleTimer(ctx context.Context, ev types.Event)   { r.record(ctx, "timer") }
func (r *recorder) SetExitReason(ctx context.Context, ev types.Event) { r.record(ctx, "exit_reason") }
func (r *recorder) BackHeld(ctx context.Context)                      { r.record(ctx, "back_held") }
func (r *recorder) BackReleased(ctx context.Context)                  { r.record(ctx, "back_released") }
func (r *recorder) SendButton(ctx context.Context, b types.ButtonID) bool {
	r.record(ctx, "button")
	return true
}
func (r *recorder) SetMinRunLevel(ctx context.Context, level types.RunLevel) {
	r.record(ctx, "run_level")
}
func (r *recorder) Shutdown(ctx context.Context) { r.record(ctx, "shutdown") }
func (r *recorder) Current() *types.ProcessInfo {
	return &types.ProcessInfo{Name: "current"}
}
func (r *recorder) Stats() types.Stats { return types.Stats{Launches: 7} }

type harness struct {
	k       *Kernel
	apps    *recorder
	workers *recorder
	cancel  context.CancelFunc
	stopped chan error
}

func startKernel(t *testing.T, k *Kernel) *harness {
	t.Helper()
	h := &harness{k: k, apps: newRecorder(), workers: newRecorder(), stopped: make(chan error, 1)}
	close(h.workers.booted)
	k.Attach(h.apps, h.workers)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.stopped <- k.Run(ctx) }()
	t.Cleanup(h.stop)

	select {
	case <-h.apps.booted:
	case <-time.After(time.Second):
		t.Fatal("kernel did not boot")
	}
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.k.done
}

func (h *harness) waitFor(t *testing.T, r *recorder, call string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, c := range r.Calls() {
			if c == call {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "missing call %q", call)
}

func TestDispatchRoutesBySlot(t *testing.T) {
	h := startKernel(t, New(DefaultConfig(), zap.NewNop()))
	ctx := context.Background()

	require.NoError(t, h.k.Launch(ctx, types.LaunchConfig{ID: 3}))
	require.NoError(t, h.k.Post(ctx, types.Event{Type: types.EventKill, Kind: types.KindWorker, TaskID: 9}))
	require.NoError(t, h.k.Post(ctx, types.Event{Type: types.EventTimer, Kind: types.KindApp}))
	require.NoError(t, h.k.LaunchWorker(ctx, types.LaunchConfig{ID: 4}))
	require.NoError(t, h.k.Button(ctx, types.ButtonUp))
	require.NoError(t, h.k.SetMinRunLevel(ctx, types.RunLevelCritical))

	h.waitFor(t, h.workers, "run_level")
	assert.Equal(t, []string{"boot", "launch", "timer", "button", "run_level"}, h.apps.Calls())
	assert.Equal(t, []string{"kill", "launch", "run_level"}, h.workers.Calls())
}

func TestSnapshot(t *testing.T) {
	h := startKernel(t, New(DefaultConfig(), zap.NewNop()))

	snap, err := h.k.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.App)
	assert.Equal(t, "current", snap.App.Name)
	assert.Equal(t, uint64(7), snap.Stats.Launches)
}

func TestSelfPostRunsAfterCurrentEvent(t *testing.T) {
	k := New(DefaultConfig(), zap.NewNop())
	h := startKernel(t, k)

	h.apps.mu.Lock()
	h.apps.onCall = func(ctx context.Context, call string) {
		if call == "close" {
			// Would deadlock on a full queue if it did not bypass it
			assert.NoError(t, k.Post(ctx, types.Event{Type: types.EventForceQuit}))
			h.apps.mu.Lock()
			h.apps.calls = append(h.apps.calls, "close_done")
			h.apps.mu.Unlock()
		}
	}
	h.apps.mu.Unlock()

	require.NoError(t, k.CloseApp(context.Background(), true))
	h.waitFor(t, h.apps, "force_quit")
	assert.Equal(t, []string{"boot", "close", "close_done", "force_quit"}, h.apps.Calls())
}

func TestPostQueueFull(t *testing.T) {
	k := New(Config{QueueSize: 1, PostTimeout: 10 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, k.ForceQuit(ctx))
	err := k.ForceQuit(ctx)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPostAfterStop(t *testing.T) {
	h := startKernel(t, New(DefaultConfig(), zap.NewNop()))
	h.stop()

	assert.ErrorIs(t, h.k.ForceQuit(context.Background()), ErrStopped)
	assert.NoError(t, <-h.stopped)
	assert.Contains(t, h.apps.Calls(), "shutdown")
	assert.Contains(t, h.workers.Calls(), "shutdown")
}

func TestRunRequiresSlots(t *testing.T) {
	k := New(DefaultConfig(), zap.NewNop())
	assert.Error(t, k.Run(context.Background()))
}

func TestMinuteTickPublishes(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	subs := process.NewSubscriptions()
	q := process.NewEventQueue(4)
	subs.Subscribe(loader.TopicMinute, 42, q)

	cfg := DefaultConfig()
	k := New(cfg, zap.NewNop()).WithClock(fake).WithSubscriptions(subs)
	startKernel(t, k)

	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, 5*time.Millisecond)
	fake.Advance(cfg.TickPeriod)

	select {
	case ev := <-q.C():
		assert.Equal(t, types.ProcessEventTick, ev.Type)
		assert.Equal(t, loader.TopicMinute, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("tick not delivered")
	}

	// The next tick is armed once the first is handled
	require.Eventually(t, func() bool { return fake.Pending() == 1 }, time.Second, 5*time.Millisecond)
}
