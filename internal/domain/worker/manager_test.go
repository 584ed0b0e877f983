package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/prefs"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process/processtest"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

type harness struct {
	mgr     *Manager
	reg     *registry.Manager
	clock   *clock.Fake
	poster  *processtest.Poster
	tasks   *processtest.Tasks
	crashes *crash.Store
	states  []types.Notification
	ctx     context.Context

	steps, sleep, app types.InstallID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		poster: &processtest.Poster{},
		tasks:  &processtest.Tasks{},
		ctx:    processtest.KernelContext(),
	}
	core := process.NewManager(process.DefaultConfig(), h.poster, &processtest.Loader{ImageSize: 128}, zap.NewNop()).
		WithClock(h.clock).
		WithHalter(process.PanicHalter(zap.NewNop())).
		WithTaskFactory(h.tasks.Factory())

	h.reg = registry.NewManager(prefs.NewMemory(), zap.NewNop())
	save := func(name string, worker bool) types.InstallID {
		e, err := h.reg.Save(context.Background(), types.InstallEntry{
			UUID: uuid.NewString(), Name: name, SDK: types.SDK3, Worker: worker,
		})
		require.NoError(t, err)
		return e.ID
	}
	h.steps = save("Steps", true)
	h.sleep = save("Sleep", true)
	h.app = save("Weather", false)

	var err error
	h.crashes, err = crash.NewStore("", 8, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(h.crashes.Close)

	cfg := Config{Layout: memory.Layout{TotalRAM: 2048, StackSize: 256}, Priority: 1}
	h.mgr = NewManager(core, memory.NewArena("worker", 0x20010000, 2048), h.reg, cfg, zap.NewNop()).
		WithCrashStore(h.crashes).
		WithNotifier(types.NotifierFunc(func(n types.Notification) { h.states = append(h.states, n) }))
	return h
}

func (h *harness) currentID() types.InstallID {
	if info := h.mgr.Current(); info != nil {
		return info.InstallID
	}
	return types.InstallIDInvalid
}

func (h *harness) exit() {
	h.mgr.HandleExit(h.ctx, types.Event{
		Type:   types.EventProcessExit,
		Kind:   types.KindWorker,
		TaskID: uint32(h.mgr.Context().TaskID()),
	})
}

func TestLaunchIntoEmptySlot(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps, Reason: types.LaunchWorker}))
	assert.Equal(t, h.steps, h.currentID())
	assert.Equal(t, types.KindWorker, h.mgr.Current().Kind)
	assert.Equal(t, 1, h.reg.Refs(h.steps))

	require.Len(t, h.states, 1)
	assert.Equal(t, types.NotifyWorkerState, h.states[0].Type)
	assert.True(t, h.states[0].Running)
	assert.Equal(t, types.KindWorker, h.states[0].Kind)
}

func TestLaunchRejectsApps(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.app}), ErrNotWorker)
	assert.Equal(t, 0, h.reg.Refs(h.app))
	assert.Nil(t, h.mgr.Current())
}

func TestLaunchReplacesRunningWorker(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))

	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.sleep}))
	assert.Equal(t, process.GracefullyClosing, h.mgr.Context().ClosingState())
	assert.Equal(t, h.sleep, h.mgr.Stats().NextApp)

	h.exit()
	assert.Equal(t, h.sleep, h.currentID())
	assert.Equal(t, 0, h.reg.Refs(h.steps))
	assert.Equal(t, uint64(1), h.mgr.Stats().GracefulSwitch)
}

func TestCloseLeavesSlotEmpty(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))
	task := h.tasks.Last()

	h.mgr.Close(h.ctx, false)
	assert.True(t, task.Suspended)
	assert.True(t, task.Destroyed)
	assert.Nil(t, h.mgr.Current())
	assert.Equal(t, 0, h.reg.Refs(h.steps))
	assert.Empty(t, h.crashes.Recent(1), "a requested close is not a crash")
}

func TestWorkerExitOnItsOwn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))

	h.exit()
	assert.Nil(t, h.mgr.Current())
}

func TestCrashIsRecordedNotRestarted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))

	h.mgr.HandleKill(h.ctx, types.Event{
		Type:   types.EventKill,
		Kind:   types.KindWorker,
		TaskID: uint32(h.mgr.Context().TaskID()),
	})

	assert.Nil(t, h.mgr.Current())
	reports := h.crashes.Recent(1)
	require.Len(t, reports, 1)
	assert.Equal(t, types.KindWorker, reports[0].Kind)
	assert.Equal(t, crash.CauseCrashed, reports[0].Cause)
	assert.Equal(t, "Steps", reports[0].Name)
}

func TestUnresponsiveWorkerEscalates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))

	h.mgr.Close(h.ctx, true)
	h.clock.Advance(3 * time.Second)

	var timer types.Event
	for _, ev := range h.poster.Take() {
		if ev.Type == types.EventTimer {
			timer = ev
		}
	}
	require.Equal(t, types.TimerGracefulClose, timer.Timer)
	h.mgr.HandleTimer(h.ctx, timer)

	kills := h.poster.Take()
	require.Len(t, kills, 1)
	h.mgr.HandleKill(h.ctx, kills[0])

	assert.Nil(t, h.mgr.Current())
	require.Len(t, h.crashes.Recent(1), 1)
	assert.Equal(t, crash.CauseUnresponsive, h.crashes.Recent(1)[0].Cause)
}

func TestWorkerPanicWhileClosing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))
	h.mgr.Close(h.ctx, true)
	require.Equal(t, process.GracefullyClosing, h.mgr.Context().ClosingState())

	h.mgr.HandleKill(h.ctx, types.Event{
		Type:    types.EventKill,
		Kind:    types.KindWorker,
		Crashed: true,
		TaskID:  uint32(h.mgr.Context().TaskID()),
	})

	assert.Nil(t, h.mgr.Current())
	require.Len(t, h.crashes.Recent(1), 1)
	assert.Equal(t, crash.CauseCrashed, h.crashes.Recent(1)[0].Cause)
}

func TestWorkerRunLevel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.steps}))

	h.mgr.SetMinRunLevel(h.ctx, types.RunLevelCritical)
	h.exit()
	assert.Nil(t, h.mgr.Current())

	assert.ErrorIs(t, h.mgr.Launch(h.ctx, types.LaunchConfig{ID: h.sleep}), ErrRunLevel)
	assert.Equal(t, 0, h.reg.Refs(h.sleep))
}
