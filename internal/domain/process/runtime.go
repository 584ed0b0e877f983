package process

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// RuntimeEnv is what a process can see of the system
type RuntimeEnv struct {
	Kind         types.ProcessKind
	InstallID    types.InstallID
	Args         []byte
	Reason       types.LaunchReason
	Button       types.ButtonID
	Wakeup       *types.WakeupInfo
	Queue        *EventQueue
	Heap         *memory.Heap
	Poster       Poster
	Timers       *Timers
	Subs         *Subscriptions
	Logger       *zap.Logger
	EventTimeout time.Duration
}

// Runtime is the process-side API. Its methods run on the process's task.
type Runtime struct {
	task   *SimTask
	id     TaskID
	env    RuntimeEnv
	logger *zap.Logger
	exited atomic.Bool
}

func newRuntime(task *SimTask, id TaskID, env RuntimeEnv) *Runtime {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		task: task,
		id:   id,
		env:  env,
		logger: logger.With(
			zap.Stringer("kind", env.Kind),
			zap.Int32("install_id", int32(env.InstallID)),
			zap.Uint32("task", uint32(id)),
		),
	}
}

func (rt *Runtime) TaskID() TaskID                   { return rt.id }
func (rt *Runtime) Kind() types.ProcessKind          { return rt.env.Kind }
func (rt *Runtime) InstallID() types.InstallID       { return rt.env.InstallID }
func (rt *Runtime) Args() []byte                     { return rt.env.Args }
func (rt *Runtime) LaunchReason() types.LaunchReason { return rt.env.Reason }
func (rt *Runtime) Button() types.ButtonID           { return rt.env.Button }
func (rt *Runtime) Wakeup() *types.WakeupInfo        { return rt.env.Wakeup }
func (rt *Runtime) Logger() *zap.Logger              { return rt.logger }

// Done is closed when the task is destroyed. Code that can block outside
// Runtime calls, such as a script engine, watches it to unwind.
func (rt *Runtime) Done() <-chan struct{} { return rt.task.done }

// Next waits for the next event. It returns false once the task has been
// suspended or destroyed; the caller must then return from its main.
func (rt *Runtime) Next() (types.ProcessEvent, bool) {
	t := rt.task
	if t.isSuspended() {
		t.park()
		return types.ProcessEvent{}, false
	}

	select {
	case ev := <-rt.env.Queue.C():
		if t.isSuspended() {
			if ev.Release != nil {
				ev.Release()
			}
			t.park()
			return types.ProcessEvent{}, false
		}
		return ev, true
	case <-t.suspendCh:
		t.park()
		return types.ProcessEvent{}, false
	case <-t.done:
		return types.ProcessEvent{}, false
	}
}

// Syscall runs fn in privileged mode. It returns false if the task was
// suspended before entering or trapped on the way out; the caller must then
// return from its main.
func (rt *Runtime) Syscall(fn func()) bool {
	t := rt.task
	if !t.enterPrivileged() {
		t.park()
		return false
	}
	fn()
	if t.exitPrivileged() {
		rt.logger.Info("kill trap hit on privilege drop")
		rt.post(types.Event{Type: types.EventTrapHit, Kind: rt.env.Kind})
		t.park()
		return false
	}
	return true
}

// Exit marks the process safe to kill and asks kernel main to tear it down.
// It is idempotent.
func (rt *Runtime) Exit() {
	if !rt.exited.CompareAndSwap(false, true) {
		return
	}
	rt.post(types.Event{Type: types.EventProcessExit, Kind: rt.env.Kind})
}

// SetExitReason tells the app manager where to route after this app exits
func (rt *Runtime) SetExitReason(reason types.ExitReason) {
	rt.post(types.Event{Type: types.EventExitReason, Kind: rt.env.Kind, ExitReason: reason})
}

// Malloc allocates from the process heap
func (rt *Runtime) Malloc(size uintptr) (uintptr, error) {
	return rt.env.Heap.Alloc(uint32(rt.id), size)
}

// Free releases a heap block
func (rt *Runtime) Free(addr uintptr) error {
	return rt.env.Heap.Free(uint32(rt.id), addr)
}

// Subscribe delivers events published on topic to this process
func (rt *Runtime) Subscribe(topic string) {
	if rt.env.Subs != nil {
		rt.env.Subs.Subscribe(topic, rt.id, rt.env.Queue)
	}
}

// Unsubscribe stops delivery of topic
func (rt *Runtime) Unsubscribe(topic string) {
	if rt.env.Subs != nil {
		rt.env.Subs.Unsubscribe(topic, rt.id)
	}
}

// AfterFunc runs f on this task after d. The timer dies with the process.
func (rt *Runtime) AfterFunc(d time.Duration, f func()) uint64 {
	if rt.env.Timers == nil {
		return 0
	}
	return rt.env.Timers.Schedule(rt.id, rt.env.Queue, d, f)
}

// CancelTimer stops a timer armed by AfterFunc
func (rt *Runtime) CancelTimer(handle uint64) bool {
	if rt.env.Timers == nil {
		return false
	}
	return rt.env.Timers.Cancel(rt.id, handle)
}

// RunEventLoop dispatches events until deinit, then exits cleanly. Timer
// callbacks run inline; every other event goes to handle.
func (rt *Runtime) RunEventLoop(handle func(types.ProcessEvent)) {
	for {
		ev, ok := rt.Next()
		if !ok {
			return
		}
		switch ev.Type {
		case types.ProcessEventDeinit:
			rt.Exit()
			return
		case types.ProcessEventCallback:
			if ev.Callback != nil {
				ev.Callback()
			}
		default:
			if handle != nil {
				handle(ev)
			}
		}
	}
}

func (rt *Runtime) post(ev types.Event) {
	if rt.env.Poster == nil {
		return
	}
	ev.TaskID = uint32(rt.id)

	timeout := rt.env.EventTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rt.env.Poster.Post(ctx, ev); err != nil {
		rt.logger.Warn("failed to post event to kernel", zap.Stringer("event", ev.Type), zap.Error(err))
	}
}
