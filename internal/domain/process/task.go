package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// destroyWait bounds how long Destroy waits for a task goroutine to unwind
const destroyWait = 250 * time.Millisecond

// Poster delivers events to kernel main
type Poster interface {
	Post(ctx context.Context, ev types.Event) error
}

// Task is a schedulable unit running one process
type Task interface {
	ID() TaskID
	Name() string
	Priority() int
	Start()
	// SuspendOrTrap atomically suspends the task if it is outside privileged
	// code and returns true. Otherwise it arms a trap that fires when the
	// task next drops privilege, and returns false.
	SuspendOrTrap() bool
	InPrivilegedMode() bool
	Destroy()
}

// TaskSpec describes a task to create
type TaskSpec struct {
	ID       TaskID
	Name     string
	Priority int
	Entry    EntryFunc
	Env      RuntimeEnv
}

// TaskFactory creates tasks; tests substitute their own
type TaskFactory func(spec TaskSpec) Task

// SimTask runs a process entry on its own goroutine. Privileged sections are
// entered through Runtime.Syscall. A goroutine cannot be frozen from outside,
// so suspension takes effect at the next Runtime call, which parks until the
// task is destroyed.
type SimTask struct {
	spec TaskSpec
	rt   *Runtime

	mu        sync.Mutex
	depth     int
	trap      bool
	suspended bool

	suspendCh   chan struct{}
	done        chan struct{}
	exited      chan struct{}
	suspendOnce sync.Once
	destroyOnce sync.Once
}

// NewSimTask is the default TaskFactory
func NewSimTask(spec TaskSpec) Task {
	t := &SimTask{
		spec:      spec,
		suspendCh: make(chan struct{}),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	t.rt = newRuntime(t, spec.ID, spec.Env)
	return t
}

func (t *SimTask) ID() TaskID    { return t.spec.ID }
func (t *SimTask) Name() string  { return t.spec.Name }
func (t *SimTask) Priority() int { return t.spec.Priority }

// Start launches the task goroutine
func (t *SimTask) Start() {
	go t.run()
}

func (t *SimTask) run() {
	defer close(t.exited)
	defer func() {
		if r := recover(); r != nil {
			t.rt.logger.Error("process crashed", zap.Any("panic", r))
			t.abandon()
			t.rt.post(types.Event{Type: types.EventKill, Kind: t.rt.env.Kind, Crashed: true})
		}
	}()

	ctx := WithExecutor(context.Background(), t.spec.ID)
	t.spec.Entry(ctx, t.rt)

	// Returning from main is a clean exit unless the task is being torn down.
	if !t.isSuspended() && !t.isDestroyed() {
		t.rt.Exit()
	}
}

// SuspendOrTrap implements Task
func (t *SimTask) SuspendOrTrap() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.depth > 0 {
		t.trap = true
		return false
	}
	t.suspendLocked()
	return true
}

// InPrivilegedMode implements Task
func (t *SimTask) InPrivilegedMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth > 0
}

// Destroy releases a parked task and waits briefly for it to unwind
func (t *SimTask) Destroy() {
	t.destroyOnce.Do(func() { close(t.done) })

	select {
	case <-t.exited:
	case <-time.After(destroyWait):
		t.rt.logger.Warn("task did not unwind after destroy", zap.String("task", t.spec.Name))
	}
}

// abandon marks a task whose goroutine is gone. A panic may unwind out of
// Syscall, so the privilege depth and any pending trap are dropped and the
// task counts as suspended.
func (t *SimTask) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth = 0
	t.trap = false
	t.suspendLocked()
}

func (t *SimTask) suspendLocked() {
	t.suspended = true
	t.suspendOnce.Do(func() { close(t.suspendCh) })
}

func (t *SimTask) isSuspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

func (t *SimTask) isDestroyed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// enterPrivileged returns false if the task has been suspended
func (t *SimTask) enterPrivileged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended {
		return false
	}
	t.depth++
	return true
}

// exitPrivileged returns true if a pending trap fired on this exit
func (t *SimTask) exitPrivileged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.depth == 0 {
		panic(fmt.Sprintf("process: task %s unbalanced privilege drop", t.spec.Name))
	}
	t.depth--
	if t.depth == 0 && t.trap {
		t.trap = false
		t.suspendLocked()
		return true
	}
	return false
}

// park blocks until the task is destroyed
func (t *SimTask) park() {
	<-t.done
}
