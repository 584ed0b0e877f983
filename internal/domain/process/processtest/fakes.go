// Package processtest provides deterministic doubles for the process core.
package processtest

import (
	"context"
	"sync"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Task is a process.Task that never runs code. Privileged controls whether
// SuspendOrTrap suspends or arms the trap.
type Task struct {
	mu sync.Mutex

	Spec       process.TaskSpec
	Privileged bool
	Started    bool
	Suspended  bool
	Trapped    bool
	Destroyed  bool
}

func (t *Task) ID() process.TaskID { return t.Spec.ID }
func (t *Task) Name() string       { return t.Spec.Name }
func (t *Task) Priority() int      { return t.Spec.Priority }

func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Started = true
}

func (t *Task) SuspendOrTrap() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Privileged {
		t.Trapped = true
		return false
	}
	t.Suspended = true
	return true
}

func (t *Task) InPrivilegedMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Privileged
}

func (t *Task) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Destroyed = true
}

// Tasks is a TaskFactory that remembers every task it created
type Tasks struct {
	mu         sync.Mutex
	Privileged bool
	Created    []*Task
}

// Factory returns the process.TaskFactory
func (ts *Tasks) Factory() process.TaskFactory {
	return func(spec process.TaskSpec) process.Task {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		t := &Task{Spec: spec, Privileged: ts.Privileged}
		ts.Created = append(ts.Created, t)
		return t
	}
}

// Last returns the most recently created task
func (ts *Tasks) Last() *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.Created) == 0 {
		return nil
	}
	return ts.Created[len(ts.Created)-1]
}

// Poster records posted events
type Poster struct {
	mu     sync.Mutex
	Err    error
	events []types.Event
}

// Post implements process.Poster
func (p *Poster) Post(_ context.Context, ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything posted so far
func (p *Poster) Events() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Event(nil), p.events...)
}

// Take returns and clears the posted events
func (p *Poster) Take() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events
	p.events = nil
	return evs
}

// Loader writes a fixed-size image and binds a no-op entry
type Loader struct {
	mu        sync.Mutex
	Err       error
	ImageSize uintptr
	Loads     []types.InstallID
}

// Load implements process.Loader
func (l *Loader) Load(_ context.Context, md process.Metadata, _ types.ProcessKind, arena *memory.Arena, dest memory.Segment) (process.LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Loads = append(l.Loads, md.InstallID())
	if l.Err != nil {
		return process.LoadResult{}, l.Err
	}

	image := make([]byte, l.ImageSize)
	for i := range image {
		image[i] = 0xA5
	}
	if err := arena.Copy(dest, image); err != nil {
		return process.LoadResult{}, err
	}
	return process.LoadResult{
		Entry:     func(context.Context, *process.Runtime) {},
		ImageSize: l.ImageSize,
	}, nil
}

// KernelContext returns a context tagged as running on kernel main
func KernelContext() context.Context {
	return process.WithExecutor(context.Background(), process.TaskKernelMain)
}
