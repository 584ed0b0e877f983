package process

import (
	"fmt"
	"time"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// ClosingState tracks how far a close request has progressed. It only moves
// forward until cleanup resets the slot.
type ClosingState int

const (
	Running ClosingState = iota
	GracefullyClosing
	ForceClosing
)

func (s ClosingState) String() string {
	switch s {
	case Running:
		return "running"
	case GracefullyClosing:
		return "gracefully_closing"
	case ForceClosing:
		return "force_closing"
	default:
		return "unknown"
	}
}

// Context is the bookkeeping for one process slot. Exactly one exists per
// slot; it is mutated only on kernel main.
type Context struct {
	Kind types.ProcessKind

	Task     Task
	Queue    *EventQueue
	Metadata Metadata

	InstallID    types.InstallID
	Args         []byte
	LaunchReason types.LaunchReason
	Button       types.ButtonID
	Wakeup       *types.WakeupInfo

	SafeToKill bool
	closing    ClosingState
	ExitReason types.ExitReason

	// Loaded is the code+data range the loader filled, used to translate
	// crash addresses into image offsets.
	Loaded  memory.Segment
	Carving memory.Carving
	Arena   *memory.Arena
	Heap    *memory.Heap

	LaunchID  id.LaunchID
	StartedAt time.Time

	timer     clock.Timer
	timerKind types.TimerKind
}

// NewContext returns an empty slot of the given kind
func NewContext(kind types.ProcessKind) *Context {
	return &Context{Kind: kind}
}

// ClosingState returns the current close progress
func (c *Context) ClosingState() ClosingState { return c.closing }

// IsEmpty reports whether no process occupies the slot
func (c *Context) IsEmpty() bool { return c.Task == nil }

// TaskID returns the running task id, or TaskNone
func (c *Context) TaskID() TaskID {
	if c.Task == nil {
		return TaskNone
	}
	return c.Task.ID()
}

// advance moves the closing state forward. Moving backwards is a bug.
func (c *Context) advance(to ClosingState) {
	if to < c.closing {
		panic(fmt.Sprintf("process: closing state regression %s -> %s", c.closing, to))
	}
	c.closing = to
}

func (c *Context) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// reset returns the slot to its empty state
func (c *Context) reset() {
	c.stopTimer()
	*c = Context{Kind: c.Kind}
}

// Info returns a read-only view of the slot
func (c *Context) Info(now time.Time) *types.ProcessInfo {
	if c.IsEmpty() {
		return nil
	}
	info := &types.ProcessInfo{
		Kind:         c.Kind,
		InstallID:    c.InstallID,
		LaunchReason: c.LaunchReason.String(),
		ClosingState: c.closing.String(),
		SafeToKill:   c.SafeToKill,
		LaunchID:     c.LaunchID.String(),
		StartedAt:    c.StartedAt,
		Uptime:       now.Sub(c.StartedAt),
	}
	if md := c.Metadata; md != nil {
		info.Name = md.Name()
		info.UUID = md.UUID().String()
		info.Storage = md.Storage().String()
		info.SDK = md.SDK().String()
		info.Watchface = md.IsWatchface()
	}
	if c.Heap != nil {
		stats := c.Heap.Stats()
		info.HeapUsed = uint32(stats.Used)
		info.HeapCapacity = uint32(stats.Capacity)
	}
	return info
}
