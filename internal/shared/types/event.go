package types

// EventType discriminates kernel-main events
type EventType int

const (
	EventLaunch EventType = iota
	EventCloseCurrent
	EventForceQuit
	EventKill
	EventProcessExit
	EventTrapHit
	EventTimer
	EventExitReason
	EventBackHeld
	EventBackReleased
	EventWorkerLaunch
	EventWorkerClose
	EventMinRunLevel
	EventTick
	EventSnapshot
	EventButton
)

func (t EventType) String() string {
	switch t {
	case EventLaunch:
		return "launch"
	case EventCloseCurrent:
		return "close_current"
	case EventForceQuit:
		return "force_quit"
	case EventKill:
		return "kill"
	case EventProcessExit:
		return "process_exit"
	case EventTrapHit:
		return "trap_hit"
	case EventTimer:
		return "timer"
	case EventExitReason:
		return "exit_reason"
	case EventBackHeld:
		return "back_held"
	case EventBackReleased:
		return "back_released"
	case EventWorkerLaunch:
		return "worker_launch"
	case EventWorkerClose:
		return "worker_close"
	case EventMinRunLevel:
		return "min_run_level"
	case EventTick:
		return "tick"
	case EventSnapshot:
		return "snapshot"
	case EventButton:
		return "button"
	default:
		return "unknown"
	}
}

// TimerKind identifies which single-shot process timer fired
type TimerKind int

const (
	TimerGracefulClose TimerKind = iota
	TimerForceClose
	TimerForceQuit
)

func (k TimerKind) String() string {
	switch k {
	case TimerGracefulClose:
		return "graceful_close"
	case TimerForceClose:
		return "force_close"
	case TimerForceQuit:
		return "force_quit"
	default:
		return "unknown"
	}
}

// Event is a message posted to kernel main. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType
	Kind       ProcessKind
	Gracefully bool
	// Crashed is set on a kill posted by a task whose main panicked
	Crashed    bool
	Launch     *LaunchConfig
	Timer      TimerKind
	Generation uint64
	TaskID     uint32
	ExitReason ExitReason
	RunLevel   RunLevel
	Button     ButtonID
	Reply      chan<- Snapshot
}

// ProcessEventType discriminates events delivered to a process queue
type ProcessEventType int

const (
	ProcessEventDeinit ProcessEventType = iota
	ProcessEventButton
	ProcessEventTick
	ProcessEventWakeup
	ProcessEventTimer
	ProcessEventCallback
)

func (t ProcessEventType) String() string {
	switch t {
	case ProcessEventDeinit:
		return "deinit"
	case ProcessEventButton:
		return "button"
	case ProcessEventTick:
		return "tick"
	case ProcessEventWakeup:
		return "wakeup"
	case ProcessEventTimer:
		return "timer"
	case ProcessEventCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// ProcessEvent is delivered to a process through its own event queue.
// Release, when set, frees any payload the event owns; it runs if the event
// is drained without being consumed.
type ProcessEvent struct {
	Type     ProcessEventType
	Button   ButtonID
	Topic    string
	Wakeup   *WakeupInfo
	Callback func()
	Release  func()
}
