package types

import (
	"fmt"
	"time"
)

// InstallID identifies an installed process. System apps use negative ids,
// flash (third-party) installs use positive ids.
type InstallID int32

// InstallIDInvalid marks "no app".
const InstallIDInvalid InstallID = 0

// IsSystem reports whether the id belongs to a firmware-resident app
func (id InstallID) IsSystem() bool { return id < 0 }

// ProcessKind distinguishes the process slots
type ProcessKind int

const (
	KindApp ProcessKind = iota
	KindWorker
)

func (k ProcessKind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindWorker:
		return "worker"
	default:
		return "unknown"
	}
}

func (k ProcessKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ProcessKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "app":
		*k = KindApp
	case "worker":
		*k = KindWorker
	default:
		return fmt.Errorf("unknown process kind %q", b)
	}
	return nil
}

// StorageKind tells where a process image lives
type StorageKind int

const (
	StorageSystem StorageKind = iota // built into the firmware image
	StorageFlash                     // user-writable storage
)

func (s StorageKind) String() string {
	if s == StorageSystem {
		return "system"
	}
	return "flash"
}

// SDKGeneration selects the memory budget a process is built against
type SDKGeneration int

const (
	SDKUnknown SDKGeneration = iota
	SDKLegacy2
	SDK3
	SDKRocky
)

func (g SDKGeneration) String() string {
	switch g {
	case SDKLegacy2:
		return "legacy2"
	case SDK3:
		return "sdk3"
	case SDKRocky:
		return "rocky"
	default:
		return "unknown"
	}
}

// ParseSDKGeneration maps a manifest string to a generation
func ParseSDKGeneration(s string) SDKGeneration {
	switch s {
	case "legacy2", "2":
		return SDKLegacy2
	case "sdk3", "3":
		return SDK3
	case "rocky", "js":
		return SDKRocky
	default:
		return SDKUnknown
	}
}

// RunLevel is the minimum capability tier needed to launch
type RunLevel int

const (
	RunLevelNormal RunLevel = iota
	RunLevelFirmwareUpdate
	RunLevelCritical
)

// LaunchReason records why a process was started
type LaunchReason int

const (
	LaunchSystem LaunchReason = iota
	LaunchUser
	LaunchPhone
	LaunchWakeup
	LaunchWorker
	LaunchQuickLaunch
	LaunchTimelineAction
	LaunchSmartstrap
)

func (r LaunchReason) String() string {
	switch r {
	case LaunchSystem:
		return "system"
	case LaunchUser:
		return "user"
	case LaunchPhone:
		return "phone"
	case LaunchWakeup:
		return "wakeup"
	case LaunchWorker:
		return "worker"
	case LaunchQuickLaunch:
		return "quick_launch"
	case LaunchTimelineAction:
		return "timeline_action"
	case LaunchSmartstrap:
		return "smartstrap"
	default:
		return "unknown"
	}
}

// ParseLaunchReason maps API strings to reasons, defaulting to user
func ParseLaunchReason(s string) LaunchReason {
	for r := LaunchSystem; r <= LaunchSmartstrap; r++ {
		if r.String() == s {
			return r
		}
	}
	return LaunchUser
}

// ButtonID is the physical button that caused a launch, if any
type ButtonID int

const (
	ButtonNone ButtonID = iota
	ButtonBack
	ButtonUp
	ButtonSelect
	ButtonDown
)

// ExitReason lets a process steer where the user lands after it exits
type ExitReason int

const (
	ExitNotSpecified ExitReason = iota
	ExitDefault
	ExitActionPerformedSuccessfully
)

// WakeupInfo is the payload delivered with a wakeup launch
type WakeupInfo struct {
	ID     int32 `json:"id"`
	Reason int32 `json:"reason"`
}

// LaunchConfig describes a launch request
type LaunchConfig struct {
	ID         InstallID    `json:"id"`
	Reason     LaunchReason `json:"reason"`
	Button     ButtonID     `json:"button"`
	Args       []byte       `json:"args,omitempty"`
	Wakeup     *WakeupInfo  `json:"wakeup,omitempty"`
	Forcefully bool         `json:"forcefully"`
}

// ProcessInfo is a read-only view of a running process slot
type ProcessInfo struct {
	Kind         ProcessKind   `json:"kind"`
	InstallID    InstallID     `json:"install_id"`
	Name         string        `json:"name"`
	UUID         string        `json:"uuid"`
	Storage      string        `json:"storage"`
	SDK          string        `json:"sdk"`
	Watchface    bool          `json:"watchface"`
	LaunchReason string        `json:"launch_reason"`
	ClosingState string        `json:"closing_state"`
	SafeToKill   bool          `json:"safe_to_kill"`
	LaunchID     string        `json:"launch_id"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"uptime"`
	HeapUsed     uint32        `json:"heap_used"`
	HeapCapacity uint32        `json:"heap_capacity"`
}

// Stats contains process manager statistics
type Stats struct {
	Launches        uint64    `json:"launches"`
	LaunchFailures  uint64    `json:"launch_failures"`
	GracefulSwitch  uint64    `json:"graceful_switches"`
	ForcedSwitch    uint64    `json:"forced_switches"`
	CrashDialogs    uint64    `json:"crash_dialogs"`
	NextApp         InstallID `json:"next_app"`
	RootInWatchface bool      `json:"root_in_watchface"`
	MinRunLevel     RunLevel  `json:"min_run_level"`
}

// Snapshot is the kernel's view of both process slots
type Snapshot struct {
	App    *ProcessInfo `json:"app,omitempty"`
	Worker *ProcessInfo `json:"worker,omitempty"`
	Stats  Stats        `json:"stats"`
}
