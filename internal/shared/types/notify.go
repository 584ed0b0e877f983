package types

import "time"

// NotificationType names an outbound notification
type NotificationType string

const (
	NotifyRunState    NotificationType = "run_state"
	NotifyLaunch      NotificationType = "launch"
	NotifyCrashDialog NotificationType = "crash_dialog"
	NotifyWorkerState NotificationType = "worker_state"
)

// Notification tells listeners about process lifecycle changes
type Notification struct {
	Type      NotificationType `json:"type"`
	Kind      ProcessKind      `json:"kind"`
	InstallID InstallID        `json:"install_id"`
	UUID      string           `json:"uuid,omitempty"`
	Name      string           `json:"name,omitempty"`
	Running   bool             `json:"running"`
	Reason    string           `json:"reason,omitempty"`
	Time      time.Time        `json:"time"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
