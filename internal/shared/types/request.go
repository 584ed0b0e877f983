package types

// LaunchRequest is the control API body for launching an app or worker
type LaunchRequest struct {
	Reason     string      `json:"reason"`
	Args       string      `json:"args,omitempty"`
	Forcefully bool        `json:"forcefully"`
	Wakeup     *WakeupInfo `json:"wakeup,omitempty"`
}

// CloseRequest is the control API body for closing the current process
type CloseRequest struct {
	Gracefully *bool `json:"gracefully,omitempty"`
}

// RunLevelRequest is the control API body for changing the minimum run level
type RunLevelRequest struct {
	Level RunLevel `json:"level"`
}

// WSMessage represents a WebSocket notification
type WSMessage struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}
