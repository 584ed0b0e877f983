// Package types provides shared data structures for the watch process core.
//
// This package defines the vocabulary used across the kernel, the process
// managers and the control API.
//
// Core Types:
//   - InstallID: Installed process identifier (negative for system apps)
//   - LaunchConfig: A launch request with reason, args and wakeup payload
//   - InstallEntry: Registry record for an installed app
//   - Event: Message posted to kernel main
//   - ProcessEvent: Message delivered to a process event queue
//
// State Management:
//   - ProcessKind: app or worker slot
//   - SDKGeneration: memory budget selector
//   - RunLevel: minimum capability tier for launching
//   - ProcessInfo, Stats, Snapshot: read-only views for the control API
//
// Example Usage:
//
//	cfg := &types.LaunchConfig{
//	    ID:     entry.ID,
//	    Reason: types.LaunchUser,
//	}
package types
