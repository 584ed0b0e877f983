package process

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Variant tags the concrete metadata implementation
type Variant int

const (
	VariantSystem Variant = iota
	VariantFlash
	VariantRocky
)

func (v Variant) String() string {
	switch v {
	case VariantSystem:
		return "system"
	case VariantFlash:
		return "flash"
	case VariantRocky:
		return "rocky"
	default:
		return "unknown"
	}
}

// EntryFunc is a process main. It runs on the process's own task and must
// return once rt reports the task is going away.
type EntryFunc func(ctx context.Context, rt *Runtime)

// Metadata is the immutable description of a launchable process
type Metadata interface {
	InstallID() types.InstallID
	Name() string
	UUID() uuid.UUID
	Variant() Variant
	Kind() types.ProcessKind
	Storage() types.StorageKind
	SDK() types.SDKGeneration
	IsWatchface() bool
	// Privileged processes are trusted firmware code
	Privileged() bool
	RunLevel() types.RunLevel
	// Release drops ownership of dynamically held metadata
	Release()
}

// SystemMetadata describes a process built into the firmware image
type SystemMetadata struct {
	ID         types.InstallID
	AppName    string
	AppUUID    uuid.UUID
	Process    types.ProcessKind
	Watchface  bool
	Level      types.RunLevel
	Generation types.SDKGeneration
	CodeSize   uintptr
	Main       EntryFunc
}

func (m *SystemMetadata) InstallID() types.InstallID { return m.ID }
func (m *SystemMetadata) Name() string               { return m.AppName }
func (m *SystemMetadata) UUID() uuid.UUID            { return m.AppUUID }
func (m *SystemMetadata) Variant() Variant           { return VariantSystem }
func (m *SystemMetadata) Kind() types.ProcessKind    { return m.Process }
func (m *SystemMetadata) Storage() types.StorageKind { return types.StorageSystem }
func (m *SystemMetadata) IsWatchface() bool          { return m.Watchface }
func (m *SystemMetadata) Privileged() bool           { return true }
func (m *SystemMetadata) RunLevel() types.RunLevel   { return m.Level }

// Release is a no-op: system metadata is static
func (m *SystemMetadata) Release() {}

// SDK returns the generation, defaulting to the current SDK
func (m *SystemMetadata) SDK() types.SDKGeneration {
	if m.Generation == types.SDKUnknown {
		return types.SDK3
	}
	return m.Generation
}

// FlashMetadata describes a third-party install. It is reference counted by
// the registry; the holder calls Release exactly once.
type FlashMetadata struct {
	Entry   types.InstallEntry
	AppUUID uuid.UUID

	once    sync.Once
	release func()
}

// NewFlashMetadata wraps entry; release runs on the first Release call
func NewFlashMetadata(entry types.InstallEntry, release func()) *FlashMetadata {
	u, _ := uuid.Parse(entry.UUID)
	return &FlashMetadata{Entry: entry, AppUUID: u, release: release}
}

func (m *FlashMetadata) InstallID() types.InstallID { return m.Entry.ID }
func (m *FlashMetadata) Name() string               { return m.Entry.Name }
func (m *FlashMetadata) UUID() uuid.UUID            { return m.AppUUID }
func (m *FlashMetadata) Variant() Variant           { return VariantFlash }
func (m *FlashMetadata) Storage() types.StorageKind { return types.StorageFlash }
func (m *FlashMetadata) SDK() types.SDKGeneration   { return m.Entry.SDK }
func (m *FlashMetadata) IsWatchface() bool          { return m.Entry.Watchface }
func (m *FlashMetadata) Privileged() bool           { return false }
func (m *FlashMetadata) RunLevel() types.RunLevel   { return m.Entry.RunLevel }

func (m *FlashMetadata) Kind() types.ProcessKind {
	if m.Entry.Worker {
		return types.KindWorker
	}
	return types.KindApp
}

func (m *FlashMetadata) Release() {
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// RockyMetadata is a flash install whose binary is a JavaScript program
type RockyMetadata struct {
	*FlashMetadata
}

func (m *RockyMetadata) Variant() Variant { return VariantRocky }
