package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/paths"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

var (
	// ErrNotFound is returned for unknown install ids and UUIDs
	ErrNotFound = errors.New("install not found")
	// ErrInUse is returned when removing an install whose metadata is held
	ErrInUse = errors.New("install in use")
	// ErrInvalidEntry is returned for entries missing required fields
	ErrInvalidEntry = errors.New("invalid install entry")
)

// Role names a system app the process core needs to find without a lookup
// by UUID.
type Role int

const (
	RoleLauncher Role = iota
	RoleBuiltinWatchface
	RoleLowPowerFace
	RoleBatteryCritical
	RolePanic
)

func (r Role) String() string {
	switch r {
	case RoleLauncher:
		return "launcher"
	case RoleBuiltinWatchface:
		return "builtin_watchface"
	case RoleLowPowerFace:
		return "low_power_face"
	case RoleBatteryCritical:
		return "battery_critical"
	case RolePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Preferences is the narrow slice of the preference store the registry uses
type Preferences interface {
	DefaultWatchface() string
	SetDefaultWatchface(uuid string) error
}

// SystemApp is a firmware-resident install
type SystemApp struct {
	Metadata    *process.SystemMetadata
	Icon        string
	Visibility  types.Visibility
	RecordOrder int
	Roles       []Role
}

type record struct {
	entry  types.InstallEntry
	system *process.SystemMetadata
	refs   int
}

// Manager is the install registry. Flash metadata handed out by Metadata is
// reference counted; the process core releases it on cleanup.
type Manager struct {
	mu      sync.RWMutex
	records map[types.InstallID]*record
	byUUID  map[string]types.InstallID
	roles   map[Role]types.InstallID
	nextID  types.InstallID

	prefs      Preferences
	storageDir string
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *monitoring.Metrics
}

// NewManager creates an empty registry
func NewManager(prefs Preferences, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records: make(map[types.InstallID]*record),
		byUUID:  make(map[string]types.InstallID),
		roles:   make(map[Role]types.InstallID),
		nextID:  1,
		prefs:   prefs,
		clock:   clock.Real{},
		logger:  logger,
	}
}

// WithStorage persists installs saved through the API as manifests in dir
func (m *Manager) WithStorage(dir string) *Manager {
	m.storageDir = dir
	return m
}

// WithClock sets the clock used for prioritization timestamps
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// WithMetrics enables the registry size gauge
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// RegisterSystem adds a firmware-resident app. System ids must be negative.
func (m *Manager) RegisterSystem(app SystemApp) error {
	md := app.Metadata
	if md == nil || !md.ID.IsSystem() {
		return fmt.Errorf("%w: system apps need a negative install id", ErrInvalidEntry)
	}

	entry := types.InstallEntry{
		ID:          md.ID,
		UUID:        md.AppUUID.String(),
		Name:        md.AppName,
		Icon:        app.Icon,
		Visibility:  app.Visibility,
		RecordOrder: app.RecordOrder,
		Storage:     types.StorageSystem,
		SDK:         md.SDK(),
		SDKName:     md.SDK().String(),
		Watchface:   md.Watchface,
		Worker:      md.Process == types.KindWorker,
		RunLevel:    md.Level,
	}
	if entry.Visibility == "" {
		entry.Visibility = types.VisibilityShown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[md.ID]; exists {
		return fmt.Errorf("%w: install id %d already registered", ErrInvalidEntry, md.ID)
	}
	m.records[md.ID] = &record{entry: entry, system: md}
	if md.AppUUID != uuid.Nil {
		m.byUUID[entry.UUID] = md.ID
	}
	for _, role := range app.Roles {
		m.roles[role] = md.ID
	}
	m.updateGauge()
	return nil
}

// Save adds or replaces a flash install. An entry without an id gets the
// next free positive id, or keeps the id already bound to its UUID.
func (m *Manager) Save(ctx context.Context, entry types.InstallEntry) (types.InstallEntry, error) {
	u, err := uuid.Parse(entry.UUID)
	if err != nil || entry.Name == "" {
		return types.InstallEntry{}, fmt.Errorf("%w: uuid and name are required", ErrInvalidEntry)
	}
	if entry.ID.IsSystem() {
		return types.InstallEntry{}, fmt.Errorf("%w: flash installs need a positive id", ErrInvalidEntry)
	}

	entry.UUID = u.String()
	entry.Storage = types.StorageFlash
	if entry.SDK == types.SDKUnknown {
		entry.SDK = types.ParseSDKGeneration(entry.SDKName)
	}
	entry.SDKName = entry.SDK.String()
	if entry.Visibility == "" {
		entry.Visibility = types.VisibilityShown
	}

	m.mu.Lock()
	if entry.ID == types.InstallIDInvalid {
		if id, ok := m.byUUID[entry.UUID]; ok {
			entry.ID = id
		} else {
			entry.ID = m.nextID
		}
	}
	if rec, ok := m.records[entry.ID]; ok {
		if rec.system != nil {
			m.mu.Unlock()
			return types.InstallEntry{}, fmt.Errorf("%w: install id %d is a system app", ErrInvalidEntry, entry.ID)
		}
		if rec.entry.UUID != entry.UUID {
			delete(m.byUUID, rec.entry.UUID)
		}
		entry.PrioritizedAt = rec.entry.PrioritizedAt
		rec.entry = entry
	} else {
		m.records[entry.ID] = &record{entry: entry}
	}
	m.byUUID[entry.UUID] = entry.ID
	if entry.ID >= m.nextID {
		m.nextID = entry.ID + 1
	}
	m.updateGauge()
	m.mu.Unlock()

	if err := m.persist(entry); err != nil {
		return entry, err
	}

	m.logger.Info("install saved",
		zap.Int32("install_id", int32(entry.ID)),
		zap.String("name", entry.Name),
		zap.Stringer("sdk", entry.SDK),
		zap.Bool("watchface", entry.Watchface),
	)
	return entry, nil
}

// Get returns a copy of an install entry
func (m *Manager) Get(id types.InstallID) (types.InstallEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return types.InstallEntry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec.entry, nil
}

// Exists reports whether id is registered
func (m *Manager) Exists(id types.InstallID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// LookupUUID resolves an app UUID to its install id
func (m *Manager) LookupUUID(u string) (types.InstallID, error) {
	parsed, err := uuid.Parse(u)
	if err != nil {
		return types.InstallIDInvalid, fmt.Errorf("%w: %s", ErrNotFound, u)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUUID[parsed.String()]
	if !ok {
		return types.InstallIDInvalid, fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	return id, nil
}

// Metadata acquires process metadata for id. Flash metadata holds a
// reference until its Release is called.
func (m *Manager) Metadata(id types.InstallID) (process.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if rec.system != nil {
		return rec.system, nil
	}

	rec.refs++
	flash := process.NewFlashMetadata(rec.entry, func() { m.release(id) })
	if rec.entry.SDK == types.SDKRocky {
		return &process.RockyMetadata{FlashMetadata: flash}, nil
	}
	return flash, nil
}

// Refs returns the number of outstanding metadata references for id
func (m *Manager) Refs(id types.InstallID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[id]; ok {
		return rec.refs
	}
	return 0
}

func (m *Manager) release(id types.InstallID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.refs == 0 {
		m.logger.Warn("metadata released without a reference", zap.Int32("install_id", int32(id)))
		return
	}
	rec.refs--
}

// Delete removes a flash install. Installs whose metadata is held by a
// running process cannot be removed.
func (m *Manager) Delete(ctx context.Context, id types.InstallID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	case rec.system != nil:
		m.mu.Unlock()
		return fmt.Errorf("%w: system apps cannot be removed", ErrInvalidEntry)
	case rec.refs > 0:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s has %d references", ErrInUse, rec.entry.Name, rec.refs)
	}
	delete(m.records, id)
	delete(m.byUUID, rec.entry.UUID)
	m.updateGauge()
	m.mu.Unlock()

	if m.storageDir != "" {
		if err := os.Remove(m.manifestPath(rec.entry.UUID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete manifest: %w", err)
		}
	}
	return nil
}

// Prioritize marks id as recently communicated with; List puts it first
func (m *Manager) Prioritize(id types.InstallID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	rec.entry.PrioritizedAt = m.clock.Now()
	return nil
}

// ListFilter narrows List results
type ListFilter struct {
	Watchfaces    *bool
	Workers       *bool
	IncludeHidden bool
}

// List returns installs ordered by most recent prioritization, then record
// order, then install id.
func (m *Manager) List(filter ListFilter) []types.InstallEntry {
	m.mu.RLock()
	entries := make([]types.InstallEntry, 0, len(m.records))
	for _, rec := range m.records {
		e := rec.entry
		if filter.Watchfaces != nil && e.Watchface != *filter.Watchfaces {
			continue
		}
		if filter.Workers != nil && e.Worker != *filter.Workers {
			continue
		}
		if !filter.IncludeHidden && e.Visibility == types.VisibilityHidden {
			continue
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.PrioritizedAt.Equal(b.PrioritizedAt) {
			return a.PrioritizedAt.After(b.PrioritizedAt)
		}
		if a.RecordOrder != b.RecordOrder {
			return a.RecordOrder < b.RecordOrder
		}
		return a.ID < b.ID
	})
	return entries
}

// Role returns the install id registered for role
func (m *Manager) Role(role Role) types.InstallID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[role]
}

// IsWatchface reports whether id is a registered watchface
func (m *Manager) IsWatchface(id types.InstallID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return ok && rec.entry.Watchface
}

// DefaultWatchface returns the user's chosen watchface, or the built-in one
// when no valid choice is stored.
func (m *Manager) DefaultWatchface() types.InstallID {
	builtin := m.Role(RoleBuiltinWatchface)
	if m.prefs == nil {
		return builtin
	}

	chosen := m.prefs.DefaultWatchface()
	if chosen == "" {
		return builtin
	}
	id, err := m.LookupUUID(chosen)
	if err != nil || !m.IsWatchface(id) {
		m.logger.Warn("stored default watchface is not installed", zap.String("uuid", chosen))
		return builtin
	}
	return id
}

// SetDefaultWatchface stores id as the default watchface
func (m *Manager) SetDefaultWatchface(id types.InstallID) error {
	entry, err := m.Get(id)
	if err != nil {
		return err
	}
	if !entry.Watchface {
		return fmt.Errorf("%w: %s is not a watchface", ErrInvalidEntry, entry.Name)
	}
	if m.prefs == nil {
		return errors.New("no preference store configured")
	}
	return m.prefs.SetDefaultWatchface(entry.UUID)
}

// Stats summarizes the registry
type Stats struct {
	Total      int `json:"total"`
	System     int `json:"system"`
	Flash      int `json:"flash"`
	Watchfaces int `json:"watchfaces"`
	Workers    int `json:"workers"`
	InUse      int `json:"in_use"`
}

// Stats returns registry statistics
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, rec := range m.records {
		s.Total++
		if rec.system != nil {
			s.System++
		} else {
			s.Flash++
		}
		if rec.entry.Watchface {
			s.Watchfaces++
		}
		if rec.entry.Worker {
			s.Workers++
		}
		if rec.refs > 0 {
			s.InUse++
		}
	}
	return s
}

func (m *Manager) persist(entry types.InstallEntry) error {
	if m.storageDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.storageDir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := yaml.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(m.manifestPath(entry.UUID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (m *Manager) manifestPath(u string) string {
	return paths.Manifest(m.storageDir, u)
}

// updateGauge must be called with mu held
func (m *Manager) updateGauge() {
	if m.metrics != nil {
		m.metrics.SetRegistryApps(len(m.records))
	}
}
