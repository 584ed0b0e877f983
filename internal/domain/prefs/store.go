package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Values is the persisted preference set
type Values struct {
	DefaultWatchface string          `toml:"default_watchface" json:"default_watchface"`
	LastCodeBank     types.InstallID `toml:"last_code_bank" json:"last_code_bank"`
	PanicCode        uint32          `toml:"panic_code" json:"panic_code"`
}

// Store is a TOML-backed preference file. Every setter writes the file
// through a temp file and rename. A Store with no path keeps values in
// memory only.
type Store struct {
	mu     sync.RWMutex
	path   string
	values Values
	logger *zap.Logger
}

// Open loads the store at path. A missing file yields empty preferences.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no preference file, starting empty", zap.String("path", path))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	if err := toml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse preferences %s: %w", path, err)
	}
	return s, nil
}

// NewMemory creates a store that is never written to disk
func NewMemory() *Store {
	return &Store{logger: zap.NewNop()}
}

// Values returns a copy of all preferences
func (s *Store) Values() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// DefaultWatchface returns the UUID of the chosen watchface, or ""
func (s *Store) DefaultWatchface() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.DefaultWatchface
}

// SetDefaultWatchface stores the chosen watchface UUID
func (s *Store) SetDefaultWatchface(uuid string) error {
	return s.update(func(v *Values) { v.DefaultWatchface = uuid })
}

// LastCodeBank returns the install id of the last started app
func (s *Store) LastCodeBank() types.InstallID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.LastCodeBank
}

// SetLastCodeBank records which install was last started, so a reboot after
// a crash can tell what was running.
func (s *Store) SetLastCodeBank(id types.InstallID) error {
	return s.update(func(v *Values) { v.LastCodeBank = id })
}

// PanicCode returns the stored panic code; zero means none
func (s *Store) PanicCode() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.PanicCode
}

// SetPanicCode stores a panic code for the next system start
func (s *Store) SetPanicCode(code uint32) error {
	return s.update(func(v *Values) { v.PanicCode = code })
}

// ClearPanicCode drops the stored panic code
func (s *Store) ClearPanicCode() error {
	return s.SetPanicCode(0)
}

func (s *Store) update(mutate func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.values
	mutate(&next)
	if next == s.values {
		return nil
	}
	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// write must be called with mu held
func (s *Store) write(v Values) error {
	if s.path == "" {
		return nil
	}

	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create preference directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace preferences: %w", err)
	}
	s.logger.Debug("preferences saved", zap.String("path", s.path))
	return nil
}
