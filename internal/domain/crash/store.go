package crash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

const reportExt = ".json.zst"

// Cause describes how a process died
type Cause string

const (
	CauseCrashed      Cause = "crashed"
	CauseUnresponsive Cause = "unresponsive"
)

// Report is one abnormal process termination
type Report struct {
	ID          id.CrashID        `json:"id"`
	Kind        types.ProcessKind `json:"kind"`
	InstallID   types.InstallID   `json:"install_id"`
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Watchface   bool              `json:"watchface"`
	Cause       Cause             `json:"cause"`
	LaunchID    string            `json:"launch_id"`
	LoadedStart uint64            `json:"loaded_start"`
	LoadedEnd   uint64            `json:"loaded_end"`
	Uptime      time.Duration     `json:"uptime"`
	DialogShown bool              `json:"dialog_shown"`
	Time        time.Time         `json:"time"`
}

// Store keeps recent crash reports in memory and, when a directory is set,
// as zstd-compressed JSON files. Only the newest max reports are kept.
type Store struct {
	mu      sync.RWMutex
	reports []Report
	max     int
	dir     string
	logger  *zap.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a store. An empty dir keeps reports in memory only.
func NewStore(dir string, max int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if max <= 0 {
		max = 32
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{max: max, dir: dir, logger: logger, enc: enc, dec: dec}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create crash directory: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record stores r, assigning an id and time if missing
func (s *Store) Record(r Report) (Report, error) {
	if r.ID == "" {
		r.ID = id.NewCrashID()
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	s.mu.Lock()
	s.reports = append(s.reports, r)
	var dropped []Report
	if over := len(s.reports) - s.max; over > 0 {
		dropped = append(dropped, s.reports[:over]...)
		s.reports = append([]Report(nil), s.reports[over:]...)
	}
	s.mu.Unlock()

	s.logger.Warn("crash recorded",
		zap.String("crash_id", r.ID.String()),
		zap.Stringer("kind", r.Kind),
		zap.Int32("install_id", int32(r.InstallID)),
		zap.String("name", r.Name),
		zap.String("cause", string(r.Cause)),
		zap.Bool("dialog", r.DialogShown),
	)

	if s.dir == "" {
		return r, nil
	}
	for _, old := range dropped {
		if err := os.Remove(s.path(old.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove old crash report", zap.String("crash_id", old.ID.String()), zap.Error(err))
		}
	}
	return r, s.write(r)
}

// Recent returns up to n reports, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.reports) {
		n = len(s.reports)
	}
	out := make([]Report, 0, n)
	for i := len(s.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.reports[i])
	}
	return out
}

// Get returns a report by id
func (s *Store) Get(crashID id.CrashID) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reports {
		if r.ID == crashID {
			return r, true
		}
	}
	return Report{}, false
}

// Close releases the codec resources
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

func (s *Store) write(r Report) error {
	data, err := sonic.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal crash report: %w", err)
	}
	compressed := s.enc.EncodeAll(data, nil)
	if err := os.WriteFile(s.path(r.ID), compressed, 0o644); err != nil {
		return fmt.Errorf("failed to write crash report: %w", err)
	}
	return nil
}

// load reads persisted reports. Crash ids are ULIDs, so name order is time
// order.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read crash directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), reportExt)
		if e.IsDir() || !ok {
			continue
		}
		if _, err := id.ParseCrashID(name); err != nil {
			s.logger.Warn("ignoring stray file in crash directory", zap.String("file", e.Name()))
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) > s.max {
		names = names[len(names)-s.max:]
	}

	for _, name := range names {
		compressed, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read crash report %s: %w", name, err)
		}
		data, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			s.logger.Warn("skipping corrupt crash report", zap.String("file", name), zap.Error(err))
			continue
		}
		var r Report
		if err := sonic.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping unreadable crash report", zap.String("file", name), zap.Error(err))
			continue
		}
		s.reports = append(s.reports, r)
	}

	s.logger.Info("crash reports loaded", zap.Int("count", len(s.reports)))
	return nil
}

func (s *Store) path(crashID id.CrashID) string {
	return filepath.Join(s.dir, crashID.String()+reportExt)
}
