package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// EntryTable maps entry symbols named in flash manifests to Go mains. A flash
// binary is copied into process memory as its image; its code runs through
// the symbol it names.
type EntryTable struct {
	mu      sync.RWMutex
	entries map[string]process.EntryFunc
}

// NewEntryTable creates an empty table
func NewEntryTable() *EntryTable {
	return &EntryTable{entries: make(map[string]process.EntryFunc)}
}

// Register binds symbol to fn, replacing any previous binding
func (t *EntryTable) Register(symbol string, fn process.EntryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[symbol] = fn
}

// Lookup resolves symbol
func (t *EntryTable) Lookup(symbol string) (process.EntryFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.entries[symbol]
	return fn, ok
}

// Loader places system, flash and rocky processes into their program segment
type Loader struct {
	entries    *EntryTable
	appLayouts memory.Layouts
	logger     *zap.Logger
}

// New creates a loader. appLayouts lists the SDK generations this firmware
// can run.
func New(entries *EntryTable, appLayouts memory.Layouts, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{entries: entries, appLayouts: appLayouts, logger: logger}
}

// Load implements process.Loader
func (l *Loader) Load(ctx context.Context, md process.Metadata, kind types.ProcessKind, arena *memory.Arena, dest memory.Segment) (process.LoadResult, error) {
	if md.Kind() != kind {
		return process.LoadResult{}, fmt.Errorf("%w: %s is a %s, not a %s", process.ErrBadCodeBank, md.Name(), md.Kind(), kind)
	}

	switch m := md.(type) {
	case *process.SystemMetadata:
		return l.loadSystem(m, dest)
	case *process.RockyMetadata:
		return l.loadRocky(m, arena, dest)
	case *process.FlashMetadata:
		return l.loadFlash(m, arena, dest)
	default:
		return process.LoadResult{}, fmt.Errorf("%w: unsupported metadata variant %s", process.ErrBadCodeBank, md.Variant())
	}
}

func (l *Loader) loadSystem(m *process.SystemMetadata, dest memory.Segment) (process.LoadResult, error) {
	if m.Main == nil {
		return process.LoadResult{}, fmt.Errorf("%w: system app %s has no entry", process.ErrBadCodeBank, m.AppName)
	}
	if m.CodeSize > dest.Len() {
		return process.LoadResult{}, fmt.Errorf("%w: %s needs %d bytes, segment has %d", process.ErrInsufficientRAM, m.AppName, m.CodeSize, dest.Len())
	}
	return process.LoadResult{Entry: m.Main, ImageSize: m.CodeSize}, nil
}

func (l *Loader) loadFlash(m *process.FlashMetadata, arena *memory.Arena, dest memory.Segment) (process.LoadResult, error) {
	if err := l.checkSDK(m); err != nil {
		return process.LoadResult{}, err
	}

	image, err := readBinary(m.Entry.Binary)
	if err != nil {
		return process.LoadResult{}, err
	}
	size := uintptr(len(image)) + uintptr(m.Entry.BSSSize)
	if size > dest.Len() {
		return process.LoadResult{}, fmt.Errorf("%w: %s image+bss is %d bytes, segment has %d", process.ErrInsufficientRAM, m.Entry.Name, size, dest.Len())
	}

	entry, ok := l.entries.Lookup(m.Entry.Entry)
	if !ok {
		return process.LoadResult{}, fmt.Errorf("%w: %s entry %q not found", process.ErrBadCodeBank, m.Entry.Name, m.Entry.Entry)
	}

	// BSS follows the image and is already zero from carving.
	if err := arena.Copy(dest, image); err != nil {
		return process.LoadResult{}, fmt.Errorf("%w: %v", process.ErrInsufficientRAM, err)
	}

	l.logger.Debug("flash image loaded",
		zap.String("name", m.Entry.Name),
		zap.Int("image_bytes", len(image)),
		zap.Uint32("bss_bytes", m.Entry.BSSSize),
	)
	return process.LoadResult{Entry: entry, ImageSize: size}, nil
}

func (l *Loader) loadRocky(m *process.RockyMetadata, arena *memory.Arena, dest memory.Segment) (process.LoadResult, error) {
	if err := l.checkSDK(m); err != nil {
		return process.LoadResult{}, err
	}

	source, err := readBinary(m.Entry.Binary)
	if err != nil {
		return process.LoadResult{}, err
	}
	if uintptr(len(source)) > dest.Len() {
		return process.LoadResult{}, fmt.Errorf("%w: %s script is %d bytes, segment has %d", process.ErrInsufficientRAM, m.Entry.Name, len(source), dest.Len())
	}

	program, err := CompileScript(m.Entry.Name, string(source))
	if err != nil {
		return process.LoadResult{}, fmt.Errorf("%w: %v", process.ErrBadCodeBank, err)
	}
	if err := arena.Copy(dest, source); err != nil {
		return process.LoadResult{}, fmt.Errorf("%w: %v", process.ErrInsufficientRAM, err)
	}

	return process.LoadResult{Entry: RockyEntry(program), ImageSize: uintptr(len(source))}, nil
}

func (l *Loader) checkSDK(md process.Metadata) error {
	if md.Kind() == types.KindWorker {
		return nil
	}
	if _, ok := l.appLayouts.For(md.SDK()); !ok {
		return fmt.Errorf("%w: %s built for %s", process.ErrIncompatibleSDK, md.Name(), md.SDK())
	}
	return nil
}

func readBinary(path string) ([]byte, error) {
	if path == "" {
		return nil, process.ErrMissingBinary
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", process.ErrMissingBinary, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", process.ErrBadCodeBank, path, err)
	}
	return data, nil
}
