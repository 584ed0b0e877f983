package memory

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// StackAlign is the alignment of every carved segment size
const StackAlign = 8

// ErrBadLayout is returned for layouts that cannot be carved
var ErrBadLayout = errors.New("invalid memory layout")

// Layout is the RAM budget for one SDK generation
type Layout struct {
	TotalRAM         uintptr
	StackSize        uintptr
	StaticSize       uintptr
	HeapCompensation uintptr
}

// layoutFile is the on-disk form of a Layout
type layoutFile struct {
	TotalRAM         uint32 `yaml:"total_ram"`
	StackSize        uint32 `yaml:"stack_size"`
	StaticSize       uint32 `yaml:"static_size"`
	HeapCompensation uint32 `yaml:"heap_compensation"`
}

// Validate checks that the layout leaves room for a program after the guard
func (l Layout) Validate(guard uintptr) error {
	for name, v := range map[string]uintptr{
		"total_ram":         l.TotalRAM,
		"stack_size":        l.StackSize,
		"static_size":       l.StaticSize,
		"heap_compensation": l.HeapCompensation,
	} {
		if v%StackAlign != 0 {
			return fmt.Errorf("%w: %s=%d not %d-byte aligned", ErrBadLayout, name, v, StackAlign)
		}
	}
	if l.StackSize == 0 {
		return fmt.Errorf("%w: stack_size must be positive", ErrBadLayout)
	}
	if guard+l.StackSize+l.StaticSize+l.HeapCompensation >= l.TotalRAM {
		return fmt.Errorf("%w: guard+stack+static+compensation exceed total_ram %d", ErrBadLayout, l.TotalRAM)
	}
	return nil
}

// Layouts maps SDK generations to their budgets
type Layouts map[types.SDKGeneration]Layout

// For returns the layout of gen
func (ls Layouts) For(gen types.SDKGeneration) (Layout, bool) {
	l, ok := ls[gen]
	return l, ok
}

// MaxTotal returns the largest budget, which sizes the app arena
func (ls Layouts) MaxTotal() uintptr {
	var m uintptr
	for _, l := range ls {
		m = max(m, l.TotalRAM)
	}
	return m
}

// DefaultAppLayouts returns the firmware's app budgets. Rocky apps carry a
// script engine: they get a larger stack and a static data region at the top
// of program memory, and their reported heap shrinks by a fixed amount.
func DefaultAppLayouts() Layouts {
	return Layouts{
		types.SDKLegacy2: {
			TotalRAM:  24 * 1024,
			StackSize: 2 * 1024,
		},
		types.SDK3: {
			TotalRAM:  64 * 1024,
			StackSize: 2 * 1024,
		},
		types.SDKRocky: {
			TotalRAM:         64 * 1024,
			StackSize:        8 * 1024,
			StaticSize:       12 * 1024,
			HeapCompensation: 2 * 1024,
		},
	}
}

// DefaultWorkerLayout is the single budget for background workers
func DefaultWorkerLayout() Layout {
	return Layout{
		TotalRAM:  10 * 1024,
		StackSize: 1536,
	}
}

// LoadLayouts reads a YAML file keyed by SDK name and overlays it on base
//
//	sdk3:
//	  total_ram: 65536
//	  stack_size: 2048
func LoadLayouts(path string, base Layouts) (Layouts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}

	var raw map[string]layoutFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse layout file %s: %w", path, err)
	}

	out := make(Layouts, len(base)+len(raw))
	for gen, l := range base {
		out[gen] = l
	}
	for name, l := range raw {
		gen := types.ParseSDKGeneration(name)
		if gen == types.SDKUnknown {
			return nil, fmt.Errorf("%w: unknown sdk %q in %s", ErrBadLayout, name, path)
		}
		out[gen] = Layout{
			TotalRAM:         uintptr(l.TotalRAM),
			StackSize:        uintptr(l.StackSize),
			StaticSize:       uintptr(l.StaticSize),
			HeapCompensation: uintptr(l.HeapCompensation),
		}
	}
	return out, nil
}
