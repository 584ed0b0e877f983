package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

const testBase = 0x20000000

func TestCarveStackEndsAtRegionTop(t *testing.T) {
	for gen, layout := range DefaultAppLayouts() {
		t.Run(gen.String(), func(t *testing.T) {
			arena := NewArena("app", testBase, DefaultAppLayouts().MaxTotal())
			region, err := arena.Region(layout.TotalRAM)
			require.NoError(t, err)

			c, err := Carve(arena, region, layout, 32)
			require.NoError(t, err)

			assert.Equal(t, region.End, c.Stack.End)
			assert.Equal(t, layout.StackSize, c.Stack.Len())
			assert.Equal(t, region.Start, c.Guard.Start)
			assert.Equal(t, c.Guard.End, c.Program.Start)

			if layout.StaticSize > 0 {
				assert.Equal(t, c.Program.End, c.Static.Start)
				assert.Equal(t, c.Static.End, c.Stack.Start)
			} else {
				assert.True(t, c.Static.IsEmpty())
				assert.Equal(t, c.Program.End, c.Stack.Start)
			}

			sum := c.Guard.Len() + c.Program.Len() + c.Static.Len() + c.Stack.Len()
			assert.Equal(t, region.Len(), sum)
		})
	}
}

func TestCarveZeroesAllButGuard(t *testing.T) {
	layout := DefaultAppLayouts()[types.SDK3]
	arena := NewArena("app", testBase, layout.TotalRAM)
	region, err := arena.Region(layout.TotalRAM)
	require.NoError(t, err)

	arena.Fill(region, 0x55)

	c, err := Carve(arena, region, layout, 32)
	require.NoError(t, err)

	assert.True(t, arena.GuardIntact(c.Guard))
	assert.True(t, arena.IsZero(c.Program))
	assert.True(t, arena.IsZero(c.Stack))
}

func TestCarvePreservesGuardPattern(t *testing.T) {
	layout := DefaultAppLayouts()[types.SDK3]
	arena := NewArena("app", testBase, layout.TotalRAM)
	region, _ := arena.Region(layout.TotalRAM)

	c, err := Carve(arena, region, layout, 32)
	require.NoError(t, err)

	// Simulate an overflow scribbling the guard, then detect it.
	arena.Bytes(c.Guard)[3] = 0
	assert.False(t, arena.GuardIntact(c.Guard))
}

func TestCarveRejectsWrongRegionSize(t *testing.T) {
	layout := DefaultAppLayouts()[types.SDK3]
	arena := NewArena("app", testBase, layout.TotalRAM)
	region, _ := arena.Region(layout.TotalRAM / 2)

	_, err := Carve(arena, region, layout, 32)
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestLayoutValidate(t *testing.T) {
	assert.NoError(t, DefaultWorkerLayout().Validate(32))

	tooBig := Layout{TotalRAM: 1024, StackSize: 1024}
	assert.ErrorIs(t, tooBig.Validate(0), ErrBadLayout)

	unaligned := Layout{TotalRAM: 1024, StackSize: 100}
	assert.ErrorIs(t, unaligned.Validate(0), ErrBadLayout)
}

func TestHeapSegmentAppliesCompensation(t *testing.T) {
	program := Segment{Start: 0, End: 4096}

	heap, err := HeapSegment(program, 1001, 512)
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 1008, End: 3584}, heap)

	_, err = HeapSegment(program, 5000, 0)
	assert.ErrorIs(t, err, ErrChildTooLarge)
}

func TestLoadLayouts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sdk3:\n  total_ram: 32768\n  stack_size: 4096\n"), 0o644))

	layouts, err := LoadLayouts(path, DefaultAppLayouts())
	require.NoError(t, err)

	l, ok := layouts.For(types.SDK3)
	require.True(t, ok)
	assert.Equal(t, uintptr(32768), l.TotalRAM)
	assert.Equal(t, uintptr(4096), l.StackSize)

	// untouched generations survive the overlay
	_, ok = layouts.For(types.SDKRocky)
	assert.True(t, ok)
}

func TestLoadLayoutsUnknownSDK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sdk9:\n  total_ram: 1024\n"), 0o644))

	_, err := LoadLayouts(path, DefaultAppLayouts())
	assert.ErrorIs(t, err, ErrBadLayout)
}
