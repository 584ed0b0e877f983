package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTooLargeLeavesParentUnchanged(t *testing.T) {
	parent := Segment{Start: 0, End: 1000}

	_, err := parent.SplitFromStart(1200)
	require.ErrorIs(t, err, ErrChildTooLarge)
	assert.Equal(t, Segment{Start: 0, End: 1000}, parent)

	_, err = parent.SplitFromEnd(1200)
	require.ErrorIs(t, err, ErrChildTooLarge)
	assert.Equal(t, Segment{Start: 0, End: 1000}, parent)
}

func TestSplitZeroSize(t *testing.T) {
	parent := Segment{Start: 0, End: 64}

	_, err := parent.SplitFromStart(0)
	assert.ErrorIs(t, err, ErrZeroSize)
	assert.Equal(t, uintptr(64), parent.Len())
}

func TestSplitBothEnds(t *testing.T) {
	parent := Segment{Start: 0x1000, End: 0x2000}

	low, err := parent.SplitFromStart(0x100)
	require.NoError(t, err)
	high, err := parent.SplitFromEnd(0x200)
	require.NoError(t, err)

	assert.Equal(t, Segment{Start: 0x1000, End: 0x1100}, low)
	assert.Equal(t, Segment{Start: 0x1E00, End: 0x2000}, high)
	assert.Equal(t, Segment{Start: 0x1100, End: 0x1E00}, parent)
}

func TestSplitWholeParent(t *testing.T) {
	parent := Segment{Start: 10, End: 20}

	child, err := parent.SplitFromEnd(10)
	require.NoError(t, err)
	assert.Equal(t, Segment{Start: 10, End: 20}, child)
	assert.True(t, parent.IsEmpty())
}

func TestSplitSequencesNeverOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		size := uintptr(rng.Intn(4096) + 1)
		original := Segment{Start: 0x20000000, End: 0x20000000 + size}
		parent := original

		var children []Segment
		for i := 0; i < 20; i++ {
			req := uintptr(rng.Intn(int(size)/4 + 2))
			var (
				child Segment
				err   error
			)
			if rng.Intn(2) == 0 {
				child, err = parent.SplitFromStart(req)
			} else {
				child, err = parent.SplitFromEnd(req)
			}
			if err != nil {
				continue
			}
			children = append(children, child)
		}

		var total uintptr
		for i, c := range children {
			assert.True(t, original.Covers(c))
			assert.False(t, c.Overlaps(parent), "child %s overlaps remaining parent %s", c, parent)
			for _, other := range children[i+1:] {
				assert.False(t, c.Overlaps(other), "children %s and %s overlap", c, other)
			}
			total += c.Len()
		}
		assert.Equal(t, original.Len(), total+parent.Len())
	}
}

func TestSegmentContains(t *testing.T) {
	s := Segment{Start: 100, End: 200}

	assert.True(t, s.Contains(100))
	assert.True(t, s.Contains(199))
	assert.False(t, s.Contains(200))
	assert.False(t, s.Contains(99))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uintptr(0), AlignUp(0, 8))
	assert.Equal(t, uintptr(8), AlignUp(1, 8))
	assert.Equal(t, uintptr(8), AlignUp(8, 8))
	assert.Equal(t, uintptr(16), AlignUp(9, 8))
}
