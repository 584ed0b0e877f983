package memory

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOutOfMemory is returned when no free block is large enough
	ErrOutOfMemory = errors.New("heap exhausted")
	// ErrBadFree is returned when freeing an address that was not allocated
	ErrBadFree = errors.New("free of unallocated address")
)

// HeapOptions configures a process heap
type HeapOptions struct {
	// Fuzz overwrites blocks with FuzzPattern on alloc and free
	Fuzz bool
}

// HeapStats is logged when a process is torn down
type HeapStats struct {
	Capacity  uintptr
	Used      uintptr
	HighWater uintptr
	Allocs    uint64
	Frees     uint64
}

type span struct {
	start uintptr
	size  uintptr
}

// Heap is a first-fit allocator over one segment. It belongs to a single
// task and is never locked: every call names its caller and any other
// caller is a bug.
type Heap struct {
	arena *Arena
	seg   Segment
	owner uint32
	opts  HeapOptions

	free  []span // sorted by start, coalesced
	inUse map[uintptr]uintptr
	stats HeapStats
}

// NewHeap binds a heap to seg for task owner
func NewHeap(a *Arena, seg Segment, owner uint32, opts HeapOptions) *Heap {
	h := &Heap{
		arena: a,
		seg:   seg,
		owner: owner,
		opts:  opts,
		inUse: make(map[uintptr]uintptr),
	}
	if !seg.IsEmpty() {
		h.free = []span{{start: seg.Start, size: seg.Len()}}
	}
	h.stats.Capacity = seg.Len()
	return h
}

// Segment returns the heap's address range
func (h *Heap) Segment() Segment { return h.seg }

// Owner returns the owning task id
func (h *Heap) Owner() uint32 { return h.owner }

// Fuzzing reports whether memory fuzzing is enabled
func (h *Heap) Fuzzing() bool { return h.opts.Fuzz }

func (h *Heap) assertOwner(caller uint32) {
	if caller != h.owner {
		panic(fmt.Sprintf("memory: heap owned by task %d accessed from task %d", h.owner, caller))
	}
}

// Alloc reserves size bytes and returns the block address
func (h *Heap) Alloc(caller uint32, size uintptr) (uintptr, error) {
	h.assertOwner(caller)
	if size == 0 {
		return 0, ErrZeroSize
	}
	// Bound the request before aligning so a huge size cannot wrap to zero
	if size > h.stats.Capacity-h.stats.Used {
		return 0, fmt.Errorf("%w: want %d, used %d of %d", ErrOutOfMemory, size, h.stats.Used, h.stats.Capacity)
	}
	size = AlignUp(size, StackAlign)

	for i, s := range h.free {
		if s.size < size {
			continue
		}
		addr := s.start
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{start: s.start + size, size: s.size - size}
		}
		h.inUse[addr] = size

		block := Segment{Start: addr, End: addr + size}
		if h.opts.Fuzz {
			h.arena.Fill(block, FuzzPattern)
		} else {
			h.arena.Zero(block)
		}

		h.stats.Used += size
		h.stats.Allocs++
		h.stats.HighWater = max(h.stats.HighWater, h.stats.Used)
		return addr, nil
	}
	return 0, fmt.Errorf("%w: want %d, used %d of %d", ErrOutOfMemory, size, h.stats.Used, h.stats.Capacity)
}

// Free returns a block to the heap
func (h *Heap) Free(caller uint32, addr uintptr) error {
	h.assertOwner(caller)
	size, ok := h.inUse[addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrBadFree, addr)
	}
	delete(h.inUse, addr)

	if h.opts.Fuzz {
		h.arena.Fill(Segment{Start: addr, End: addr + size}, FuzzPattern)
	}

	h.free = append(h.free, span{start: addr, size: size})
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].start < h.free[j].start })
	merged := h.free[:1]
	for _, s := range h.free[1:] {
		last := &merged[len(merged)-1]
		if last.start+last.size == s.start {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	h.free = merged

	h.stats.Used -= size
	h.stats.Frees++
	return nil
}

// Stats returns a copy of the heap counters. It may be read by kernel main
// once the owning task is gone.
func (h *Heap) Stats() HeapStats {
	return h.stats
}
