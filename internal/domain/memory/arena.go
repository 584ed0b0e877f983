package memory

import (
	"bytes"
	"fmt"
)

// GuardPattern fills stack guard regions so overflows can be detected
var GuardPattern = []byte{0xDE, 0xAD, 0xBE, 0xEF}

// FuzzPattern overwrites heap blocks of untrusted processes on alloc and free
const FuzzPattern byte = 0xBD

// Arena is a fixed RAM region at a known base address. Process segments are
// carved out of it and returned by re-zeroing, never freed individually.
type Arena struct {
	name string
	base uintptr
	mem  []byte
}

// NewArena allocates size bytes addressed from base
func NewArena(name string, base, size uintptr) *Arena {
	return &Arena{
		name: name,
		base: base,
		mem:  make([]byte, size),
	}
}

// Name returns the arena label
func (a *Arena) Name() string { return a.name }

// Segment returns the whole arena
func (a *Arena) Segment() Segment {
	return Segment{Start: a.base, End: a.base + uintptr(len(a.mem))}
}

// Region returns the lowest size bytes of the arena
func (a *Arena) Region(size uintptr) (Segment, error) {
	full := a.Segment()
	if size == 0 || size > full.Len() {
		return Segment{}, fmt.Errorf("%w: arena %s has %d bytes, want %d", ErrChildTooLarge, a.name, full.Len(), size)
	}
	return full.SplitFromStart(size)
}

// Bytes returns the backing slice for seg. seg must lie within the arena.
func (a *Arena) Bytes(seg Segment) []byte {
	if !a.Segment().Covers(seg) {
		panic(fmt.Sprintf("memory: segment %s outside arena %s %s", seg, a.name, a.Segment()))
	}
	lo := seg.Start - a.base
	return a.mem[lo : lo+seg.Len()]
}

// Zero clears seg
func (a *Arena) Zero(seg Segment) {
	clear(a.Bytes(seg))
}

// Fill sets every byte of seg to b
func (a *Arena) Fill(seg Segment, b byte) {
	buf := a.Bytes(seg)
	for i := range buf {
		buf[i] = b
	}
}

// IsZero reports whether seg contains only zero bytes
func (a *Arena) IsZero(seg Segment) bool {
	for _, b := range a.Bytes(seg) {
		if b != 0 {
			return false
		}
	}
	return true
}

// FillGuard writes the guard pattern across seg
func (a *Arena) FillGuard(seg Segment) {
	buf := a.Bytes(seg)
	for i := range buf {
		buf[i] = GuardPattern[i%len(GuardPattern)]
	}
}

// GuardIntact reports whether seg still holds the guard pattern
func (a *Arena) GuardIntact(seg Segment) bool {
	buf := a.Bytes(seg)
	for off := 0; off < len(buf); off += len(GuardPattern) {
		end := min(off+len(GuardPattern), len(buf))
		if !bytes.Equal(buf[off:end], GuardPattern[:end-off]) {
			return false
		}
	}
	return true
}

// Copy writes data at the start of seg
func (a *Arena) Copy(seg Segment, data []byte) error {
	if uintptr(len(data)) > seg.Len() {
		return fmt.Errorf("%w: image %d bytes, segment %d", ErrChildTooLarge, len(data), seg.Len())
	}
	copy(a.Bytes(seg), data)
	return nil
}
