package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroSize is returned when a split would produce an empty child
	ErrZeroSize = errors.New("segment split size must be positive")
	// ErrChildTooLarge is returned when the requested child exceeds the parent
	ErrChildTooLarge = errors.New("requested child larger than parent segment")
)

// Segment is a contiguous address range [Start, End)
type Segment struct {
	Start uintptr
	End   uintptr
}

// Len returns the number of bytes in the segment
func (s Segment) Len() uintptr {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// IsEmpty reports whether the segment holds no bytes
func (s Segment) IsEmpty() bool { return s.Len() == 0 }

// Contains reports whether addr falls inside the segment
func (s Segment) Contains(addr uintptr) bool {
	return addr >= s.Start && addr < s.End
}

// Covers reports whether o lies entirely within s
func (s Segment) Covers(o Segment) bool {
	return o.Start >= s.Start && o.End <= s.End
}

// Overlaps reports whether the two segments share any byte
func (s Segment) Overlaps(o Segment) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return false
	}
	return s.Start < o.End && o.Start < s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("[%#x, %#x)", s.Start, s.End)
}

// SplitFromStart removes size bytes from the low end of s and returns them.
// On error s is left unchanged.
func (s *Segment) SplitFromStart(size uintptr) (Segment, error) {
	if err := s.checkSplit(size); err != nil {
		return Segment{}, err
	}
	child := Segment{Start: s.Start, End: s.Start + size}
	s.Start = child.End
	return child, nil
}

// SplitFromEnd removes size bytes from the high end of s and returns them.
// On error s is left unchanged.
func (s *Segment) SplitFromEnd(size uintptr) (Segment, error) {
	if err := s.checkSplit(size); err != nil {
		return Segment{}, err
	}
	child := Segment{Start: s.End - size, End: s.End}
	s.End = child.Start
	return child, nil
}

func (s *Segment) checkSplit(size uintptr) error {
	if size == 0 {
		return ErrZeroSize
	}
	if size > s.Len() {
		return fmt.Errorf("%w: want %d, have %d", ErrChildTooLarge, size, s.Len())
	}
	return nil
}

// AlignUp rounds n up to a multiple of align (a power of two)
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
