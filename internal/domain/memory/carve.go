package memory

import "fmt"

// Carving is the result of laying a process out in its region:
//
//	low                                                   high
//	[guard][program: code+data+heap][static][stack]
//
// The stack always ends exactly at the top of the region.
type Carving struct {
	Region  Segment
	Guard   Segment
	Program Segment
	Static  Segment
	Stack   Segment
}

// Carve zeroes region (leaving the guard pattern in place) and splits it
// according to layout. region must lie in the arena and be layout.TotalRAM
// bytes long.
func Carve(a *Arena, region Segment, layout Layout, guardSize uintptr) (Carving, error) {
	if err := layout.Validate(guardSize); err != nil {
		return Carving{}, err
	}
	if region.Len() != layout.TotalRAM {
		return Carving{}, fmt.Errorf("%w: region %s is %d bytes, layout wants %d", ErrBadLayout, region, region.Len(), layout.TotalRAM)
	}

	c := Carving{Region: region}
	rest := region

	if guardSize > 0 {
		guard, err := rest.SplitFromStart(guardSize)
		if err != nil {
			return Carving{}, fmt.Errorf("guard: %w", err)
		}
		c.Guard = guard
	}

	// The carving must start from a zeroed parent; the guard keeps its pattern.
	a.Zero(rest)
	if !c.Guard.IsEmpty() && !a.GuardIntact(c.Guard) {
		a.FillGuard(c.Guard)
	}

	stack, err := rest.SplitFromEnd(layout.StackSize)
	if err != nil {
		return Carving{}, fmt.Errorf("stack: %w", err)
	}
	c.Stack = stack

	if layout.StaticSize > 0 {
		static, err := rest.SplitFromEnd(layout.StaticSize)
		if err != nil {
			return Carving{}, fmt.Errorf("static: %w", err)
		}
		c.Static = static
	}

	c.Program = rest
	return c, nil
}

// HeapSegment returns what is left of program after the loaded image, reduced
// by the layout's heap compensation.
func HeapSegment(program Segment, loadedSize uintptr, compensation uintptr) (Segment, error) {
	heap := program
	if loadedSize > 0 {
		if _, err := heap.SplitFromStart(AlignUp(loadedSize, StackAlign)); err != nil {
			return Segment{}, fmt.Errorf("image: %w", err)
		}
	}
	if compensation > 0 {
		if _, err := heap.SplitFromEnd(compensation); err != nil {
			return Segment{}, fmt.Errorf("heap compensation: %w", err)
		}
	}
	return heap, nil
}
