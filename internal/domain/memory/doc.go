// Package memory carves process RAM into checked segments.
//
// An Arena is the fixed RAM region reserved for one process slot. Each launch
// takes a region of it sized by the process's SDK Layout, zeroes it, and
// splits it into guard, program, static and stack segments. Segments are
// never freed one by one: cleanup simply re-zeroes the region on the next
// launch.
//
// Invariants:
//   - Splits never overlap and never produce an empty child
//   - A failed split leaves the parent untouched
//   - The stack's high address equals the region's high address
//
// Example Usage:
//
//	arena := memory.NewArena("app", 0x20000000, layouts.MaxTotal())
//	region, _ := arena.Region(layout.TotalRAM)
//	carving, err := memory.Carve(arena, region, layout, 32)
package memory
