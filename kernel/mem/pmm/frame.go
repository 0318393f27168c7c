// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"continuum/kernel/mem"
)

// Frame describes a physical memory page index within the simulated RAM
// arena (see mem.RAMBase/mem.RAMSize).
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the simulated physical memory address pointed to by this
// Frame, i.e. an offset into the arena returned by mem.RAMBase().
func (f Frame) Address() uintptr {
	return mem.RAMBase() + uintptr(f<<mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given simulated
// physical address. Addresses are rounded down to the containing frame.
func FrameFromAddress(physAddr uintptr) Frame {
	base := mem.RAMBase()
	if physAddr < base {
		return InvalidFrame
	}
	return Frame((physAddr - base) >> mem.PageShift)
}

// PageOrder returns the page order of this frame. The page order is encoded in the
// 8 MSB of the frame number.
func (f Frame) PageOrder() mem.PageOrder {
	return mem.PageOrder((f >> 56) & 0xFF)
}

// Size returns the size of this frame.
func (f Frame) Size() mem.Size {
	return mem.PageSize << ((f >> 56) & 0xFF)
}
