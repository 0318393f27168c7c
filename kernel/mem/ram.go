package mem

import "unsafe"

// ram is the simulated physical memory arena. Continuum is a hosted
// reinterpretation of a freestanding kernel core: instead
// of addressing real DRAM discovered from a bootloader memory map, the
// frame allocator, buddy allocator and virtual memory domains all carve up
// this byte arena. Frame and Page addresses are real uintptr values pointing
// into it, so Memset/Memcopy and the page-table-entry frame arithmetic work
// unmodified whether the backing store is physical DRAM or this arena.
var ram []byte

// ramBase caches the page-aligned arena address so RAMBase() remains O(1)
// and stable for the lifetime of the process (ram is never reallocated once
// sized).
var ramBase uintptr

// ramSize is the page-rounded size requested via InitRAM; it excludes the
// extra alignment page tacked onto the end of ram.
var ramSize Size

// DefaultRAMSize is the arena size used when no explicit size has been
// requested via InitRAM. It is large enough to exercise every buddy order up
// to mem.MaxOrder with room to spare for slab and page-table metadata.
const DefaultRAMSize = 64 * Mb

// InitRAM (re)allocates the simulated physical memory arena with the given
// size, rounded up to a whole number of pages. It must be called before any
// frame is addressed; callers typically call it once at kernel bring-up.
//
// Page table entries pack a frame's address into a fixed bit range (see
// kernel/mem/vmm's frameAddrMask), which requires every frame address -
// and therefore RAMBase() itself - to be page aligned. Go's allocator gives
// no such guarantee, so the arena is over-allocated by one extra page and
// ramBase is rounded up to the next page boundary within it.
func InitRAM(size Size) {
	pageCount := size.Pages()
	ram = make([]byte, uintptr(pageCount)*uintptr(PageSize)+uintptr(PageSize))

	rawBase := uintptr(unsafe.Pointer(&ram[0]))
	ramBase = (rawBase + uintptr(PageSize-1)) &^ uintptr(PageSize-1)
	ramSize = Size(pageCount) * PageSize
}

// RAMBase returns the address of the first byte of the simulated physical
// memory arena. Frame and Page addresses are always >= RAMBase() and <
// RAMBase()+RAMSize().
func RAMBase() uintptr {
	if ram == nil {
		InitRAM(DefaultRAMSize)
	}
	return ramBase
}

// RAMSize returns the total size of the simulated physical memory arena.
func RAMSize() Size {
	if ram == nil {
		InitRAM(DefaultRAMSize)
	}
	return ramSize
}
