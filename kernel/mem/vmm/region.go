package vmm

import (
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

// RegionFlags summarizes the permission/kind bits of a mapped region
// (allocated, COW, executable, read-only, huge)
// at a coarser grain than the raw PageTableEntryFlag bits so that
// destroy/fork logic doesn't have to re-walk the page table to classify a
// region it already recorded.
type RegionFlags uint32

const (
	RegionAllocated RegionFlags = 1 << iota
	RegionCOW
	RegionExecutable
	RegionReadOnly
	RegionHuge
)

// Region records one mapped virtual range within a Domain: its base
// address, length, the first backing frame, and the permission/kind flags
// it was mapped with. Continuum's hosted Map/MapHuge calls always cover
// exactly one frame (one base page or one 2 MiB huge page), so a Region
// here is one Map call's worth of bookkeeping rather than a merged
// multi-frame run; Destroy and Fork walk the region list frame by frame.
type Region struct {
	Base   uintptr
	Length mem.Size
	Frame  pmm.Frame
	Flags  RegionFlags
}

// regionFlagsFromPTE derives the coarse RegionFlags summary from the
// page-table-entry permission bits a Map call was given.
func regionFlagsFromPTE(flags PageTableEntryFlag) RegionFlags {
	out := RegionAllocated
	if flags&FlagCopyOnWrite != 0 {
		out |= RegionCOW
	}
	if flags&FlagNoExecute == 0 {
		out |= RegionExecutable
	}
	if flags&FlagRW == 0 {
		out |= RegionReadOnly
	}
	return out
}
