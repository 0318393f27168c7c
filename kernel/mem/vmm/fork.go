package vmm

import (
	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

// Fork duplicates d into a new Domain that shares every currently mapped
// frame with it, copy-on-write: both the parent's and the child's entries
// for each region are rewritten read-only with FlagCopyOnWrite set, and the
// shared frame's reference count is bumped so neither HandleCOWFault nor
// Destroy frees it while the other domain still holds it.
func (d *Domain) Fork(allocFn FrameAllocatorFn) (*Domain, *errors.Error) {
	child, err := NewDomain(allocFn)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	regions := make([]Region, len(d.regions))
	copy(regions, d.regions)
	d.mu.Unlock()

	for _, r := range regions {
		cowFlags := FlagCopyOnWrite
		if r.Flags&RegionExecutable == 0 {
			cowFlags |= FlagNoExecute
		}

		if r.Flags&RegionHuge != 0 {
			if err := d.remapHuge(r.Base, r.Frame, cowFlags, allocFn); err != nil {
				return nil, err
			}
			if err := child.MapHuge(PageFromAddress(r.Base), r.Frame, cowFlags, allocFn); err != nil {
				return nil, err
			}
		} else {
			if err := d.remap(r.Base, r.Frame, cowFlags, allocFn); err != nil {
				return nil, err
			}
			if err := child.Map(PageFromAddress(r.Base), r.Frame, cowFlags, allocFn); err != nil {
				return nil, err
			}
		}

		markShared(r.Frame)
	}

	return child, nil
}

// remap rewrites d's own page-table entry at base to point at frame with
// flags, and updates (rather than duplicates) the matching Region record.
// Used by Fork to flip the parent's own mapping to COW without appending a
// second Region entry the way a fresh Map call would. Held under d.mu like
// every other page-table mutator.
func (d *Domain) remap(base uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, _, err := d.walk(base, true, allocFn)
	if err != nil {
		return err
	}

	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | flags)
	flushTLBEntry(base)

	d.rewriteRegionLocked(base, frame, regionFlagsFromPTE(flags))
	return nil
}

// remapHuge is remap's PD-level counterpart for 2 MiB regions.
func (d *Domain) remapHuge(base uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	indices := [2]uint64{pml4Index(base), pdptIndex(base)}
	curFrame := d.root

	for _, index := range indices {
		tbl := tableAt(curFrame)
		entry := &tbl.entries[index]
		if !entry.HasFlags(FlagPresent) {
			newFrame, err := allocFn()
			if err != nil {
				return err
			}
			mem.Memset(newFrame.Address(), 0, mem.PageSize)
			*entry = 0
			entry.SetFrame(newFrame)
			entry.SetFlags(FlagPresent | FlagRW)
		}
		curFrame = entry.Frame()
	}

	pd := tableAt(curFrame)
	entry := &pd.entries[pdIndex(base)]
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagHugePage | flags)
	flushTLBEntry(base)

	d.rewriteRegionLocked(base, frame, regionFlagsFromPTE(flags)|RegionHuge)
	return nil
}
