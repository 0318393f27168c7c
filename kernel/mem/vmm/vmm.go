package vmm

import (
	"sync"

	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

var (
	activeDomainMu sync.RWMutex
	activeDomain   *Domain

	// ReservedZeroedFrame is shared by every lazily-allocated, copy-on-write
	// anonymous mapping until the first write forces a real copy.
	ReservedZeroedFrame pmm.Frame

	errCOWNotApplicable = errors.New("vmm", errors.InvalidArgument, "fault address is not a copy-on-write mapping")
)

// SetActiveDomain records d as the domain the current CPU is running
// against. Real hardware would reload CR3; here it just repoints the
// package-level pointer the fault handler consults.
func SetActiveDomain(d *Domain) {
	activeDomainMu.Lock()
	activeDomain = d
	activeDomainMu.Unlock()
}

// ActiveDomain returns the domain set by the most recent SetActiveDomain
// call, or nil if none has been activated yet.
func ActiveDomain() *Domain {
	activeDomainMu.RLock()
	defer activeDomainMu.RUnlock()
	return activeDomain
}

// HandleCOWFault resolves a write fault against a copy-on-write page: the
// page is duplicated into a freshly allocated frame, the entry is flagged
// writable, the old frame's share count is decremented (freeing it via
// freeFn if that was the last reference) and the stale TLB entry is
// flushed. It returns errCOWNotApplicable if the faulting address is not a
// read-only copy-on-write mapping, in which case the fault is not
// recoverable and the caller should treat it as fatal.
func HandleCOWFault(d *Domain, faultAddr uintptr, allocFn FrameAllocatorFn, freeFn FrameFreeFn) *errors.Error {
	faultPage := PageFromAddress(faultAddr)

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, _, err := d.entryForAddress(faultPage.Address())
	if err != nil {
		return err
	}

	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagRW) || !entry.HasFlags(FlagCopyOnWrite) {
		return errCOWNotApplicable
	}

	oldFrame := entry.Frame()

	newFrame, err := allocFn()
	if err != nil {
		return err
	}

	mem.Memcopy(newFrame.Address(), oldFrame.Address(), mem.PageSize)

	entry.ClearFlags(FlagCopyOnWrite)
	entry.SetFlags(FlagPresent | FlagRW)
	entry.SetFrame(newFrame)
	flushTLBEntry(faultPage.Address())

	d.rewriteRegionLocked(faultPage.Address(), newFrame, regionFlagsFromPTE(PageTableEntryFlag(*entry)))

	if oldFrame != ReservedZeroedFrame && !dropShare(oldFrame) && freeFn != nil {
		if ferr := freeFn(oldFrame); ferr != nil {
			return ferr
		}
	}

	return nil
}

// reserveZeroedFrame reserves and zeroes the single physical frame that
// every lazily-allocated anonymous page is initially mapped to, read-only
// and with FlagCopyOnWrite set, until the first write duplicates it.
func reserveZeroedFrame(allocFn FrameAllocatorFn) *errors.Error {
	frame, err := allocFn()
	if err != nil {
		return err
	}
	mem.Memset(frame.Address(), 0, mem.PageSize)
	ReservedZeroedFrame = frame
	return nil
}

// Init prepares the shared zero page used to back lazily-allocated
// mappings. It must be called once, after the frame allocator is up, before
// any domain maps a CopyOnWrite page against ReservedZeroedFrame.
func Init(allocFn FrameAllocatorFn) *errors.Error {
	if err := reserveZeroedFrame(allocFn); err != nil {
		early.Printf("[vmm] failed to reserve zeroed frame: %s\n", err.Message)
		return err
	}
	return nil
}
