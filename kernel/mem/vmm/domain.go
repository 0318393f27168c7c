// Package vmm implements the virtual memory subsystem: 4-level page tables
// (PML4 -> PDPT -> PD -> PT), copy-on-write fault resolution and 2 MiB huge
// pages at the PD level. Continuum runs hosted rather than on bare metal,
// so the table levels below the root are not reached
// through a recursive self-mapping trick as on real x86-64; instead each
// table's backing frame is addressed directly through the simulated RAM
// arena (continuum/kernel/mem.RAMBase), the same way the frame allocator
// and the slab cache already do.
package vmm

import (
	"sync"
	"unsafe"

	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

const entriesPerTable = 512

// table is the physical layout of one page table at any of the four levels.
type table struct {
	entries [entriesPerTable]pageTableEntry
}

func tableAt(frame pmm.Frame) *table {
	return (*table)(unsafe.Pointer(frame.Address()))
}

func pml4Index(v uintptr) uint64 { return uint64(v>>39) & (entriesPerTable - 1) }
func pdptIndex(v uintptr) uint64 { return uint64(v>>30) & (entriesPerTable - 1) }
func pdIndex(v uintptr) uint64   { return uint64(v>>21) & (entriesPerTable - 1) }
func ptIndex(v uintptr) uint64   { return uint64(v>>12) & (entriesPerTable - 1) }

// hugePageSize is the size of a PD-level huge page mapping (2 MiB).
const hugePageSize = mem.Size(1) << 21

var (
	// ErrInvalidMapping is returned by Translate/Unmap when the requested
	// virtual address has no corresponding mapping.
	ErrInvalidMapping = errors.New("vmm", errors.InvalidArgument, "address is not mapped")
	errHugePageConflict = errors.New("vmm", errors.InvalidArgument, "page is part of a huge page mapping")
)

// FrameAllocatorFn is a function that can allocate physical frames, used to
// materialize missing intermediate page tables on demand.
type FrameAllocatorFn func() (pmm.Frame, *errors.Error)

// FrameFreeFn is a function that returns a physical frame to the
// allocator. HandleCOWFault and Domain.Destroy use it to release frames
// that drop to a zero share count.
type FrameFreeFn func(pmm.Frame) *errors.Error

// Domain is one independent virtual address space: a PML4 table plus the
// sub-trees hanging off it. Every scheduled context runs in one Domain, and
// several contexts may share it (see kernel/sched). mu guards both the region list and every page-table
// walk-then-mutate critical section (Map, MapHuge, Unmap, SetFlags,
// HandleCOWFault, and Fork's remap/remapHuge), so two mutators never race
// on the same table entries.
type Domain struct {
	mu      sync.Mutex
	root    pmm.Frame
	regions []Region
}

// NewDomain allocates and zeroes a fresh PML4 table, returning a Domain
// rooted at it.
func NewDomain(allocFn FrameAllocatorFn) (*Domain, *errors.Error) {
	frame, err := allocFn()
	if err != nil {
		return nil, err
	}
	mem.Memset(frame.Address(), 0, mem.PageSize)
	return &Domain{root: frame}, nil
}

// Regions returns a snapshot of the domain's currently mapped regions.
func (d *Domain) Regions() []Region {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Region, len(d.regions))
	copy(out, d.regions)
	return out
}

// addRegionLocked, removeRegionLocked and rewriteRegionLocked mutate the
// region list directly and assume the caller already holds d.mu — every
// call site is a page-table mutator (Map, MapHuge, Unmap, SetFlags,
// HandleCOWFault, remap, remapHuge) that takes d.mu for its whole
// walk-then-mutate critical section, so that the page-table entries and
// their corresponding Region bookkeeping change atomically together under
// one lock instead of racing against a concurrent mutator between the two.
func (d *Domain) addRegionLocked(r Region) {
	d.regions = append(d.regions, r)
}

func (d *Domain) removeRegionLocked(base uintptr) {
	for i, r := range d.regions {
		if r.Base == base {
			d.regions = append(d.regions[:i], d.regions[i+1:]...)
			return
		}
	}
}

// rewriteRegionLocked updates the recorded Region at base (if any) to
// reflect a new backing frame and flags, used after HandleCOWFault remaps
// a page.
func (d *Domain) rewriteRegionLocked(base uintptr, frame pmm.Frame, flags RegionFlags) {
	for i := range d.regions {
		if d.regions[i].Base == base {
			d.regions[i].Frame = frame
			d.regions[i].Flags = flags
			return
		}
	}
}

func (d *Domain) regionAt(base uintptr) (Region, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.regions {
		if r.Base == base {
			return r, true
		}
	}
	return Region{}, false
}

// RootFrame returns the frame backing this domain's PML4 table.
func (d *Domain) RootFrame() pmm.Frame {
	return d.root
}

// walk descends from the PML4 down to the PT (or PD, for huge pages)
// level for virtAddr, allocating missing intermediate tables via allocFn
// when create is true. It returns the leaf entry, the level it was found
// at (2 for PD huge pages, 3 for PT) and any error from the walk.
func (d *Domain) walk(virtAddr uintptr, create bool, allocFn FrameAllocatorFn) (*pageTableEntry, int, *errors.Error) {
	indices := [3]uint64{pml4Index(virtAddr), pdptIndex(virtAddr), pdIndex(virtAddr)}
	frame := d.root

	for level, index := range indices {
		tbl := tableAt(frame)
		entry := &tbl.entries[index]

		if level == 2 && entry.HasFlags(FlagPresent) && entry.HasFlags(FlagHugePage) {
			return entry, 2, nil
		}

		if !entry.HasFlags(FlagPresent) {
			if !create {
				return nil, 0, ErrInvalidMapping
			}
			newFrame, err := allocFn()
			if err != nil {
				return nil, 0, err
			}
			mem.Memset(newFrame.Address(), 0, mem.PageSize)
			*entry = 0
			entry.SetFrame(newFrame)
			entry.SetFlags(FlagPresent | FlagRW)
		}

		frame = entry.Frame()
	}

	pt := tableAt(frame)
	return &pt.entries[ptIndex(virtAddr)], 3, nil
}

// Map establishes a mapping from page to frame with the given flags,
// allocating any missing intermediate page tables through allocFn. The
// walk, the PTE write and the Region bookkeeping all happen under d.mu.
func (d *Domain) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, _, err := d.walk(page.Address(), true, allocFn)
	if err != nil {
		return err
	}

	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | flags)
	flushTLBEntry(page.Address())

	d.addRegionLocked(Region{
		Base:   page.Address(),
		Length: mem.PageSize,
		Frame:  frame,
		Flags:  regionFlagsFromPTE(flags),
	})
	return nil
}

// MapHuge establishes a 2 MiB mapping at the PD level, covering the 512
// base pages starting at page. frame must be the start of a 512-page
// (order 9) run. Held under d.mu for the same reason as Map.
func (d *Domain) MapHuge(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	indices := [2]uint64{pml4Index(page.Address()), pdptIndex(page.Address())}
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
	entry := &pd.entries[pdIndex(page.Address())]
	*entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagHugePage | flags)
	flushTLBEntry(page.Address())

	d.addRegionLocked(Region{
		Base:   page.Address(),
		Length: hugePageSize,
		Frame:  frame,
		Flags:  regionFlagsFromPTE(flags) | RegionHuge,
	})
	return nil
}

// SetFlags rewrites the permission flags (Writable, User, No-Execute, COW)
// of an existing mapping at page without touching its frame, for the
// external system-request interface's set_protection operation. The
// mapping must already exist. Held under d.mu so a concurrent Map/Unmap
// against the same domain cannot observe or clobber a half-rewritten PTE.
func (d *Domain) SetFlags(page Page, flags PageTableEntryFlag) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, level, err := d.walk(page.Address(), false, nil)
	if err != nil {
		return err
	}
	if !entry.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	frame := entry.Frame()
	huge := entry.HasFlags(FlagHugePage)

	*entry = 0
	entry.SetFrame(frame)
	newFlags := FlagPresent | flags
	if huge {
		newFlags |= FlagHugePage
	}
	entry.SetFlags(newFlags)
	flushTLBEntry(page.Address())

	base := page.Address()
	if level == 2 {
		base &^= uintptr(hugePageSize - 1)
	}
	rflags := regionFlagsFromPTE(flags)
	if huge {
		rflags |= RegionHuge
	}
	d.rewriteRegionLocked(base, frame, rflags)
	return nil
}

// Unmap removes a mapping previously installed by Map or MapHuge, under
// d.mu for the same reason as Map.
func (d *Domain) Unmap(page Page) *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, level, err := d.walk(page.Address(), false, nil)
	if err != nil {
		return err
	}
	if level == 2 {
		entry.ClearFlags(FlagPresent)
		flushTLBEntry(page.Address())
		d.removeRegionLocked(page.Address() &^ uintptr(hugePageSize-1))
		return nil
	}
	if !entry.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}
	entry.ClearFlags(FlagPresent)
	flushTLBEntry(page.Address())
	d.removeRegionLocked(page.Address())
	return nil
}

// Translate resolves virtAddr to its mapped physical address, honoring
// both regular and huge page mappings.
func (d *Domain) Translate(virtAddr uintptr) (uintptr, *errors.Error) {
	entry, level, err := d.walk(virtAddr, false, nil)
	if err != nil {
		return 0, err
	}
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	if level == 2 {
		offset := virtAddr & uintptr(hugePageSize-1)
		return entry.Frame().Address() + offset, nil
	}

	offset := virtAddr & uintptr(mem.PageSize-1)
	return entry.Frame().Address() + offset, nil
}

// entryForAddress returns the leaf entry mapping virtAddr without creating
// missing intermediate tables. Used by the page fault handler.
func (d *Domain) entryForAddress(virtAddr uintptr) (*pageTableEntry, int, *errors.Error) {
	return d.walk(virtAddr, false, nil)
}
