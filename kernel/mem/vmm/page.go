package vmm

import "continuum/kernel/mem"

// Page describes a virtual memory page index, the vmm-side counterpart of
// pmm.Frame: where pmm.Frame.Address() adds mem.RAMBase() to reach the
// simulated physical arena, Page.Address() does not — it reconstructs a
// domain's own virtual address space, which page tables translate to a
// frame (and hence an arena offset) one walk at a time.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}
