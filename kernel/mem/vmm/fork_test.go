package vmm

import (
	"testing"
	"unsafe"

	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm/allocator"
)

// TestForkCOWDivergesOnWrite: Domain D has a page
// mapped writable containing byte 0xAA. Forking into D' marks both
// mappings COW read-only; a write fault in D' must allocate a fresh frame,
// leave D's frame untouched, and make the two domains' translations of the
// same virtual address diverge.
func TestForkCOWDivergesOnWrite(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}
	allocFn := FrameAllocatorFn(allocator.AllocFrame)
	freeFn := FrameFreeFn(allocator.FreeFrame)

	d, err := NewDomain(allocFn)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := allocFn()
	if err != nil {
		t.Fatal(err)
	}
	mem.Memset(frame.Address(), 0xAA, mem.PageSize)

	page := Page(0x40000000 >> mem.PageShift)
	if err := d.Map(page, frame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	child, err := d.Fork(allocFn)
	if err != nil {
		t.Fatal(err)
	}

	if err := HandleCOWFault(child, page.Address(), allocFn, freeFn); err != nil {
		t.Fatal(err)
	}

	// Write 0xBB into the child's newly-private frame.
	childPhys, err := child.Translate(page.Address())
	if err != nil {
		t.Fatal(err)
	}
	mem.Memset(childPhys, 0xBB, mem.PageSize)

	parentPhys, err := d.Translate(page.Address())
	if err != nil {
		t.Fatal(err)
	}

	if parentPhys == childPhys {
		t.Fatal("expected the parent and child translations to diverge after the COW fault")
	}

	var parentByte [1]byte
	mem.Memcopy(uintptr(unsafe.Pointer(&parentByte[0])), parentPhys, 1)
	if parentByte[0] != 0xAA {
		t.Fatalf("expected the parent's frame to remain 0xAA; got 0x%x", parentByte[0])
	}
}
