package vmm

import (
	"testing"

	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/mem/pmm/allocator"
)

func TestDestroyFreesOwnedAndPageTableFrames(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}
	allocFn := FrameAllocatorFn(allocator.AllocFrame)

	d, err := NewDomain(allocFn)
	if err != nil {
		t.Fatal(err)
	}

	dataFrame, err := allocFn()
	if err != nil {
		t.Fatal(err)
	}
	page := Page(0x80000000 >> mem.PageShift)
	if err := d.Map(page, dataFrame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	_, reservedBefore := allocator.FrameAllocator.Stats()

	freed := make(map[pmm.Frame]bool)
	if err := d.Destroy(func(f pmm.Frame) *errors.Error {
		freed[f] = true
		return allocator.FreeFrame(f)
	}); err != nil {
		t.Fatal(err)
	}

	if !freed[dataFrame] {
		t.Fatal("expected the owned data frame to be freed")
	}
	if !freed[d.root] {
		t.Fatal("expected the PML4 root frame to be freed")
	}
	if len(freed) < 2 {
		t.Fatalf("expected at least the data frame and the page-table frames to be freed; got %d", len(freed))
	}

	_, reservedAfter := allocator.FrameAllocator.Stats()
	if reservedAfter >= reservedBefore {
		t.Fatalf("expected reserved page count to drop after Destroy; before=%d after=%d", reservedBefore, reservedAfter)
	}
}

func TestDestroyDecrementsSharedFrame(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}
	allocFn := FrameAllocatorFn(allocator.AllocFrame)
	freeFn := func(f pmm.Frame) *errors.Error { return allocator.FreeFrame(f) }

	d, err := NewDomain(allocFn)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := allocFn()
	if err != nil {
		t.Fatal(err)
	}
	page := Page(0x90000000 >> mem.PageShift)
	if err := d.Map(page, frame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	child, err := d.Fork(allocFn)
	if err != nil {
		t.Fatal(err)
	}

	// Destroying the child must not free the shared frame: the parent
	// still references it.
	if err := child.Destroy(freeFn); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Translate(page.Address()); err != nil {
		t.Fatal("expected the parent's mapping to remain valid after the child is destroyed")
	}

	if err := d.Destroy(freeFn); err != nil {
		t.Fatal(err)
	}
}
