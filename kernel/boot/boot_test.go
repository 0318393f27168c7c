package boot

import (
	"testing"

	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/mem/pmm/allocator"
)

func validHandoff() Handoff {
	return Handoff{
		Magic:   Magic,
		Version: 1,
		Mode:    ModeMultiboot,
		MemoryMap: []MemoryRange{
			{Base: 0, Length: mem.Size(4 * mem.PageSize), Type: Usable},
			{Base: mem.Size(4 * mem.PageSize), Length: mem.Size(2 * mem.PageSize), Type: Reserved},
			{Base: mem.Size(6 * mem.PageSize), Length: mem.Size(10 * mem.PageSize), Type: Usable},
		},
	}
}

func TestValidateRejectsBadMagic(t *testing.T) {
	h := validHandoff()
	h.Magic = 0xBAD
	if err := h.Validate(); err == nil {
		t.Fatal("expected a magic mismatch to be rejected")
	}
}

func TestInitRejectsEmptyMemoryMap(t *testing.T) {
	h := validHandoff()
	h.MemoryMap = nil
	if err := Init(h); err == nil {
		t.Fatal("expected an empty memory map to be rejected")
	}
}

func TestInitReservesNonUsableRanges(t *testing.T) {
	h := validHandoff()
	if err := Init(h); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, reserved := allocator.FrameAllocator.Stats()
	if exp := uint32(mem.Size(16 * mem.PageSize).Pages()); total != exp {
		t.Fatalf("expected %d total pages; got %d", exp, total)
	}

	// Every usable frame is now owned by Buddy, not free in the bitmap
	// allocator directly: Init drains allocator.FrameAllocator into Buddy,
	// so the only frames the bitmap still reports free are none at all.
	if reserved != total {
		t.Fatalf("expected every frame reserved in the bitmap allocator once Buddy has claimed them; got %d/%d reserved", reserved, total)
	}

	buddyTotal, buddyFree := Buddy.Stats()
	if exp := uint64(total - 2); buddyTotal != exp {
		t.Fatalf("expected Buddy to have claimed the %d usable frames; got %d", exp, buddyTotal)
	}
	if buddyFree != buddyTotal {
		t.Fatalf("expected every frame Buddy claimed to still be free; got %d/%d", buddyFree, buddyTotal)
	}

	seen := make(map[pmm.Frame]bool)
	for {
		frame, err := Buddy.Alloc(mem.PageOrder(0))
		if err != nil {
			break
		}
		seen[frame] = true
	}
	if seen[pmm.Frame(4)] || seen[pmm.Frame(5)] {
		t.Fatal("expected the Reserved range's frames never to be handed out by Buddy")
	}
	if uint64(len(seen)) != buddyTotal {
		t.Fatalf("expected to drain exactly %d frames from Buddy; drained %d", buddyTotal, len(seen))
	}
}
