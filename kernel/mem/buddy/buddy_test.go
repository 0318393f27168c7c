package buddy

import (
	"testing"

	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New(pmm.Frame(0), 256)

	if total, free := a.Stats(); total != 256 || free != 256 {
		t.Fatalf("expected 256/256 free frames after New; got %d/%d", free, total)
	}

	frame, err := a.Alloc(mem.PageOrder(2)) // 4 frames
	if err != nil {
		t.Fatal(err)
	}

	if _, free := a.Stats(); free != 252 {
		t.Fatalf("expected 252 free frames after alloc; got %d", free)
	}

	if err := a.Free(frame); err != nil {
		t.Fatal(err)
	}

	if _, free := a.Stats(); free != 256 {
		t.Fatalf("expected all frames free again after Free; got %d", free)
	}
}

func TestAllocCoalescesBuddies(t *testing.T) {
	a := New(pmm.Frame(0), 4)

	f0, err := a.Alloc(mem.PageOrder(0))
	if err != nil {
		t.Fatal(err)
	}
	f1, err := a.Alloc(mem.PageOrder(0))
	if err != nil {
		t.Fatal(err)
	}

	// A block of order 2 should be unavailable until both order-0 siblings
	// that compose it are freed.
	if _, err := a.Alloc(mem.PageOrder(2)); err == nil {
		t.Fatal("expected order-2 allocation to fail while smaller siblings are outstanding")
	}

	if err := a.Free(f0); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(f1); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Alloc(mem.PageOrder(2)); err != nil {
		t.Fatalf("expected order-2 allocation to succeed after freeing both siblings: %v", err)
	}
}

func TestFreeCoalescesBackToSingleBlock(t *testing.T) {
	a := New(pmm.Frame(0), 8) // seeds one order-3 block

	stats := a.OrderStats()
	if stats[3] != 1 {
		t.Fatalf("expected exactly one free order-3 block after seeding; got %d", stats[3])
	}

	f0, err := a.Alloc(mem.PageOrder(0))
	if err != nil {
		t.Fatal(err)
	}
	f1, err := a.Alloc(mem.PageOrder(0))
	if err != nil {
		t.Fatal(err)
	}

	// Freeing in reverse order must coalesce all the way back up to a
	// single order-3 block, leaving every lower order empty.
	if err := a.Free(f1); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(f0); err != nil {
		t.Fatal(err)
	}

	stats = a.OrderStats()
	for order, count := range stats {
		switch order {
		case 3:
			if count != 1 {
				t.Fatalf("expected the order-3 list to hold exactly one block; got %d", count)
			}
		default:
			if count != 0 {
				t.Fatalf("expected the order-%d list to be empty after coalescing; got %d", order, count)
			}
		}
	}
}

func TestAllocExceedsMaxOrder(t *testing.T) {
	a := New(pmm.Frame(0), 4)

	if _, err := a.Alloc(mem.MaxOrder + 1); err == nil {
		t.Fatal("expected an error when requesting an order beyond mem.MaxOrder")
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	a := New(pmm.Frame(0), 4)

	for i := 0; i < 4; i++ {
		if _, err := a.Alloc(mem.PageOrder(0)); err != nil {
			t.Fatalf("unexpected error on allocation %d: %v", i, err)
		}
	}

	if _, err := a.Alloc(mem.PageOrder(0)); err == nil {
		t.Fatal("expected out-of-memory error once all frames are reserved")
	}
}

func TestFreeUnallocatedFrame(t *testing.T) {
	a := New(pmm.Frame(0), 4)

	if err := a.Free(pmm.Frame(1)); err == nil {
		t.Fatal("expected an error freeing a frame that was never allocated")
	}
}
