package vmm

import (
	"testing"

	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = FlagRW
		flag2 = FlagUser
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlag to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	mem.InitRAM(1 * mem.Mb)

	var pte pageTableEntry
	physFrame := pmm.Frame(12)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	// Setting the frame must not disturb previously set flags.
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(pmm.Frame(34))
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected flags to survive a frame update")
	}
	if got := pte.Frame(); got != pmm.Frame(34) {
		t.Fatalf("expected pte.Frame() to return %v; got %v", pmm.Frame(34), got)
	}
}
