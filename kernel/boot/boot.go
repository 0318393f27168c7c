// Package boot consumes the handoff structure the surrounding platform
// (BIOS/UEFI firmware, a Multiboot-compliant loader, or a direct kernel
// load) passes to the core at startup. Continuum runs hosted rather than
// freestanding, so there is no firmware calling in through entry.S; the
// handoff is constructed by whatever drives the core (a test, or an
// embedding program) and passed to Init, which is the only thing the core
// actually needs out of it: the memory map. Modeled on the tag-header
// walk in kernel/hal/multiboot/multiboot.go, minus the Multiboot wire
// format itself, since here the map arrives as a plain Go slice rather
// than a packed binary tag stream.
package boot

import (
	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
	"continuum/kernel/mem"
	"continuum/kernel/mem/buddy"
	"continuum/kernel/mem/pmm/allocator"
)

const errModule = "boot"

// Buddy is the buddy allocator Init seeds from allocator.FrameAllocator's
// free frames once the handoff's non-Usable ranges have been reserved.
// Every other subsystem (slab, vmm domains, the syscall dispatcher) draws
// its frames from Buddy rather than from allocator.FrameAllocator
// directly, so every frame is either free, owned by exactly one allocator,
// or mapped from the moment boot finishes.
var Buddy *buddy.Allocator

// Magic is the value Handoff.Magic must carry for Init to trust the rest
// of the structure. It has no significance beyond being an agreed-upon
// constant between the loader and the core, the same role
// multiboot.go's bootloader magic number plays.
const Magic uint64 = 0xC0471A5CBADDCAFE

var errBadMagic = errors.New(errModule, errors.InvalidArgument, "handoff magic value mismatch")

// Mode identifies which loader produced the handoff structure.
type Mode uint8

const (
	ModeBIOS Mode = iota
	ModeUEFI
	ModeMultiboot
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeBIOS:
		return "BIOS"
	case ModeUEFI:
		return "UEFI"
	case ModeMultiboot:
		return "Multiboot"
	case ModeDirect:
		return "Direct"
	default:
		return "unknown"
	}
}

// RangeType classifies one entry of the boot memory map, mirroring
// multiboot.go's MemoryEntryType.
type RangeType uint32

const (
	// Usable ranges may be handed to the frame allocator.
	Usable RangeType = iota + 1
	// Reserved ranges are never touched (MMIO, firmware tables, the
	// kernel image itself).
	Reserved
	// ACPIReclaimable ranges hold ACPI tables that can be reclaimed once
	// the core has parsed them; Init conservatively reserves them, same
	// as multiboot.go's VisitMemRegions callers typically do before ACPI
	// parsing runs.
	ACPIReclaimable
	// ACPINVS ranges must survive hibernation/sleep transitions and are
	// never reclaimed.
	ACPINVS
	// Bad ranges are physically faulty and must never be used.
	Bad
)

func (t RangeType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "acpi-reclaimable"
	case ACPINVS:
		return "acpi-nvs"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// MemoryRange describes one contiguous, typed region of physical memory as
// reported by the loader.
type MemoryRange struct {
	Base   mem.Size
	Length mem.Size
	Type   RangeType
}

// Handoff is the structure the loader passes to the core at startup.
type Handoff struct {
	Magic   uint64
	Version uint32
	Mode    Mode

	MemoryMap []MemoryRange
}

// Validate checks the handoff's magic value without touching the memory
// map or any global allocator state.
func (h *Handoff) Validate() *errors.Error {
	if h.Magic != Magic {
		return errBadMagic
	}
	return nil
}

// extent returns the highest address named by any entry of the memory
// map, which becomes the simulated RAM arena's size.
func (h *Handoff) extent() mem.Size {
	var max mem.Size
	for _, r := range h.MemoryMap {
		if end := r.Base + r.Length; end > max {
			max = end
		}
	}
	return max
}

// Init validates h, sizes and initializes the simulated RAM arena to span
// the handoff's memory map, brings up the frame allocator over the whole
// arena, reserves every non-Usable range so the allocator never hands out
// a frame the loader marked Reserved, ACPIReclaimable, ACPINVS or Bad, and
// finally seeds Buddy by draining every frame the allocator still
// considers free into it. The core consumes only the memory
// map; Mode and Version are recorded for diagnostics but otherwise
// unused.
func Init(h Handoff) *errors.Error {
	if err := h.Validate(); err != nil {
		return err
	}
	if len(h.MemoryMap) == 0 {
		return errors.New(errModule, errors.InvalidArgument, "handoff carries an empty memory map")
	}

	mem.InitRAM(h.extent())
	if err := allocator.Init(0); err != nil {
		return err
	}

	for _, r := range h.MemoryMap {
		if r.Type != Usable {
			allocator.ReserveRange(r.Base, r.Length)
		}
	}

	Buddy = buddy.NewFromSource(allocator.AllocFrame)

	early.Printf("boot: initialized from %s handoff (version %d), %d memory map entries\n", h.Mode, h.Version, len(h.MemoryMap))
	return nil
}
