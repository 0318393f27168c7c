// Package allocator implements the physical frame allocator: a bitmap
// tracking free/reserved frames across the simulated RAM arena (see
// continuum/kernel/mem.RAMBase). The buddy allocator (kernel/mem/buddy)
// and slab caches (kernel/mem/slab) both carve their backing pages out of
// frames reserved through this allocator.
package allocator

import (
	"math/bits"

	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/sync"
)

var (
	// FrameAllocator is the BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	errOutOfMemory  = errors.New("bitmap_alloc", errors.OutOfMemory, "no free frames available")
	errInvalidFrame = errors.New("bitmap_alloc", errors.InvalidArgument, "frame not managed by this allocator")
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the simulated RAM arena using a single free bitmap:
// bit (frame%64) of freeBitmap[frame/64] is set when the frame is reserved.
// This ordering lets AllocFrame find the lowest free frame in a word with a
// single trailing-zeros instruction instead of a bit-by-bit scan.
type BitmapAllocator struct {
	// lock guards the bitmap and the page counters. Interrupt handlers
	// may free frames, so every public entry point takes it.
	lock sync.Spinlock

	// startFrame/endFrame bound the frame range managed by this allocator.
	startFrame pmm.Frame
	endFrame   pmm.Frame

	// totalPages tracks the total number of pages under management.
	totalPages uint32

	// reservedPages tracks the number of reserved pages.
	reservedPages uint32

	// doubleFrees counts FreeFrame calls against a frame whose bit was
	// already clear. Freeing twice is a caller bug; it is tallied here
	// rather than trapping.
	doubleFrees uint64

	freeBitmap []uint64
}

// Init sets up the allocator to manage the whole simulated RAM arena,
// reserving the frames that hold the first reservedBytes of it for the
// kernel image and other early bring-up state.
func Init(reservedBytes mem.Size) *errors.Error {
	return FrameAllocator.init(reservedBytes)
}

func (alloc *BitmapAllocator) init(reservedBytes mem.Size) *errors.Error {
	totalFrames := uint32(mem.RAMSize().Pages())
	if totalFrames == 0 {
		return errOutOfMemory
	}

	alloc.lock.Acquire()

	alloc.startFrame = pmm.Frame(0)
	alloc.endFrame = pmm.Frame(totalFrames - 1)
	alloc.totalPages = totalFrames
	alloc.reservedPages = 0
	alloc.freeBitmap = make([]uint64, (totalFrames+63)>>6)

	reservedFrames := reservedBytes.Pages()
	for frame := pmm.Frame(0); frame < pmm.Frame(reservedFrames); frame++ {
		alloc.markFrame(frame, markReserved)
	}
	alloc.lock.Release()

	alloc.printStats()
	return nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame, reporting whether the flag actually
// changed. Frames outside the managed range are a no-op. Callers must hold
// alloc.lock.
func (alloc *BitmapAllocator) markFrame(frame pmm.Frame, flag markAs) bool {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		return false
	}

	relFrame := uint64(frame - alloc.startFrame)
	block := relFrame >> 6
	mask := uint64(1) << (relFrame & 63)
	switch flag {
	case markFree:
		if alloc.freeBitmap[block]&mask == 0 {
			return false
		}
		alloc.freeBitmap[block] &^= mask
		alloc.reservedPages--
	case markReserved:
		if alloc.freeBitmap[block]&mask != 0 {
			return false
		}
		alloc.freeBitmap[block] |= mask
		alloc.reservedPages++
	}
	return true
}

// ReserveRange marks every frame overlapping the physical byte range
// [phys, phys+length) reserved, where phys is a byte offset from the start of
// the simulated RAM arena (as in the boot memory map). kernel/boot uses this to keep frames that
// the bootloader's memory map marks Reserved, ACPIReclaimable, ACPINVS or
// Bad out of circulation before anything else touches the allocator.
func (alloc *BitmapAllocator) ReserveRange(phys, length mem.Size) {
	if length == 0 {
		return
	}
	start := pmm.Frame(phys >> mem.PageShift)
	end := pmm.Frame((phys + length - 1) >> mem.PageShift)

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	for frame := start; frame <= end; frame++ {
		alloc.markFrame(frame, markReserved)
	}
}

// isReserved reports whether the supplied frame is currently reserved.
func (alloc *BitmapAllocator) isReserved(frame pmm.Frame) bool {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		return true
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	relFrame := uint64(frame - alloc.startFrame)
	block := relFrame >> 6
	mask := uint64(1) << (relFrame & 63)
	return alloc.freeBitmap[block]&mask != 0
}

// AllocFrame scans the bitmap word-at-a-time for the first free frame,
// using a trailing-zeros instruction to locate the lowest free bit within
// the first non-full word, marks it reserved and returns it.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *errors.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for block, word := range alloc.freeBitmap {
		if word == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^word)
		frame := alloc.startFrame + pmm.Frame(block<<6+bit)
		if frame > alloc.endFrame {
			return pmm.InvalidFrame, errOutOfMemory
		}
		alloc.markFrame(frame, markReserved)
		return frame, nil
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a previously allocated frame back to the pool.
// Freeing a frame that is already free is tallied in the double-free
// counter and otherwise ignored.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *errors.Error {
	if frame < alloc.startFrame || frame > alloc.endFrame {
		return errInvalidFrame
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	if !alloc.markFrame(frame, markFree) {
		alloc.doubleFrees++
	}
	return nil
}

// Stats returns the total and reserved page counts currently tracked by the
// allocator.
func (alloc *BitmapAllocator) Stats() (total, reserved uint32) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages, alloc.reservedPages
}

// DoubleFrees returns the number of FreeFrame calls that targeted a frame
// that was already free.
func (alloc *BitmapAllocator) DoubleFrees() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.doubleFrees
}

func (alloc *BitmapAllocator) printStats() {
	early.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame is a package-level convenience wrapper around
// FrameAllocator.AllocFrame, used as the default frame source for the buddy
// allocator.
func AllocFrame() (pmm.Frame, *errors.Error) {
	return FrameAllocator.AllocFrame()
}

// FreeFrame is a package-level convenience wrapper around
// FrameAllocator.FreeFrame.
func FreeFrame(frame pmm.Frame) *errors.Error {
	return FrameAllocator.FreeFrame(frame)
}

// ReserveRange is a package-level convenience wrapper around
// FrameAllocator.ReserveRange.
func ReserveRange(phys, length mem.Size) {
	FrameAllocator.ReserveRange(phys, length)
}
