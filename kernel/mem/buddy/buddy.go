// Package buddy implements a binary buddy allocator over physical frames.
// It sits above the bitmap-based allocator (kernel/mem/pmm/allocator) and
// hands out power-of-two runs of frames up to mem.MaxOrder, coalescing
// adjacent free runs back into their buddy whenever both halves are free.
package buddy

import (
	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/sync"

	"github.com/golang/glog"
)

var (
	errInvalidOrder = errors.New("buddy", errors.InvalidArgument, "requested order exceeds mem.MaxOrder")
	errNoMem        = errors.New("buddy", errors.OutOfMemory, "no contiguous run available at the requested order")
	errNotAllocated = errors.New("buddy", errors.InvalidArgument, "frame was not allocated by this allocator")
)

// freeSet tracks the free frame numbers at a given order.
type freeSet map[pmm.Frame]bool

func getBuddy(frame pmm.Frame, order mem.PageOrder) pmm.Frame {
	return frame ^ (pmm.Frame(1) << order)
}

func oneElem(s freeSet) pmm.Frame {
	for frame := range s {
		return frame
	}
	return pmm.InvalidFrame
}

// Allocator is a binary buddy allocator managing a contiguous range of
// frames [start, start+count).
type Allocator struct {
	// mu guards the free lists, the spacemap and the frame counters.
	// Slab caches and the syscall dispatcher share one Allocator, so
	// every public entry point takes it.
	mu sync.Spinlock

	start pmm.Frame
	count uint64

	freemaps []freeSet           // indexed by order, 0..mem.MaxOrder
	spacemap map[pmm.Frame]mem.PageOrder

	totalFrames uint64
	freeFrames  uint64
}

// New creates an Allocator that manages count frames starting at start. It
// seeds the allocator by freeing every constituent frame at order 0, which
// coalesces naturally into the largest runs the range supports.
//
// New blindly claims every frame in [start, start+count), so it is only
// safe over a range no other allocator has a claim on (unit tests that
// exercise the buddy algorithm in isolation, chiefly). Production callers
// must use NewFromSource, which seeds the pool only with frames a frame
// allocator (kernel/mem/pmm/allocator.BitmapAllocator, typically) actually
// considers free, so buddy never hands out a frame the boot handoff's
// memory map reserved for the kernel image, ACPI tables or bad RAM.
func New(start pmm.Frame, count uint64) *Allocator {
	a := &Allocator{
		start:       start,
		count:       count,
		totalFrames: count,
		freeFrames:  0,
		spacemap:    make(map[pmm.Frame]mem.PageOrder),
	}

	a.freemaps = make([]freeSet, mem.MaxOrder+1)
	for i := range a.freemaps {
		a.freemaps[i] = make(freeSet)
	}

	for frame := start; uint64(frame-start) < count; frame++ {
		a.free(frame, mem.PageOrder(0))
		a.freeFrames++
	}

	return a
}

// FrameSource hands out individual physical frames, one at a time, and
// reports OutOfMemory once it has none left. allocator.AllocFrame (and
// allocator.BitmapAllocator.AllocFrame) satisfy it directly.
type FrameSource func() (pmm.Frame, *errors.Error)

// NewFromSource builds an Allocator by draining source until it reports
// OutOfMemory, freeing every frame it hands back into the buddy pool at
// order 0. This is how the buddy allocator wraps the frame allocator in
// production: rather than owning a raw address range of its own, it
// only ever holds frames the underlying BitmapAllocator was willing to
// give it, so a frame the boot memory map marked Reserved, ACPIReclaimable,
// ACPINVS or Bad — and therefore never returned by source — can never end
// up in a buddy free list. The drained frames need not be contiguous: gaps
// left by frames source refuses to hand out simply never coalesce past
// them.
func NewFromSource(source FrameSource) *Allocator {
	a := &Allocator{
		spacemap: make(map[pmm.Frame]mem.PageOrder),
	}
	a.freemaps = make([]freeSet, mem.MaxOrder+1)
	for i := range a.freemaps {
		a.freemaps[i] = make(freeSet)
	}

	for {
		frame, err := source()
		if err != nil {
			break
		}
		if a.totalFrames == 0 {
			a.start = frame
		}
		a.free(frame, mem.PageOrder(0))
		a.freeFrames++
		a.totalFrames++
	}
	a.count = a.totalFrames

	if glog.V(1) {
		glog.Infof("buddy: seeded allocator from frame source with %d frames", a.totalFrames)
	}
	return a
}

func (a *Allocator) alloc(order mem.PageOrder) (pmm.Frame, *errors.Error) {
	if len(a.freemaps[order]) > 0 {
		frame := oneElem(a.freemaps[order])
		delete(a.freemaps[order], frame)
		return frame, nil
	}

	if order == mem.MaxOrder {
		return pmm.InvalidFrame, errNoMem
	}

	frame, err := a.alloc(order + 1)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	buddy := getBuddy(frame, order)
	a.freemaps[order][buddy] = true
	return frame, nil
}

// Alloc reserves and returns the first frame of a run of 2^order contiguous
// frames. It returns errNoMem if no run of the requested order is free.
func (a *Allocator) Alloc(order mem.PageOrder) (pmm.Frame, *errors.Error) {
	if order > mem.MaxOrder {
		if glog.V(1) {
			glog.Errorf("buddy: Alloc: requested order %d exceeds MaxOrder %d", order, mem.MaxOrder)
		}
		return pmm.InvalidFrame, errInvalidOrder
	}

	a.mu.Acquire()
	defer a.mu.Release()

	frame, err := a.alloc(order)
	if err != nil {
		if glog.V(1) {
			glog.Errorf("buddy: Alloc(order=%d): %v", order, err)
		}
		return pmm.InvalidFrame, err
	}

	a.spacemap[frame] = order
	a.freeFrames -= uint64(1) << order

	if glog.V(2) {
		glog.Infof("buddy: allocated frame %d at order %d", frame, order)
	}
	return frame, nil
}

func (a *Allocator) free(frame pmm.Frame, order mem.PageOrder) {
	buddy := getBuddy(frame, order)

	if order == mem.MaxOrder || !a.freemaps[order][buddy] {
		a.freemaps[order][frame] = true
		return
	}

	delete(a.freemaps[order], buddy)
	if buddy < frame {
		frame = buddy
	}
	a.free(frame, order+1)
}

// Free releases a run previously returned by Alloc, coalescing it with its
// buddy when possible.
func (a *Allocator) Free(frame pmm.Frame) *errors.Error {
	a.mu.Acquire()
	defer a.mu.Release()

	order, ok := a.spacemap[frame]
	if !ok {
		if glog.V(1) {
			glog.Errorf("buddy: Free: frame %d was not allocated by this allocator", frame)
		}
		return errNotAllocated
	}

	if glog.V(2) {
		glog.Infof("buddy: freeing frame %d at order %d", frame, order)
	}

	delete(a.spacemap, frame)
	a.freeFrames += uint64(1) << order
	a.free(frame, order)
	return nil
}

// Stats returns the total frame count under management and the number of
// frames currently free.
func (a *Allocator) Stats() (total, free uint64) {
	a.mu.Acquire()
	defer a.mu.Release()
	return a.totalFrames, a.freeFrames
}

// OrderStats returns, for each order 0..mem.MaxOrder, the number of free
// runs currently available at that order. Index i holds the count for
// order i.
func (a *Allocator) OrderStats() []int {
	a.mu.Acquire()
	defer a.mu.Release()

	out := make([]int, len(a.freemaps))
	for i, set := range a.freemaps {
		out[i] = len(set)
	}
	return out
}
