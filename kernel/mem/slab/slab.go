// Package slab implements fixed-size object caches backed by buddy-allocated
// pages. Each cache serves one power-of-two size class; a cache keeps its
// slab pages on full, partial and empty lists so that Alloc always has an
// O(1) partial page to carve from, and Free recovers the owning page by
// masking the freed address down to its page boundary and, for slabs that
// span several pages, stepping back to the slab's first page.
package slab

import (
	"sync"

	"continuum/kernel"
	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/buddy"
	"continuum/kernel/mem/pmm"
)

// pageMagic is stamped into every slab page header; a mismatch on the free
// path means the header was overwritten, which is unrecoverable.
const pageMagic uint32 = 0x51ab_ca5e

// sizeClasses lists the object sizes a Cache can be created for, smallest
// first. 64 bits of bitmap caps every class at 64 objects per page.
var sizeClasses = [...]uint32{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

var (
	errUnsupportedSize = errors.New("slab", errors.InvalidArgument, "no size class fits the requested allocation")
	errNotOwned        = errors.New("slab", errors.InvalidArgument, "address was not allocated by this cache")
	errDoubleFree      = errors.New("slab", errors.InvalidArgument, "double free detected")
	errCorruptPage     = errors.New("slab", errors.InvalidArgument, "slab page magic mismatch")
	errOutOfMemory     = errors.New("slab", errors.OutOfMemory, "backing buddy allocator has no pages left")
)

// page is one slab page: a contiguous buddy-allocated run carved into
// objectCount fixed-size objects, tracked by a 64-bit free bitmap (bit set
// == free).
type page struct {
	magic      uint32
	base       uintptr
	frame      pmm.Frame
	order      mem.PageOrder
	objectSize uint32
	objectCount uint32
	freeBitmap uint64
	freeCount  uint32
}

func (p *page) full() bool  { return p.freeCount == 0 }
func (p *page) empty() bool { return p.freeCount == p.objectCount }

// Cache manages every slab page for a single object size class.
type Cache struct {
	mu         sync.Mutex
	objectSize uint32

	full    []*page
	partial []*page
	empty   []*page

	allocated uint32
	capacity  uint32
}

// Allocator is the top-level slab allocator: one Cache per size class,
// carving its backing pages out of a shared buddy allocator.
type Allocator struct {
	buddy   *buddy.Allocator
	caches  [len(sizeClasses)]*Cache
	byBase  sync.Map // page-aligned base address -> *page, for Free's page-masking lookup
	ownerOf sync.Map // page-aligned base address -> *Cache
}

// New creates an Allocator that carves its slab pages out of b.
func New(b *buddy.Allocator) *Allocator {
	a := &Allocator{buddy: b}
	for i, sz := range sizeClasses {
		a.caches[i] = &Cache{objectSize: sz}
	}
	return a
}

func sizeClassIndex(size uint32) (int, *errors.Error) {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i, nil
		}
	}
	return 0, errUnsupportedSize
}

// Alloc returns the address of a zero-initialized object of at least size
// bytes, carved from the smallest size class that fits it.
func (a *Allocator) Alloc(size uint32) (uintptr, *errors.Error) {
	idx, err := sizeClassIndex(size)
	if err != nil {
		return 0, err
	}
	cache := a.caches[idx]
	return cache.allocate(a)
}

// Free releases an object previously returned by Alloc.
func (a *Allocator) Free(addr uintptr) *errors.Error {
	baseAddr := addr &^ uintptr(mem.PageSize-1)
	v, ok := a.byBase.Load(baseAddr)
	// Multi-page slabs are registered under their first page only.
	for i := 0; !ok && i < 1<<mem.MaxOrder && baseAddr >= uintptr(mem.PageSize); i++ {
		baseAddr -= uintptr(mem.PageSize)
		v, ok = a.byBase.Load(baseAddr)
	}
	if !ok {
		return errNotOwned
	}
	ownerV, _ := a.ownerOf.Load(baseAddr)
	return ownerV.(*Cache).free(a, v.(*page), addr)
}

func (c *Cache) allocate(a *Allocator) (uintptr, *errors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.partial) == 0 {
		if n := len(c.empty); n > 0 {
			c.partial = append(c.partial, c.empty[n-1])
			c.empty = c.empty[:n-1]
		} else {
			p, err := c.newPage(a)
			if err != nil {
				return 0, err
			}
			c.partial = append(c.partial, p)
		}
	}

	p := c.partial[len(c.partial)-1]
	addr := c.allocateFrom(p)

	if p.full() {
		c.partial = c.partial[:len(c.partial)-1]
		c.full = append(c.full, p)
	}

	return addr, nil
}

func (c *Cache) allocateFrom(p *page) uintptr {
	for i := uint32(0); i < p.objectCount; i++ {
		mask := uint64(1) << i
		if p.freeBitmap&mask == 0 {
			continue
		}
		p.freeBitmap &^= mask
		p.freeCount--
		c.allocated++
		addr := p.base + uintptr(i*p.objectSize)
		mem.Memset(addr, 0, mem.Size(p.objectSize))
		return addr
	}
	return 0
}

func (c *Cache) newPage(a *Allocator) (*page, *errors.Error) {
	order := (mem.Size(c.objectSize) * 64).Order()
	if order > mem.MaxOrder {
		order = mem.MaxOrder
	}

	frame, err := a.buddy.Alloc(order)
	if err != nil {
		return nil, errOutOfMemory
	}

	pageBytes := mem.PageSize << order
	objectCount := uint32(pageBytes) / c.objectSize
	if objectCount > 64 {
		objectCount = 64
	}

	base := frame.Address()
	mem.Memset(base, 0, pageBytes)

	p := &page{
		magic:       pageMagic,
		base:        base,
		frame:       frame,
		order:       order,
		objectSize:  c.objectSize,
		objectCount: objectCount,
		freeBitmap:  (uint64(1) << objectCount) - 1,
		freeCount:   objectCount,
	}

	c.capacity += objectCount
	a.byBase.Store(base, p)
	a.ownerOf.Store(base, c)

	return p, nil
}

func (c *Cache) free(a *Allocator, p *page, addr uintptr) *errors.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.magic != pageMagic {
		kernel.Panic(errCorruptPage)
	}

	rel := addr - p.base
	if rel%uintptr(p.objectSize) != 0 {
		return errNotOwned
	}
	index := uint32(rel / uintptr(p.objectSize))
	if index >= p.objectCount {
		return errNotOwned
	}

	mask := uint64(1) << index
	if p.freeBitmap&mask != 0 {
		return errDoubleFree
	}

	wasFull := p.full()
	p.freeBitmap |= mask
	p.freeCount++
	c.allocated--

	if wasFull {
		c.removeFrom(&c.full, p)
		c.partial = append(c.partial, p)
	}

	if p.empty() {
		c.removeFrom(&c.partial, p)
		c.empty = append(c.empty, p)
	}

	return nil
}

func (c *Cache) removeFrom(list *[]*page, p *page) {
	for i, candidate := range *list {
		if candidate == p {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// Stats describes the current utilization of one size class.
type Stats struct {
	ObjectSize uint32
	Allocated  uint32
	Capacity   uint32
	PageCount  int
}

// Stats returns a utilization snapshot for every size class.
func (a *Allocator) Stats() []Stats {
	out := make([]Stats, len(a.caches))
	for i, c := range a.caches {
		c.mu.Lock()
		out[i] = Stats{
			ObjectSize: c.objectSize,
			Allocated:  c.allocated,
			Capacity:   c.capacity,
			PageCount:  len(c.full) + len(c.partial) + len(c.empty),
		}
		c.mu.Unlock()
	}
	return out
}

// ReclaimEmptyPages releases every fully-empty slab page in every cache back
// to the buddy allocator. It returns the number of pages reclaimed.
func (a *Allocator) ReclaimEmptyPages() int {
	reclaimed := 0
	for _, c := range a.caches {
		c.mu.Lock()
		for _, p := range c.empty {
			a.byBase.Delete(p.base)
			a.ownerOf.Delete(p.base)
			_ = a.buddy.Free(p.frame)
			c.capacity -= p.objectCount
			reclaimed++
		}
		c.empty = c.empty[:0]
		c.mu.Unlock()
	}
	return reclaimed
}
