package vmm

import (
	"testing"

	"continuum/kernel/errors"
	"continuum/kernel/mem"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/mem/pmm/allocator"
)

func TestRegistryReleaseDestroysOnLastDrop(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}
	allocFn := FrameAllocatorFn(allocator.AllocFrame)

	r := NewRegistry()
	d, err := r.Create(allocFn)
	if err != nil {
		t.Fatal(err)
	}

	dataFrame, err := allocFn()
	if err != nil {
		t.Fatal(err)
	}
	page := Page(0x7000)
	if err := d.Map(page, dataFrame, FlagRW, allocFn); err != nil {
		t.Fatal(err)
	}

	r.Retain(d)
	if r.Live() != 1 {
		t.Fatalf("expected one live domain; got %d", r.Live())
	}

	var freed []pmm.Frame
	freeFn := FrameFreeFn(func(f pmm.Frame) *errors.Error {
		freed = append(freed, f)
		return allocator.FreeFrame(f)
	})

	// First drop: another owner remains, so nothing is destroyed.
	if err := r.Release(d, freeFn); err != nil {
		t.Fatal(err)
	}
	if len(freed) != 0 {
		t.Fatalf("expected no frames freed while a reference remains; freed %d", len(freed))
	}
	if r.Live() != 1 {
		t.Fatalf("expected the domain to stay registered; got %d live", r.Live())
	}

	// Last drop: the domain is destroyed and forgotten.
	if err := r.Release(d, freeFn); err != nil {
		t.Fatal(err)
	}
	if r.Live() != 0 {
		t.Fatalf("expected no live domains after the last drop; got %d", r.Live())
	}

	sawData := false
	for _, f := range freed {
		if f == dataFrame {
			sawData = true
		}
	}
	if !sawData {
		t.Fatal("expected the mapped data frame to be freed on last drop")
	}
}

func TestRegistryReleaseUnknownDomainFails(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}

	d, err := NewDomain(allocator.AllocFrame)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.Release(d, allocator.FreeFrame); err == nil {
		t.Fatal("expected releasing a never-registered domain to fail")
	}
}

func TestRegistryRetainAdoptsForeignDomain(t *testing.T) {
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}

	d, err := NewDomain(allocator.AllocFrame)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	r.Retain(d)
	if r.Live() != 1 {
		t.Fatalf("expected Retain to adopt the domain; got %d live", r.Live())
	}
	if err := r.Release(d, allocator.FreeFrame); err != nil {
		t.Fatal(err)
	}
	if r.Live() != 0 {
		t.Fatalf("expected the adopted domain to be destroyed on release; got %d live", r.Live())
	}
}
