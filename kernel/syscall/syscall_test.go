package syscall

import (
	"testing"
	"time"

	"continuum/kernel/errors"
	"continuum/kernel/ipc"
	"continuum/kernel/mem"
	"continuum/kernel/mem/buddy"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/mem/pmm/allocator"
	"continuum/kernel/mem/vmm"
	"continuum/kernel/sched"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *sched.Context) {
	t.Helper()
	mem.InitRAM(4 * mem.Mb)
	if err := allocator.Init(0); err != nil {
		t.Fatal(err)
	}

	s := sched.New(1, 1)
	s.Domains = vmm.NewRegistry()
	s.FreeFrame = allocator.FreeFrame

	domain, err := s.Domains.Create(allocator.AllocFrame)
	if err != nil {
		t.Fatal(err)
	}

	caller, serr := s.Spawn(domain, 0x1000, "caller", sched.PriorityNormal, sched.AffinityAny)
	if serr != nil {
		t.Fatal(serr)
	}

	// Seed the dispatcher's buddy allocator from whatever frames the
	// bitmap allocator still considers free (the domain's PML4 frame was
	// already drawn above and so is excluded), the same adapter boot.Init
	// uses in production, rather than a raw range that could overlap
	// frames something else already owns.
	buddyAlloc := buddy.NewFromSource(allocator.AllocFrame)

	d := &Dispatcher{
		Scheduler:  s,
		Registry:   ipc.NewRegistry(),
		Buddy:      buddyAlloc,
		AllocFrame: func() (pmm.Frame, *errors.Error) { return buddyAlloc.Alloc(0) },
		FreeFrame:  allocator.FreeFrame,
	}
	return d, caller
}

func TestAllocateAndFreeMemoryRoundTrip(t *testing.T) {
	d, caller := newTestDispatcher(t)

	result := d.Dispatch(caller, OpAllocateMemory, Args{0: 0})
	if result < 0 {
		t.Fatalf("expected a successful allocation; got error code %d", -result)
	}

	freeResult := d.Dispatch(caller, OpFreeMemory, Args{0: uint64(result)})
	if freeResult != 0 {
		t.Fatalf("expected free to succeed; got %d", freeResult)
	}
}

func TestMapMemoryAndSetProtection(t *testing.T) {
	d, caller := newTestDispatcher(t)

	frame, err := d.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uint64(0x500000)
	mapResult := d.Dispatch(caller, OpMapMemory, Args{0: vaddr, 1: uint64(frame.Address()), 2: uint64(vmm.FlagRW)})
	if mapResult != 0 {
		t.Fatalf("expected map to succeed; got %d", mapResult)
	}

	protResult := d.Dispatch(caller, OpSetProtection, Args{0: vaddr, 1: uint64(vmm.FlagNoExecute)})
	if protResult != 0 {
		t.Fatalf("expected set_protection to succeed; got %d", protResult)
	}

	physAddr, terr := caller.Domain.Translate(uintptr(vaddr))
	if terr != nil {
		t.Fatal(terr)
	}
	if physAddr != frame.Address() {
		t.Fatalf("set_protection must not relocate the backing frame; expected %x got %x", frame.Address(), physAddr)
	}
}

func TestConduitCreateOpenSendReceive(t *testing.T) {
	d, caller := newTestDispatcher(t)

	createResult := d.CreateConduit(caller, "x", 256)
	if createResult < 0 {
		t.Fatalf("expected conduit creation to succeed; got error code %d", -createResult)
	}

	c, openResult := d.OpenConduit("x")
	if openResult < 0 {
		t.Fatalf("expected conduit open to succeed; got error code %d", -openResult)
	}

	sendResult := d.Send(caller, c, []byte("hello"), ipc.NonBlocking)
	if sendResult != 5 {
		t.Fatalf("expected 5 bytes sent; got %d", sendResult)
	}

	buf := make([]byte, 16)
	recvResult := d.Receive(caller, c, buf, ipc.NonBlocking)
	if recvResult != 5 {
		t.Fatalf("expected 5 bytes received; got %d", recvResult)
	}
	if string(buf[:recvResult]) != "hello" {
		t.Fatalf("expected %q; got %q", "hello", buf[:recvResult])
	}
}

func TestTerminateOpcodeDropsDomainReferences(t *testing.T) {
	d, caller := newTestDispatcher(t)

	spawnResult := d.Dispatch(caller, OpSpawn, Args{0: 0x2000, 1: uint64(sched.PriorityNormal), 2: uint64(sched.AffinityAny)})
	if spawnResult < 0 {
		t.Fatalf("expected spawn to succeed; got error code %d", -spawnResult)
	}

	// Child and caller share one domain; terminating both still leaves
	// the creator's own reference, so the domain must stay live.
	if result := d.Dispatch(caller, OpTerminate, Args{0: uint64(spawnResult)}); result != 0 {
		t.Fatalf("expected terminating the child to succeed; got %d", result)
	}
	if result := d.Dispatch(caller, OpTerminate, Args{0: uint64(caller.ID)}); result != 0 {
		t.Fatalf("expected terminating the caller to succeed; got %d", result)
	}
	if live := d.Scheduler.Domains.Live(); live != 1 {
		t.Fatalf("expected the domain to survive on the creator's reference; got %d live", live)
	}

	if err := d.Scheduler.Domains.Release(caller.Domain, d.FreeFrame); err != nil {
		t.Fatal(err)
	}
	if live := d.Scheduler.Domains.Live(); live != 0 {
		t.Fatalf("expected the domain destroyed after the last drop; got %d live", live)
	}
}

func TestDispatchReturnsNegativeErrorCodeOnUnknownOpcode(t *testing.T) {
	d, caller := newTestDispatcher(t)

	result := d.Dispatch(caller, Opcode(999), Args{})
	if result >= 0 {
		t.Fatalf("expected a negative error code for an unknown opcode; got %d", result)
	}
	if result != -int64(errors.InvalidArgument) {
		t.Fatalf("expected InvalidArgument; got code %d", -result)
	}
}

func TestQueryTimeUsesInjectedClock(t *testing.T) {
	d, caller := newTestDispatcher(t)
	fixed := time.Unix(1234, 0)
	d.now = func() time.Time { return fixed }

	result := d.Dispatch(caller, OpQueryTime, Args{})
	if result != fixed.UnixNano() {
		t.Fatalf("expected %d; got %d", fixed.UnixNano(), result)
	}
}
