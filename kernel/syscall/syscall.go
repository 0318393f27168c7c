// Package syscall implements the core's external system-request
// interface: a narrow, opcode-plus-eight-uint64-parameters ABI that the
// surrounding kernel (boot collaborator, drivers, foreign-OS ABI
// translators) uses to reach the memory, scheduling and IPC subsystems
// without depending on their Go types directly. Modeled on the
// kernel/kmain.Kmain wiring pattern of calling each subsystem in turn and
// propagating the first error, and on kernel/gate's table of numbered,
// dispatched entry points (kernel/gate/gate_amd64.go), reworked here as a
// single flat opcode switch rather than an interrupt vector.
package syscall

import (
	"time"

	"continuum/kernel/errors"
	"continuum/kernel/ipc"
	"continuum/kernel/mem"
	"continuum/kernel/mem/buddy"
	"continuum/kernel/mem/pmm"
	"continuum/kernel/mem/vmm"
	"continuum/kernel/sched"
)

// Opcode identifies one system request.
type Opcode uint32

const (
	OpAllocateMemory Opcode = iota
	OpFreeMemory
	OpMapMemory
	OpSetProtection
	OpConduitCreate
	OpConduitOpen
	OpSend
	OpReceive
	OpSpawn
	OpTerminate
	OpYield
	OpSleep
	OpQueryTime
	OpRequestCapability
	OpDropCapability
)

// Args is the fixed eight-parameter argument block every request carries:
// a numeric opcode plus up to eight 64-bit parameters.
type Args [8]uint64

// Dispatcher routes numbered requests to the subsystems that implement
// them. Every exported field may be wired independently so embedding code
// (tests foremost) can exercise one subsystem's opcodes without standing
// up the rest.
type Dispatcher struct {
	Scheduler *sched.Scheduler
	Registry  *ipc.Registry
	Buddy     *buddy.Allocator

	// AllocFrame/FreeFrame back vmm mapping operations; they are
	// typically the same frame source wired into Buddy's backing range.
	AllocFrame vmm.FrameAllocatorFn
	FreeFrame  vmm.FrameFreeFn

	// now is a seam for deterministic OpQueryTime tests.
	now func() time.Time
}

func (d *Dispatcher) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

// errResult converts a *errors.Error into the negative result value the
// ABI uses to signal failure; codes start at 1 so every failure is
// strictly negative.
func errResult(err *errors.Error) int64 {
	return -int64(err.Code)
}

// Dispatch executes one system request on behalf of caller (nil for
// requests, like OpQueryTime, that need no calling context) and returns
// its signed result: non-negative on success, -Code on failure.
func (d *Dispatcher) Dispatch(caller *sched.Context, op Opcode, args Args) int64 {
	switch op {
	case OpAllocateMemory:
		return d.allocateMemory(args)
	case OpFreeMemory:
		return d.freeMemory(args)
	case OpMapMemory:
		return d.mapMemory(caller, args)
	case OpSetProtection:
		return d.setProtection(caller, args)
	case OpConduitCreate:
		return d.conduitCreate(caller, args)
	case OpConduitOpen:
		return d.conduitOpen(args)
	case OpSend:
		return d.send(caller, args)
	case OpReceive:
		return d.receive(caller, args)
	case OpSpawn:
		return d.spawn(caller, args)
	case OpTerminate:
		return d.terminate(args)
	case OpYield:
		return d.yield(caller)
	case OpSleep:
		return d.sleep(caller, args)
	case OpQueryTime:
		return d.clock().UnixNano()
	case OpRequestCapability, OpDropCapability:
		return errResult(errors.New("syscall", errors.NotImplemented, "capability requests are not implemented by this core"))
	default:
		return errResult(errors.New("syscall", errors.InvalidArgument, "unrecognized opcode"))
	}
}

// allocateMemory: args[0] = buddy order. Returns the physical base address
// of the allocated run.
func (d *Dispatcher) allocateMemory(args Args) int64 {
	frame, err := d.Buddy.Alloc(mem.PageOrder(args[0]))
	if err != nil {
		return errResult(err)
	}
	return int64(frame.Address())
}

// freeMemory: args[0] = physical address previously returned by
// allocateMemory.
func (d *Dispatcher) freeMemory(args Args) int64 {
	frame := pmm.FrameFromAddress(uintptr(args[0]))
	if err := d.Buddy.Free(frame); err != nil {
		return errResult(err)
	}
	return 0
}

// mapMemory: args = {vaddr, paddr, flags}. Maps paddr into the caller's
// domain at vaddr with the given page-table entry flags.
func (d *Dispatcher) mapMemory(caller *sched.Context, args Args) int64 {
	if caller == nil || caller.Domain == nil {
		return errResult(errors.New("syscall", errors.InvalidArgument, "map_memory requires a caller with an address-space domain"))
	}
	page := vmm.PageFromAddress(uintptr(args[0]))
	frame := pmm.FrameFromAddress(uintptr(args[1]))
	flags := vmm.PageTableEntryFlag(args[2])
	if err := caller.Domain.Map(page, frame, flags, d.AllocFrame); err != nil {
		return errResult(err)
	}
	return 0
}

// setProtection: args = {vaddr, flags}. Rewrites the permission flags of
// an existing mapping without relocating its frame.
func (d *Dispatcher) setProtection(caller *sched.Context, args Args) int64 {
	if caller == nil || caller.Domain == nil {
		return errResult(errors.New("syscall", errors.InvalidArgument, "set_protection requires a caller with an address-space domain"))
	}
	page := vmm.PageFromAddress(uintptr(args[0]))
	flags := vmm.PageTableEntryFlag(args[1])
	if err := caller.Domain.SetFlags(page, flags); err != nil {
		return errResult(err)
	}
	return 0
}

// conduitCreate ignores its args and always reports NotImplemented: an 8x
// uint64 ABI has nowhere to carry the conduit name, so conduits are created
// through CreateConduit below, which takes the name as a Go string.
func (d *Dispatcher) conduitCreate(caller *sched.Context, args Args) int64 {
	return errResult(errors.New("syscall", errors.NotImplemented, "use CreateConduit; conduit names do not fit the fixed-width opcode ABI"))
}

// CreateConduit is the out-of-band counterpart to OpConduitCreate for
// embedders that can pass a Go string directly instead of marshaling a
// name through the opcode ABI's uint64 parameters.
func (d *Dispatcher) CreateConduit(caller *sched.Context, name string, capacity uint32) int64 {
	var owner sched.ID
	if caller != nil {
		owner = caller.ID
	}
	c, err := d.Registry.Create(name, capacity, owner)
	if err != nil {
		return errResult(err)
	}
	return int64(c.ID)
}

// OpenConduit is CreateConduit's counterpart for OpConduitOpen.
func (d *Dispatcher) OpenConduit(name string) (*ipc.Conduit, int64) {
	c, err := d.Registry.Open(name)
	if err != nil {
		return nil, errResult(err)
	}
	return c, int64(c.ID)
}

func (d *Dispatcher) conduitOpen(args Args) int64 {
	return errResult(errors.New("syscall", errors.NotImplemented, "use OpenConduit; conduit names do not fit the fixed-width opcode ABI"))
}

func (d *Dispatcher) send(caller *sched.Context, args Args) int64 {
	return errResult(errors.New("syscall", errors.NotImplemented, "use Send; payloads do not fit the fixed-width opcode ABI"))
}

// Send is OpSend's out-of-band counterpart: caller's payload is a real
// []byte rather than packed uint64 parameters.
func (d *Dispatcher) Send(caller *sched.Context, c *ipc.Conduit, payload []byte, flags ipc.Flags) int64 {
	n, err := c.Send(d.Scheduler, caller, payload, flags)
	if err != nil {
		return errResult(err)
	}
	return int64(n)
}

func (d *Dispatcher) receive(caller *sched.Context, args Args) int64 {
	return errResult(errors.New("syscall", errors.NotImplemented, "use Receive; buffers do not fit the fixed-width opcode ABI"))
}

// Receive is OpReceive's out-of-band counterpart.
func (d *Dispatcher) Receive(caller *sched.Context, c *ipc.Conduit, buf []byte, flags ipc.Flags) int64 {
	n, _, err := c.Receive(d.Scheduler, caller, buf, flags)
	if err != nil {
		return errResult(err)
	}
	return int64(n)
}

// spawn: args = {entryPoint, priority, affinity}. The new context's
// domain is the caller's own — spawning a context in a foreign domain is
// not exposed through this opcode.
func (d *Dispatcher) spawn(caller *sched.Context, args Args) int64 {
	if caller == nil || caller.Domain == nil {
		return errResult(errors.New("syscall", errors.InvalidArgument, "spawn requires a caller with an address-space domain"))
	}
	ctx, err := d.Scheduler.Spawn(caller.Domain, uintptr(args[0]), "", sched.Priority(args[1]), sched.Affinity(args[2]))
	if err != nil {
		return errResult(err)
	}
	ctx.ParentID = caller.ID
	caller.Children = append(caller.Children, ctx.ID)
	return int64(ctx.ID)
}

func (d *Dispatcher) terminate(args Args) int64 {
	if err := d.Scheduler.Terminate(sched.ID(args[0])); err != nil {
		return errResult(err)
	}
	return 0
}

func (d *Dispatcher) yield(caller *sched.Context) int64 {
	if caller == nil {
		return errResult(errors.New("syscall", errors.InvalidArgument, "yield requires a calling context"))
	}
	d.Scheduler.Yield(caller)
	return 0
}

// sleep: args[0] = nanoseconds to block for, modeled as Block(Sleep)
// followed by an Unblock once the duration elapses; a real core would
// instead arm a timer and unblock from the interrupt handler.
func (d *Dispatcher) sleep(caller *sched.Context, args Args) int64 {
	if caller == nil {
		return errResult(errors.New("syscall", errors.InvalidArgument, "sleep requires a calling context"))
	}
	if err := d.Scheduler.Block(caller, sched.BlockReasonSleep); err != nil {
		return errResult(err)
	}
	go func(duration time.Duration) {
		time.Sleep(duration)
		d.Scheduler.Unblock(caller)
	}(time.Duration(args[0]))
	return 0
}
