// Package sched implements Continuum's preemptive, multi-priority
// scheduler: per-CPU run state, a global priority ready queue feeding every
// CPU, blocking/waking, timeslice-driven preemption and load balancing.
package sched

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"continuum/kernel/config"
	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
	"continuum/kernel/mem/vmm"
	"continuum/kernel/sync"
)

const errModule = "sched"

// Scheduler owns the global ready queues, every known Context, and the
// per-CPU run state array. Exactly one Scheduler exists per kernel.
type Scheduler struct {
	numCPU int
	cpus   []PerCPU
	ready  *readyQueues

	idle *Context

	mu       sync.Spinlock
	contexts map[ID]*Context
	nextID   ID

	// Domains, when set, owns the lifecycle of every domain contexts run
	// in: Spawn retains the domain for the new context and Terminate
	// releases it, destroying the domain once the last context drops it.
	// FreeFrame receives the frames of a domain destroyed on last drop.
	Domains   *vmm.Registry
	FreeFrame vmm.FrameFreeFn

	// sem bounds how many per-CPU dispatch goroutines may run their
	// selection/tick logic at once during Run, simulating contention over
	// a shared dispatch resource (e.g. a scheduler IPI) on hardware with
	// more logical CPUs than real dispatch slots.
	sem *semaphore.Weighted
}

// New creates a Scheduler for numCPU logical CPUs. maxConcurrentDispatch
// bounds the number of per-CPU dispatch goroutines Run drives concurrently;
// pass numCPU for no artificial bound.
func New(numCPU int, maxConcurrentDispatch int64) *Scheduler {
	s := &Scheduler{
		numCPU:   numCPU,
		cpus:     make([]PerCPU, numCPU),
		ready:    newReadyQueues(),
		contexts: make(map[ID]*Context),
		sem:      semaphore.NewWeighted(maxConcurrentDispatch),
	}
	s.idle = &Context{
		ID:       0,
		Name:     "idle",
		Priority: PriorityIdle,
		Affinity: AffinityAny,
	}
	s.idle.setState(StateReady)
	s.contexts[s.idle.ID] = s.idle
	s.nextID = 1
	for i := range s.cpus {
		s.cpus[i].current = s.idle
	}
	return s
}

// NumCPU returns the number of logical CPUs the scheduler was built for.
func (s *Scheduler) NumCPU() int { return s.numCPU }

// CPU returns the per-CPU run state for the given CPU id.
func (s *Scheduler) CPU(cpuID int) *PerCPU { return &s.cpus[cpuID] }

// Spawn creates a new context attached to domain, ready to run starting at
// entryPoint, and enqueues it on its priority's ready queue.
func (s *Scheduler) Spawn(domain *vmm.Domain, entryPoint uintptr, name string, priority Priority, affinity Affinity) (*Context, *errors.Error) {
	if domain == nil {
		return nil, errors.New(errModule, errors.InvalidArgument, "spawn requires a non-nil address-space domain")
	}
	if priority < PriorityIdle || priority > PriorityRealtime {
		return nil, errors.New(errModule, errors.InvalidArgument, "unknown priority class")
	}

	s.mu.Acquire()
	id := s.nextID
	s.nextID++
	s.mu.Release()

	ctx := &Context{
		ID:         id,
		Name:       name,
		Priority:   priority,
		Affinity:   affinity,
		Domain:     domain,
		EntryPoint: entryPoint,
		Stats:      Stats{CreatedAt: now()},
	}
	ctx.setState(StateCreated)

	s.mu.Acquire()
	s.contexts[id] = ctx
	s.mu.Release()

	if s.Domains != nil {
		s.Domains.Retain(domain)
	}

	s.ready.enqueue(ctx)
	early.Printf("sched: spawned %s pri=%d\n", name, int(priority))
	return ctx, nil
}

// Terminate marks ctx Terminated, removes it from every queue it may be
// sitting in — ready queues, per-CPU slots and whatever conduit wait
// queue it is blocked on — and drops it from the context table. With a
// domain registry wired, the context's domain reference is released too,
// destroying the domain once the last context drops it.
func (s *Scheduler) Terminate(id ID) *errors.Error {
	s.mu.Acquire()
	ctx, ok := s.contexts[id]
	if ok {
		delete(s.contexts, id)
	}
	s.mu.Release()
	if !ok {
		return errors.New(errModule, errors.InvalidArgument, "unknown context id")
	}

	s.ready.remove(ctx)
	ctx.setState(StateTerminated)

	for i := range s.cpus {
		cpu := &s.cpus[i]
		cpu.mu.Lock()
		if cpu.current == ctx {
			cpu.current = nil
		}
		if cpu.next == ctx {
			cpu.next = nil
		}
		cpu.mu.Unlock()
	}

	// Terminated state is already visible, so a waiter woken by the
	// removal observes it and bails out instead of retrying.
	if q := ctx.waitingOn(); q != nil {
		q.RemoveWaiter(ctx)
		ctx.LeaveWaitQueue()
	}

	if s.Domains != nil && ctx.Domain != nil {
		if err := s.Domains.Release(ctx.Domain, s.FreeFrame); err != nil {
			return err
		}
	}
	return nil
}

// Block transitions ctx to Blocked, removing it from its ready queue and
// recording why. Blocking a context that is not Ready/Running is a
// programming error reported as InvalidArgument.
func (s *Scheduler) Block(ctx *Context, reason BlockReason) *errors.Error {
	switch ctx.State() {
	case StateReady:
		s.ready.remove(ctx)
	case StateRunning:
		// fine, the caller's own CPU is blocking it
	default:
		return errors.New(errModule, errors.InvalidArgument, "cannot block a context that is not ready or running")
	}
	ctx.blockReason = reason
	ctx.setState(StateBlocked)
	return nil
}

// Unblock transitions ctx from Blocked to Ready and enqueues it. Unblocking
// a context that is not Blocked is a no-op.
func (s *Scheduler) Unblock(ctx *Context) {
	if ctx.State() != StateBlocked {
		return
	}
	ctx.blockReason = BlockReasonNone
	s.ready.enqueue(ctx)
}

// Yield sets ctx Ready and re-enqueues it at the tail of its class;
// equal-priority contexts round-robin via repeated yields.
func (s *Scheduler) Yield(ctx *Context) {
	if ctx == s.idle {
		return
	}
	s.ready.enqueue(ctx)
}

// Select runs the scheduler's core dispatch algorithm for cpuID: take a
// pinned migration target if set, otherwise scan priority classes from
// Realtime down to Low for a context whose affinity admits this CPU,
// falling back to the idle context. It performs the context switch
// (updates per_cpu[cpuID].current, accounting, and the active
// address-space domain) and returns the newly running context.
func (s *Scheduler) Select(cpuID int) *Context {
	cpu := &s.cpus[cpuID]

	if pinned := cpu.takeNext(); pinned != nil && pinned.IsRunnable() {
		return s.switchTo(cpuID, pinned)
	}

	for p := PriorityRealtime; p >= PriorityLow; p-- {
		lengths := s.ready.lengths()
		attempts := lengths[p]
		for attempts > 0 {
			ctx := s.ready.dequeueHead(p)
			if ctx == nil {
				break
			}
			if ctx.Affinity.Allows(cpuID) {
				return s.switchTo(cpuID, ctx)
			}
			s.ready.requeueTail(ctx)
			attempts--
		}
	}

	return s.switchTo(cpuID, s.idle)
}

func (s *Scheduler) switchTo(cpuID int, ctx *Context) *Context {
	cpu := &s.cpus[cpuID]

	cpu.mu.Lock()
	prev := cpu.current
	cpu.current = ctx
	cpu.lastSwitch = now()
	cpu.mu.Unlock()

	if prev != nil && prev != ctx && prev.State() == StateRunning {
		s.ready.enqueue(prev)
	}

	ctx.setState(StateRunning)
	ctx.Stats.ContextSwitches++
	ctx.sliceRemaining = config.Timeslice[ctx.Priority]

	if ctx.Domain != nil {
		vmm.SetActiveDomain(ctx.Domain)
	}
	return ctx
}

// Tick drives timer-tick-based preemption for cpuID: updates the smoothed
// load figure, decrements the current context's remaining slice, and if it
// has expired, reschedules. Returns the (possibly unchanged) current
// context after the tick.
func (s *Scheduler) Tick(cpuID int, elapsed time.Duration) *Context {
	cpu := &s.cpus[cpuID]

	cpu.mu.Lock()
	cpu.tickCount++
	sample := 0
	if cpu.current != nil && cpu.current != s.idle {
		sample = 100
	}
	cpu.load = cpu.load - (cpu.load >> config.LoadSmoothingShift) + (sample >> config.LoadSmoothingShift)
	current := cpu.current
	cpu.mu.Unlock()

	if current == nil {
		return s.Select(cpuID)
	}

	current.sliceRemaining -= elapsed
	current.Stats.CPUTime += elapsed

	if current.Priority == PriorityRealtime && !current.Deadline.IsZero() && now().After(current.Deadline) {
		current.Stats.MissedDeadlines++
		current.Deadline = time.Time{}
	}

	if current.sliceRemaining > 0 {
		return current
	}

	if current.State() == StateRunning && current != s.idle {
		return s.Select(cpuID)
	}
	return current
}

// LoadBalance compares smoothed load across every CPU; if the spread
// between the busiest and idlest exceeds config.LoadBalanceThreshold and
// the busiest CPU's current context may run anywhere, it is pinned as the
// idlest CPU's next selection.
func (s *Scheduler) LoadBalance() {
	if s.numCPU < 2 {
		return
	}

	maxCPU, minCPU := 0, 0
	maxLoad, minLoad := s.cpus[0].Load(), s.cpus[0].Load()
	for i := 1; i < s.numCPU; i++ {
		l := s.cpus[i].Load()
		if l > maxLoad {
			maxLoad, maxCPU = l, i
		}
		if l < minLoad {
			minLoad, minCPU = l, i
		}
	}

	if maxLoad-minLoad <= config.LoadBalanceThreshold {
		return
	}

	busy := &s.cpus[maxCPU]
	busy.mu.Lock()
	victim := busy.current
	busy.mu.Unlock()

	if victim == nil || victim == s.idle || victim.Affinity != AffinityAny {
		return
	}

	s.cpus[minCPU].setNext(victim)
	early.Printf("sched: migrating %s from cpu %d to cpu %d\n", victim.Name, maxCPU, minCPU)
}

// Run drives every CPU's dispatch loop until ctx is cancelled, then returns
// nil; the dispatch loops report no errors of their own.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.numCPU; i++ {
		cpuID := i
		g.Go(func() error {
			return s.dispatchLoop(gctx, cpuID)
		})
	}
	return g.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context, cpuID int) error {
	ticker := time.NewTicker(defaultTimeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			s.Tick(cpuID, defaultTimeslice)
			s.sem.Release(1)
		}
	}
}

// now is the single indirection point for wall-clock reads so tests can
// keep determinism in mind; it intentionally has no mockable seam beyond
// that, since the scheduler only ever needs relative deltas.
func now() time.Time {
	return time.Now()
}
