package sched

import (
	"sync"
	"time"

	"golang.org/x/sys/cpu"
)

// PerCPU holds the per-CPU run state: the context currently executing, an
// optional migration target set by the load balancer, and the smoothed
// load figure fed by every timer tick. Instances live in a fixed array
// indexed by CPU id; cpu.CacheLinePad keeps neighbouring CPUs' entries from
// sharing a cache line and false-sharing under concurrent ticks, mirroring
// what a real SMP kernel does for per-CPU run queues.
type PerCPU struct {
	mu sync.Mutex

	current  *Context
	next     *Context
	lastSwitch time.Time
	tickCount  uint64
	load       int // exponentially smoothed, 0-100

	_ cpu.CacheLinePad
}

// Current returns the context the CPU is presently running, or nil before
// the first selection.
func (p *PerCPU) Current() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Load returns the CPU's smoothed load figure in [0,100].
func (p *PerCPU) Load() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load
}

// setNext pins a migration target: the next selection on this CPU takes it
// unconditionally instead of scanning the priority queues.
func (p *PerCPU) setNext(ctx *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = ctx
}

// takeNext clears and returns the pinned migration target, if any.
func (p *PerCPU) takeNext() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := p.next
	p.next = nil
	return ctx
}
