package sched

import "continuum/kernel/sync"

// readyQueues holds the five global, per-priority FIFO ready queues that
// feed every CPU. A single lock guards all of them together, matching the
// scheduler-global lock ordering ("scheduler global -> per-CPU") the rest
// of the core follows.
type readyQueues struct {
	mu    sync.Spinlock
	lanes [numPriorities][]*Context
}

func newReadyQueues() *readyQueues {
	return &readyQueues{}
}

// enqueue appends ctx to the tail of its priority class's queue and marks it
// Ready. Callers must not already hold the context in any other queue.
func (q *readyQueues) enqueue(ctx *Context) {
	q.mu.Acquire()
	defer q.mu.Release()
	ctx.setState(StateReady)
	q.lanes[ctx.Priority] = append(q.lanes[ctx.Priority], ctx)
}

// dequeueHead pops and returns the head of the given priority's queue, or
// nil if empty.
func (q *readyQueues) dequeueHead(p Priority) *Context {
	q.mu.Acquire()
	defer q.mu.Release()
	lane := q.lanes[p]
	if len(lane) == 0 {
		return nil
	}
	ctx := lane[0]
	q.lanes[p] = lane[1:]
	return ctx
}

// requeueTail re-appends ctx to the tail of its own priority's queue,
// without touching its state - used when a dequeued head's affinity does
// not admit the scanning CPU.
func (q *readyQueues) requeueTail(ctx *Context) {
	q.mu.Acquire()
	defer q.mu.Release()
	q.lanes[ctx.Priority] = append(q.lanes[ctx.Priority], ctx)
}

// remove deletes ctx from whichever queue it is in, if present. Used when
// terminating or blocking a context that is still sitting Ready.
func (q *readyQueues) remove(ctx *Context) bool {
	q.mu.Acquire()
	defer q.mu.Release()
	lane := q.lanes[ctx.Priority]
	for i, c := range lane {
		if c == ctx {
			q.lanes[ctx.Priority] = append(lane[:i], lane[i+1:]...)
			return true
		}
	}
	return false
}

// lengths returns the current count of contexts in each priority lane, used
// by tests and diagnostics.
func (q *readyQueues) lengths() [numPriorities]int {
	q.mu.Acquire()
	defer q.mu.Release()
	var out [numPriorities]int
	for i, lane := range q.lanes {
		out[i] = len(lane)
	}
	return out
}
