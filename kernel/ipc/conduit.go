// Package ipc implements Continuum's message-passing IPC: named, bounded,
// many-to-many byte-oriented channels ("conduits") with blocking and
// non-blocking send/receive, select and broadcast.
// A conduit is a ring buffer of raw bytes plus a wait queue
// of blocked readers and one of blocked writers; sending and receiving
// block by recording intent, enqueueing the calling execution context on
// the relevant wait queue and handing it to the scheduler's Block/Unblock
// primitives, then retrying once on wake.
package ipc

import (
	"sync"
	"time"

	"continuum/kernel/config"
	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
	"continuum/kernel/sched"
)

// State is a conduit's lifecycle state.
type State uint32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flags modify Send/Receive behavior.
type Flags uint32

// NonBlocking requests that Send/Receive return WouldBlock instead of
// blocking the caller when the operation cannot complete immediately.
const NonBlocking Flags = 1 << 0

// Stats accumulates per-conduit traffic counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// waiter is one blocked context's slot on a conduit's reader or writer
// wait queue. wake is closed or signalled exactly once, by whichever of
// wakeReader/wakeWriter/wakeAll removes the waiter from its queue.
type waiter struct {
	ctx  *sched.Context
	need uint32 // writers only: header+payload size that must fit to proceed
	wake chan struct{}
}

// Scheduler is the subset of *sched.Scheduler conduits need to block and
// wake blocked contexts. Conduits depend on the scheduler, never the
// reverse.
type Scheduler interface {
	Block(ctx *sched.Context, reason sched.BlockReason) *errors.Error
	Unblock(ctx *sched.Context)
	Yield(ctx *sched.Context)
}

// Conduit is one named, bounded IPC channel.
type Conduit struct {
	mu sync.Mutex

	ID   uint64
	Name string

	state      State
	ring       *ring
	maxMsgSize uint32

	readers []*waiter
	writers []*waiter

	ownerID  sched.ID
	refCount int32

	Stats Stats
}

// State returns the conduit's current lifecycle state.
func (c *Conduit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MaxMessageSize returns capacity/4, the largest payload Send will accept.
func (c *Conduit) MaxMessageSize() uint32 {
	return c.maxMsgSize
}

func (c *Conduit) peekHeader() (header, bool) {
	if c.ring == nil || c.ring.used < uint32(config.HeaderSize) {
		return header{}, false
	}
	return decodeHeader(c.ring.peekBytes(0, uint32(config.HeaderSize))), true
}

func (c *Conduit) writeMessage(hdr header, payload []byte) {
	c.ring.writeBytes(hdr.encode())
	c.ring.writeBytes(payload)
}

func (c *Conduit) trySend(senderID sched.ID, payload []byte, flags Flags) (int, *errors.Error) {
	needed := uint32(config.HeaderSize) + uint32(len(payload))
	if c.ring.free() < needed {
		return 0, errWouldBlock
	}

	hdr := header{SenderID: uint64(senderID), Size: uint32(len(payload)), Timestamp: nowNano(), Flags: uint32(flags)}
	c.writeMessage(hdr, payload)
	c.Stats.MessagesSent++
	c.Stats.BytesSent += uint64(len(payload))
	return len(payload), nil
}

func (c *Conduit) tryReceive(buf []byte) (int, sched.ID, *errors.Error) {
	hdr, ok := c.peekHeader()
	if !ok {
		return 0, 0, errWouldBlock
	}
	if hdr.Size > uint32(len(buf)) {
		return 0, 0, errMessageTooLarge
	}

	payload := c.ring.peekBytes(uint32(config.HeaderSize), hdr.Size)
	c.ring.consume(uint32(config.HeaderSize) + hdr.Size)

	n := copy(buf, payload)
	c.Stats.MessagesReceived++
	c.Stats.BytesReceived += uint64(n)
	return n, sched.ID(hdr.SenderID), nil
}

// Send writes payload to the conduit, blocking the caller on the writer
// wait queue if there isn't room and flags doesn't request NonBlocking. A
// nil caller is treated as an implicit non-blocking call (there is no
// context to block) — this is how Broadcast sends without a scheduled
// context of its own.
func (c *Conduit) Send(scheduler Scheduler, caller *sched.Context, payload []byte, flags Flags) (int, *errors.Error) {
	if len(payload) == 0 {
		return 0, errInvalidArgument
	}
	if uint32(len(payload)) > c.maxMsgSize {
		return 0, errMessageTooLarge
	}

	var senderID sched.ID
	if caller != nil {
		senderID = caller.ID
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return 0, errBrokenPipe
	}

	n, err := c.trySend(senderID, payload, flags)
	if err == nil {
		c.wakeReader()
		c.mu.Unlock()
		return n, nil
	}

	if flags&NonBlocking != 0 || caller == nil || scheduler == nil {
		c.mu.Unlock()
		return 0, errWouldBlock
	}

	w := &waiter{ctx: caller, need: uint32(config.HeaderSize) + uint32(len(payload)), wake: make(chan struct{}, 1)}
	c.writers = append(c.writers, w)
	caller.EnterWaitQueue(c)
	_ = scheduler.Block(caller, sched.BlockReasonConduit)
	c.mu.Unlock()

	<-w.wake
	caller.LeaveWaitQueue()
	scheduler.Unblock(caller)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || caller.State() == sched.StateTerminated {
		return 0, errBrokenPipe
	}
	n, err = c.trySend(senderID, payload, flags)
	if err != nil {
		return 0, errWouldBlock
	}
	c.wakeReader()
	return n, nil
}

// Receive reads the oldest queued message into buf, blocking the caller on
// the reader wait queue if the conduit is empty and flags doesn't request
// NonBlocking. It returns the payload length and the sending context's id.
func (c *Conduit) Receive(scheduler Scheduler, caller *sched.Context, buf []byte, flags Flags) (int, sched.ID, *errors.Error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return 0, 0, errBrokenPipe
	}

	n, sender, err := c.tryReceive(buf)
	if err == nil {
		c.wakeWriter()
		c.mu.Unlock()
		return n, sender, nil
	}
	if err == errMessageTooLarge {
		c.mu.Unlock()
		return 0, 0, err
	}

	if flags&NonBlocking != 0 || caller == nil || scheduler == nil {
		c.mu.Unlock()
		return 0, 0, errWouldBlock
	}

	w := &waiter{ctx: caller, wake: make(chan struct{}, 1)}
	c.readers = append(c.readers, w)
	caller.EnterWaitQueue(c)
	_ = scheduler.Block(caller, sched.BlockReasonConduit)
	c.mu.Unlock()

	<-w.wake
	caller.LeaveWaitQueue()
	scheduler.Unblock(caller)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || caller.State() == sched.StateTerminated {
		return 0, 0, errBrokenPipe
	}
	n, sender, err = c.tryReceive(buf)
	if err != nil {
		if err == errMessageTooLarge {
			return 0, 0, err
		}
		return 0, 0, errWouldBlock
	}
	c.wakeWriter()
	return n, sender, nil
}

// Peek copies the oldest queued message's payload into buf without
// consuming it. It returns 0 if no complete message is queued.
func (c *Conduit) Peek(buf []byte) (int, *errors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return 0, errBrokenPipe
	}

	hdr, ok := c.peekHeader()
	if !ok {
		return 0, nil
	}
	if hdr.Size > uint32(len(buf)) {
		return 0, errMessageTooLarge
	}

	payload := c.ring.peekBytes(uint32(config.HeaderSize), hdr.Size)
	return copy(buf, payload), nil
}

// wakeReader pops and signals the oldest blocked reader, if any.
func (c *Conduit) wakeReader() {
	if len(c.readers) == 0 {
		return
	}
	w := c.readers[0]
	c.readers = c.readers[1:]
	signal(w.wake)
}

// wakeWriter signals the oldest blocked writer only if the conduit now has
// enough free space for its pending send: the writer queue stays non-empty
// only while the ring has less free space than the oldest writer's
// requested size, so a valid wake always finds room on retry.
func (c *Conduit) wakeWriter() {
	if len(c.writers) == 0 {
		return
	}
	w := c.writers[0]
	if c.ring.free() < w.need {
		return
	}
	c.writers = c.writers[1:]
	signal(w.wake)
}

// wakeAll drains both wait queues, signalling every waiter so that a
// Send/Receive blocked on this conduit wakes up and observes the
// transition away from StateOpen as BrokenPipe.
func (c *Conduit) wakeAll() {
	for _, w := range c.readers {
		signal(w.wake)
	}
	c.readers = nil
	for _, w := range c.writers {
		signal(w.wake)
	}
	c.writers = nil
}

// RemoveWaiter drops ctx from both wait queues. Scheduler.Terminate calls
// it — through the sched.WaitQueue interface, since the dependency runs
// conduits-to-scheduler, never the reverse — so a terminating context is
// off the queue before it is freed. Each removed waiter's parked call is
// signalled so it can observe the termination and return BrokenPipe
// instead of staying parked forever.
func (c *Conduit) RemoveWaiter(ctx *sched.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers = removeWaiter(c.readers, ctx)
	c.writers = removeWaiter(c.writers, ctx)
}

func removeWaiter(list []*waiter, ctx *sched.Context) []*waiter {
	out := list[:0]
	for _, w := range list {
		if w.ctx == ctx {
			signal(w.wake)
			continue
		}
		out = append(out, w)
	}
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// nowNano is the single indirection point for the header timestamp,
// mirroring kernel/sched's now() seam.
var nowNano = func() int64 {
	return time.Now().UnixNano()
}

func logConduitEvent(format string, args ...interface{}) {
	early.Printf(format, args...)
}
