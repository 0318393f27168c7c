package ipc

import (
	"strings"
	"sync"

	"continuum/kernel/config"
	"continuum/kernel/errors"
	"continuum/kernel/sched"
)

// Registry is the single, global table of live conduits. The lock ordering
// for any operation that touches both the
// registry and a conduit instance is fixed: the registry's lock is acquired
// first, never the other way around, which is why Close takes the
// registry lock before touching the conduit and never calls back into the
// registry while holding a Conduit's own lock.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Conduit
	nextID uint64
}

// NewRegistry returns an empty conduit registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Conduit)}
}

// Create registers a new conduit under name, owned by ownerID. capacity is
// rounded up to config.DefaultConduitCapacity when zero. A conduit's
// maximum single-message size is fixed at capacity/4; because every message
// also carries a header, fewer than four maximum-size messages fit at once.
func (r *Registry) Create(name string, capacity uint32, ownerID sched.ID) (*Conduit, *errors.Error) {
	if name == "" || len(name) > config.MaxConduitNameLength {
		return nil, errInvalidArgument
	}
	if capacity == 0 {
		capacity = config.DefaultConduitCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, errAlreadyExists
	}
	if len(r.byName) >= config.MaxConduits {
		return nil, errNoResources
	}

	r.nextID++
	c := &Conduit{
		ID:         r.nextID,
		Name:       name,
		state:      StateOpen,
		ring:       newRing(capacity),
		maxMsgSize: capacity / 4,
		ownerID:    ownerID,
		refCount:   1,
	}
	r.byName[name] = c
	logConduitEvent("ipc: created conduit %s (id=%d, capacity=%d)\n", name, c.ID, capacity)
	return c, nil
}

// Open looks up an existing conduit by name and increments its reference
// count. Every successful Open must be matched with a Close.
func (r *Registry) Open(name string) (*Conduit, *errors.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byName[name]
	if !ok {
		return nil, errUnknownConduit
	}

	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
	return c, nil
}

// Close drops one reference to c. When the last reference is dropped the
// conduit transitions Open -> Closing -> Closed, every blocked waiter is
// woken with BrokenPipe, and the conduit is removed from the registry.
func (r *Registry) Close(c *Conduit) *errors.Error {
	if c == nil {
		return errInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	c.refCount--
	remaining := c.refCount
	c.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	c.mu.Lock()
	c.state = StateClosing
	c.wakeAll()
	c.state = StateClosed
	c.ring = nil
	c.mu.Unlock()

	delete(r.byName, c.Name)
	logConduitEvent("ipc: closed conduit %s (id=%d)\n", c.Name, c.ID)
	return nil
}

// Lookup returns the conduit registered under name without affecting its
// reference count, for callers (Select, Broadcast) that already hold a
// reference through some other path.
func (r *Registry) Lookup(name string) (*Conduit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

// Broadcast sends payload, non-blocking, to every open conduit whose name
// contains substr. It returns the names of conduits the message was
// actually delivered to; conduits that were full are skipped rather than
// causing the whole broadcast to fail. Fan-out is best-effort, not
// all-or-nothing.
func (r *Registry) Broadcast(senderID sched.ID, substr string, payload []byte) []string {
	r.mu.Lock()
	targets := make([]*Conduit, 0, len(r.byName))
	for _, c := range r.byName {
		if strings.Contains(c.Name, substr) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	delivered := make([]string, 0, len(targets))
	for _, c := range targets {
		c.mu.Lock()
		if c.state != StateOpen {
			c.mu.Unlock()
			continue
		}
		if _, err := c.trySend(senderID, payload, NonBlocking); err == nil {
			c.wakeReader()
			delivered = append(delivered, c.Name)
		}
		c.mu.Unlock()
	}
	return delivered
}
