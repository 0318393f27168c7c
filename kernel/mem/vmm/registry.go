package vmm

import (
	"sync"

	"continuum/kernel/errors"
)

var errUnknownDomain = errors.New("vmm", errors.InvalidArgument, "domain is not registered")

// Registry tracks how many owners (execution contexts, chiefly) currently
// reference each live Domain. A domain is destroyed when its last
// reference drops; the last-drop path runs under the registry lock so a
// concurrent Retain cannot resurrect a domain whose count already reached
// zero. Lock order is registry before domain: Release calls Destroy,
// which takes d.mu, while still holding r.mu.
type Registry struct {
	mu     sync.Mutex
	counts map[*Domain]int32
}

// NewRegistry returns an empty domain registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[*Domain]int32)}
}

// Create allocates a fresh domain via allocFn and registers it with one
// reference, held by the creator. Every Create must eventually be matched
// by a Release.
func (r *Registry) Create(allocFn FrameAllocatorFn) (*Domain, *errors.Error) {
	d, err := NewDomain(allocFn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.counts[d] = 1
	r.mu.Unlock()
	return d, nil
}

// Retain adds one reference to d. A domain created outside Create (early
// bring-up, tests) is adopted on its first Retain.
func (r *Registry) Retain(d *Domain) {
	r.mu.Lock()
	r.counts[d]++
	r.mu.Unlock()
}

// Release drops one reference to d. When the count reaches zero the
// domain is torn down via Destroy, returning every frame it owns through
// freeFn, and forgotten by the registry.
func (r *Registry) Release(d *Domain, freeFn FrameFreeFn) *errors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[d]
	if !ok {
		return errUnknownDomain
	}

	count--
	if count > 0 {
		r.counts[d] = count
		return nil
	}

	delete(r.counts, d)
	return d.Destroy(freeFn)
}

// Live returns the number of domains currently registered.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}
