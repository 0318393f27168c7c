// Package config centralizes the tunables that the core's subsystems would
// otherwise scatter as magic numbers: default timeslices, allocator limits,
// load-balance thresholds and wait-queue sizing. Each value here is named
// at its call site rather than reappearing as a bare literal.
package config

import (
	"time"

	"continuum/kernel/mem"
)

// Timeslice holds the default quantum per priority class, indexed by the
// integer value of sched.Priority (Idle=0 .. Realtime=4). It is declared
// here rather than keyed by sched.Priority to keep this package a leaf with
// no dependency on the scheduler it configures.
var Timeslice = [5]time.Duration{
	0: 20 * time.Millisecond, // Idle
	1: 15 * time.Millisecond, // Low
	2: 10 * time.Millisecond, // Normal
	3: 6 * time.Millisecond,  // High
	4: 4 * time.Millisecond,  // Realtime
}

// MaxOrder is the largest buddy block order the physical memory manager
// will hand out, re-exported from kernel/mem so callers outside mem can
// reference it without importing mem directly for a single constant.
const MaxOrder = mem.MaxOrder

// LoadBalanceThreshold is the minimum gap (percent-scaled, 0-100) between
// the most- and least-loaded CPUs' smoothed load figures that triggers a
// migration.
const LoadBalanceThreshold = 50

// LoadSmoothingShift controls the exponential smoothing applied to a CPU's
// load figure on every tick: newLoad = old - old>>shift + sample>>shift.
const LoadSmoothingShift = 3

// DefaultWaitQueueCapacity is a nominal wait-queue bound. No code in the core
// consults it: conduit reader and writer queues grow without limit and never
// report NoResources.
const DefaultWaitQueueCapacity = 256

// DefaultConduitCapacity is the ring size used when a caller does not pick
// an explicit capacity.
const DefaultConduitCapacity = 4096

// MaxConduitNameLength bounds a conduit's registered name.
const MaxConduitNameLength = 64

// MaxConduits bounds the registry's slot array.
const MaxConduits = 256

// HeaderSize is the serialized size of a conduit message header (sender id,
// payload length, timestamp, flags), matching kernel/ipc's wire layout.
const HeaderSize = 24
