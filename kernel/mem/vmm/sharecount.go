package vmm

import (
	"sync"

	"continuum/kernel/mem/pmm"
)

// shareCounts tracks the total number of Domains currently holding a
// mapping to a frame shared via copy-on-write, keyed by frame. A frame
// absent from this map has exactly one owner, the common case: the
// reference count is implicit (1) except for shared-COW frames, which
// carry an explicit count here. Fork records the new
// total the first time a frame is shared; HandleCOWFault and Destroy
// consult and decrement it to decide whether the underlying frame can be
// returned to the allocator.
var (
	shareMu     sync.Mutex
	shareCounts = map[pmm.Frame]int32{}
)

// markShared registers one additional Domain as an owner of frame.
func markShared(frame pmm.Frame) {
	shareMu.Lock()
	defer shareMu.Unlock()

	total, ok := shareCounts[frame]
	if !ok {
		total = 1
	}
	shareCounts[frame] = total + 1
}

// dropShare removes one owner of frame (the caller). It reports whether
// the frame is still referenced by another owner after the drop; when it
// returns false, the caller was the last owner and must return the frame
// to the allocator.
func dropShare(frame pmm.Frame) bool {
	shareMu.Lock()
	defer shareMu.Unlock()

	total, ok := shareCounts[frame]
	if !ok {
		total = 1
	}

	remaining := total - 1
	if remaining <= 0 {
		delete(shareCounts, frame)
		return false
	}
	if remaining == 1 {
		delete(shareCounts, frame)
		return true
	}
	shareCounts[frame] = remaining
	return true
}
