package kernel

import (
	"continuum/kernel/errors"
	"continuum/kernel/kfmt/early"
)

var (
	// haltFn is invoked once Panic has finished reporting the failure. It is
	// swapped out by tests and, in a multi-CPU build, would fan out to every
	// other running CPU context; the host build has nothing to halt but its
	// own goroutine, so the default implementation simply blocks forever.
	haltFn = func() {
		select {}
	}

	errRuntimePanic = errors.New("rt", errors.InvalidArgument, "unknown cause")
)

// Panic reports the supplied error (if any) and then halts. Calls to Panic
// never return. It is the kernel-wide equivalent of a fatal error: anything
// that reaches Panic is a violated invariant, not a recoverable condition.
func Panic(e interface{}) {
	var err *errors.Error

	switch t := e.(type) {
	case *errors.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltFn()
}
