package kernel

import (
	"testing"

	"continuum/kernel/errors"
)

func TestPanic(t *testing.T) {
	defer func() { haltFn = func() { select {} } }()

	t.Run("with error", func(t *testing.T) {
		var haltCalled bool
		haltFn = func() { haltCalled = true }

		Panic(errors.New("test", errors.InvalidArgument, "panic test"))

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		var haltCalled bool
		haltFn = func() { haltCalled = true }

		Panic(nil)

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
	})

	t.Run("with string message", func(t *testing.T) {
		var haltCalled bool
		haltFn = func() { haltCalled = true }

		Panic("boom")

		if !haltCalled {
			t.Fatal("expected haltFn to be called by Panic")
		}
		if errRuntimePanic.Message != "boom" {
			t.Fatalf("expected errRuntimePanic.Message to be %q; got %q", "boom", errRuntimePanic.Message)
		}
	})
}
