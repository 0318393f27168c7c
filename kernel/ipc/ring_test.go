package ipc

import "testing"

func TestRingWriteAndPeekRoundTrips(t *testing.T) {
	r := newRing(16)
	r.writeBytes([]byte("hello"))

	if got := r.free(); got != 11 {
		t.Fatalf("expected 11 bytes free; got %d", got)
	}

	got := r.peekBytes(0, 5)
	if string(got) != "hello" {
		t.Fatalf("expected %q; got %q", "hello", got)
	}
	if r.used != 5 {
		t.Fatalf("peek must not consume; used=%d", r.used)
	}
}

func TestRingWrapsAcrossEnd(t *testing.T) {
	r := newRing(8)
	r.writeBytes([]byte("ABCDEF")) // used=6, tail=6
	r.consume(4)                   // head=4, used=2 ("EF" remain)
	r.writeBytes([]byte("GHIJ"))   // tail wraps: 8-6=2 bytes at [6:8], 2 at [0:2]

	got := r.peekBytes(0, 6)
	if string(got) != "EFGHIJ" {
		t.Fatalf("expected wrapped read %q; got %q", "EFGHIJ", got)
	}
}

func TestRingConsumeAdvancesHead(t *testing.T) {
	r := newRing(8)
	r.writeBytes([]byte("abcd"))
	r.consume(2)

	if r.used != 2 {
		t.Fatalf("expected 2 bytes used after consuming 2 of 4; got %d", r.used)
	}
	if got := r.peekBytes(0, 2); string(got) != "cd" {
		t.Fatalf("expected remaining bytes %q; got %q", "cd", got)
	}
}
