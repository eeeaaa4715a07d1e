package kerr

import (
	"errors"
	"testing"
)

func TestWrapPreservesErrorsIsMatch(t *testing.T) {
	err := Wrap(ErrOutOfMemory, "buddy: order 10 arena exhausted")
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("errors.Is(wrapped, ErrOutOfMemory) = false, want true")
	}
	if errors.Is(err, ErrCorruption) {
		t.Fatalf("errors.Is(wrapped, ErrCorruption) = true, want false")
	}
}

func TestWrapErrorStringIncludesContextAndSentinel(t *testing.T) {
	err := Wrap(ErrDoubleFree, "kfree: block 0xdeadbeef")
	want := "kfree: block 0xdeadbeef: kernel: double free detected"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
