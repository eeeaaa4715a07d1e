package percpu

import "testing"

func TestArrayGetIsIndependentPerCore(t *testing.T) {
	var a Array[int]
	*a.Get(0) = 10
	*a.Get(1) = 20

	if got := *a.Get(0); got != 10 {
		t.Fatalf("core 0 slot = %d, want 10", got)
	}
	if got := *a.Get(1); got != 20 {
		t.Fatalf("core 1 slot = %d, want 20", got)
	}
}

func TestCurrentCoreIDDefaultsToZeroWithoutHook(t *testing.T) {
	SetCoreIDHook(nil)
	if got := CurrentCoreID(); got != 0 {
		t.Fatalf("CurrentCoreID() = %d, want 0 with no hook installed", got)
	}
}

func TestSetCoreIDHookDrivesCurrentCoreID(t *testing.T) {
	SetCoreIDHook(func() int { return 3 })
	defer SetCoreIDHook(nil)

	if got := CurrentCoreID(); got != 3 {
		t.Fatalf("CurrentCoreID() = %d, want 3", got)
	}
}
