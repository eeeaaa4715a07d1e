package irq

import "testing"

func TestSaveAndDisableRestoreAreNoOpsWithoutHooks(t *testing.T) {
	hook.save, hook.restore = nil, nil
	f := SaveAndDisable()
	if f != 0 {
		t.Fatalf("SaveAndDisable() = %#x, want 0 with no hooks installed", f)
	}
	Restore(f) // must not panic
}

func TestSetHooksDrivesSaveAndRestore(t *testing.T) {
	var savedCalls, restoredWith int
	SetHooks(
		func() Flags { savedCalls++; return Flags(0x200) },
		func(f Flags) { restoredWith = int(f) },
	)
	defer SetHooks(nil, nil)

	f := SaveAndDisable()
	if f != Flags(0x200) {
		t.Fatalf("SaveAndDisable() = %#x, want 0x200", f)
	}
	if savedCalls != 1 {
		t.Fatalf("save hook called %d times, want 1", savedCalls)
	}

	Restore(f)
	if restoredWith != 0x200 {
		t.Fatalf("restore hook got %#x, want 0x200", restoredWith)
	}
}
