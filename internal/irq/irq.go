// Package irq isolates the one place RFLAGS is saved and restored
// around a critical section, matching int_flags/save_and_disable_
// interrupts/restore_interrupts in original_source's spinlock.h.
//
// Every lock in internal/spinlock that can be taken from both thread
// context and interrupt context goes through SaveAndDisable/Restore
// rather than touching CPU flags itself, so there is exactly one
// audit point for "does this path mask interrupts correctly".
package irq

// Flags captures the interrupt-enable state of RFLAGS at the point
// SaveAndDisable was called, opaque to callers besides passing it back
// to Restore.
type Flags uint64

// hook holds the real save/disable and restore primitives, installed
// at boot through SetHooks. While they are nil (host-side tests, or
// before boot installs them) SaveAndDisable and Restore do nothing.
var hook struct {
	save    func() Flags
	restore func(Flags)
}

// SaveAndDisable saves the current interrupt-enable state and masks
// local interrupts. Must always be paired with Restore using the
// returned Flags.
func SaveAndDisable() Flags {
	if hook.save != nil {
		return hook.save()
	}
	return 0
}

// Restore reinstates the interrupt-enable state captured by a prior
// SaveAndDisable call on the same core.
func Restore(f Flags) {
	if hook.restore != nil {
		hook.restore(f)
	}
}

// SetHooks installs the architecture-specific save/restore pair. Called
// once during boot by the arch-init sequence; host tests leave the
// hooks nil, which makes SaveAndDisable/Restore no-ops so locks still
// compose correctly in single-goroutine unit tests.
func SetHooks(save func() Flags, restore func(Flags)) {
	hook.save = save
	hook.restore = restore
}
