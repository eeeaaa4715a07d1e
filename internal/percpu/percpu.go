// Package percpu implements the per-CPU data arrays the scheduler and
// task placement rely on, grounded on the DEFINE_PER_CPU macro family
// in original_source (tasks.h/scheduler.c/task_manager.c) and on the
// teacher's internal/cpu package for the "no runtime feature probing
// in a freestanding build" posture.
//
// Go has no preprocessor, so where the original expands
// DEFINE_PER_CPU(type, name) into a fixed-size array plus accessor
// macros, this package is a single generic Array[T] used once per
// per-CPU variable, matching the fixed-array choice spec §9 calls out
// (as opposed to one descriptor block per core reached through a
// register).
package percpu

import "kernelcore/internal/kconfig"

// Array is a fixed-size, core-indexed table. It performs no locking:
// callers choose whether a given per-CPU variable is only ever
// accessed by its own core (no lock needed) or requires one, exactly
// as the original's per-CPU arrays are themselves unguarded and rely
// on their callers' locks (e.g. runqueue_lock protects cpu_runqueue).
type Array[T any] struct {
	slots [kconfig.MaxCores]T
}

// Get returns a pointer to core id's slot so callers can read or
// mutate in place without a copy, matching this_core_read/
// this_core_write's by-reference semantics.
func (a *Array[T]) Get(core int) *T {
	return &a.slots[core]
}

// coreID is the current core's identifier, installed once by the
// boot-time per-CPU bring-up sequence (see internal/arch). Reading it
// on the host test build without installing a hook returns 0, which
// is the correct behaviour for single-core host tests.
var coreID func() int

// SetCoreIDHook installs the architecture-specific "read this core's
// id from its per-CPU register" function, mirroring get_current_
// core_id's %gs:0 read in original_source/kernel/arch/x86_64/smp/smp.c.
func SetCoreIDHook(f func() int) {
	coreID = f
}

// CurrentCoreID returns the id of the core executing this call.
func CurrentCoreID() int {
	if coreID == nil {
		return 0
	}
	return coreID()
}
