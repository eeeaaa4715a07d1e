package spinlock

import "unsafe"

// uintptrOf gives AcquireOrdered a stable total order over lock
// addresses without exposing unsafe.Pointer plumbing to callers.
func uintptrOf(s *Spinlock) uintptr {
	return uintptr(unsafe.Pointer(s))
}
