// Package atomic provides the word-sized atomic primitives the kernel
// core builds its spinlocks on: load/store with barrier semantics,
// add/sub/inc/dec with and without the new value, exchange,
// compare-and-swap, and single-bit set/clear returning the prior bit.
// There is no single-bit complement (change) primitive.
//
// Declared the way the teacher's internal/runtime/atomic/atomic_arm64.go
// declares its primitives: plain Go signatures with no body, backed by
// hand-written assembly (atomic_amd64.s here, LDAXR/STLXR there), since
// neither target has a stdlib that exposes these shapes directly and
// sync/atomic assumes a hosted runtime the freestanding kernel doesn't
// have. original_source/kernel/include/kernel/atomic.h is the semantic
// reference: every function here corresponds 1:1 to one of its
// static inline wrappers around a locked asm instruction; its bit
// change wrapper has no counterpart here.
package atomic

//go:noescape
func Xadd32(ptr *uint32, delta int32) uint32

//go:noescape
func Xadd64(ptr *uint64, delta int64) uint64

//go:noescape
func Load32(ptr *uint32) uint32

//go:noescape
func Load64(ptr *uint64) uint64

//go:noescape
func Store32(ptr *uint32, val uint32)

//go:noescape
func Store64(ptr *uint64, val uint64)

//go:noescape
func Xchg32(ptr *uint32, new uint32) uint32

//go:noescape
func Xchg64(ptr *uint64, new uint64) uint64

//go:noescape
func Cas32(ptr *uint32, old, new uint32) bool

//go:noescape
func Cas64(ptr *uint64, old, new uint64) bool

// TestAndSetBit atomically sets bit and returns whether it was already
// set, mirroring atomic_test_and_set_bit.
//
//go:noescape
func TestAndSetBit(addr *uint64, bit uint) bool

// TestAndClearBit atomically clears bit and returns whether it was set,
// mirroring atomic_test_and_clear_bit.
//
//go:noescape
func TestAndClearBit(addr *uint64, bit uint) bool

// Add32 is Xadd32 discarding the returned new value, mirroring atomic_add.
func Add32(ptr *uint32, delta int32) { Xadd32(ptr, delta) }

// Inc32 atomically increments *ptr and returns the new value, mirroring
// atomic_inc_return.
func Inc32(ptr *uint32) uint32 { return Xadd32(ptr, 1) }

// Dec32 atomically decrements *ptr and returns the new value, mirroring
// atomic_dec_return.
func Dec32(ptr *uint32) uint32 { return Xadd32(ptr, -1) }
