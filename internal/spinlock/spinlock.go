// Package spinlock implements the three lock kinds the core relies on,
// grounded directly on original_source/kernel/include/kernel/spinlock.h:
// a test-and-set spinlock, a reader-writer spinlock packed into one
// word, and a FIFO ticket spinlock. The test-and-set Spinlock also has
// an IRQ-save variant (LockIRQSave/UnlockIRQRestore), because a lock
// reachable from both thread context and an interrupt handler
// deadlocks the core the moment a nested IRQ tries to take it without
// first masking interrupts — see internal/irq. The reader-writer and
// ticket locks have no IRQ-save variant.
package spinlock

import (
	"runtime"

	"kernelcore/internal/arch"
	"kernelcore/internal/atomic"
	"kernelcore/internal/irq"
)

// Spinlock is a test-and-set spinlock. Zero value is unlocked.
type Spinlock struct {
	word uint32
}

// Lock busy-waits until the lock is acquired. Mirrors spinlock_lock:
// exchange 1 in; while the prior value was non-zero, spin on a plain
// load (cheaper than retrying the locked XCHG every iteration) with a
// CPU-hint pause between polls. arch.Pause gives the real PAUSE
// hint spinlock_lock's inner loop relies on; runtime.Gosched alongside
// it is what actually lets a contending goroutine make progress on a
// hosted test build, where there is no other core to pause for.
func (s *Spinlock) Lock() {
	for {
		if atomic.Xchg32(&s.word, 1) == 0 {
			return
		}
		for atomic.Load32(&s.word) != 0 {
			arch.Pause()
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire without blocking, returning whether it
// succeeded. Mirrors spinlock_trylock.
func (s *Spinlock) TryLock() bool {
	return atomic.Xchg32(&s.word, 1) == 0
}

// Unlock releases the lock. Mirrors spinlock_unlock: store 0 after a
// full barrier (Store32 here goes through XCHG, which is itself a
// full fence on amd64).
func (s *Spinlock) Unlock() {
	atomic.Store32(&s.word, 0)
}

// LockIRQSave saves and disables local interrupts, then acquires the
// lock, returning the flags UnlockIRQRestore must be paired with. This is the
// variant required for any lock also taken from interrupt context;
// see the package doc and spec §4.1's rationale.
func (s *Spinlock) LockIRQSave() irq.Flags {
	f := irq.SaveAndDisable()
	s.Lock()
	return f
}

// UnlockIRQRestore releases the lock and restores interrupts to the
// state captured by the matching LockIRQSave.
func (s *Spinlock) UnlockIRQRestore(f irq.Flags) {
	s.Unlock()
	irq.Restore(f)
}

// RWSpinlock packs writer-held and reader-count into one word: bit 31
// is the writer-held flag, bits 30..0 are the reader count. Mirrors
// the rwlock design in spinlock.h.
type RWSpinlock struct {
	word uint32
}

const rwWriterBit = uint32(1) << 31
const rwReaderMask = rwWriterBit - 1

// RLock waits while a writer holds the lock, then atomically
// increments the reader count. Overflow into the writer bit is
// detected and the attempt retried rather than allowed to corrupt the
// writer flag.
func (rw *RWSpinlock) RLock() {
	for {
		cur := atomic.Load32(&rw.word)
		if cur&rwWriterBit != 0 {
			arch.Pause()
			runtime.Gosched()
			continue
		}
		if cur&rwReaderMask == rwReaderMask {
			// Reader count would overflow into the writer bit; retry.
			arch.Pause()
			runtime.Gosched()
			continue
		}
		if atomic.Cas32(&rw.word, cur, cur+1) {
			return
		}
	}
}

// RUnlock atomically decrements the reader count.
func (rw *RWSpinlock) RUnlock() {
	for {
		cur := atomic.Load32(&rw.word)
		if atomic.Cas32(&rw.word, cur, cur-1) {
			return
		}
	}
}

// Lock waits for zero readers and no writer, then CASes the writer bit
// in.
func (rw *RWSpinlock) Lock() {
	for {
		if atomic.Cas32(&rw.word, 0, rwWriterBit) {
			return
		}
		arch.Pause()
		runtime.Gosched()
	}
}

// Unlock clears the writer bit.
func (rw *RWSpinlock) Unlock() {
	atomic.Store32(&rw.word, 0)
}

// TicketSpinlock provides FIFO fairness under contention via a pair of
// counters, mirroring the ticket_spinlock design in spinlock.h.
type TicketSpinlock struct {
	next    uint32
	serving uint32
}

// Lock fetch-adds next to draw a ticket, then spins until serving
// reaches that ticket.
func (t *TicketSpinlock) Lock() {
	ticket := atomic.Xadd32(&t.next, 1) - 1
	for atomic.Load32(&t.serving) != ticket {
		arch.Pause()
		runtime.Gosched()
	}
}

// Unlock advances serving, admitting the next ticket holder.
func (t *TicketSpinlock) Unlock() {
	atomic.Xadd32(&t.serving, 1)
}

// AcquireOrdered locks a and b in address order to avoid AB/BA
// deadlock when two cores acquire the same pair of locks in opposite
// program order, per spec §5's ordering rule.
func AcquireOrdered(a, b *Spinlock) {
	if uintptrOf(a) < uintptrOf(b) {
		a.Lock()
		b.Lock()
		return
	}
	b.Lock()
	a.Lock()
}

// ReleaseOrdered releases a pair acquired by AcquireOrdered. Order of
// release does not affect correctness, but releasing in the reverse
// acquisition order is conventional.
func ReleaseOrdered(a, b *Spinlock) {
	a.Unlock()
	b.Unlock()
}
