// Package kheap implements the general-purpose kernel heap —
// Kalloc/Kfree — grounded on
// original_source/kernel/arch/x86_64/memory/pmm.c's kmalloc/kfree:
// requests at or under kconfig.MaxSlabSize route to internal/slab
// with the bare requested size (slab_alloc_size takes size, not a
// header-inflated total), larger ones go straight to internal/buddy
// carrying a magic-number header and trailer redzone so Kfree can
// detect corruption and double frees before touching the buddy
// allocator. kmalloc never adds header/footer overhead to a
// slab-routed allocation either — slab-backed frees are recognized
// purely by internal/slab's own pointer-containment test
// (slab.Manager.Free), mirroring how kfree calls slab_find_containing
// before ever assuming a kalloc-style header is present.
//
// pmm.c protects its allocation and free paths with two separate
// locks (kmalloc_lock, kfree_lock) rather than one, since the two
// paths touch disjoint cache/arena state most of the time; Manager
// keeps that same split.
package kheap

import (
	"errors"
	"unsafe"

	"kernelcore/internal/buddy"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/kerr"
	"kernelcore/internal/slab"
	"kernelcore/internal/spinlock"
)

const (
	allocMagic  = uint32(0xA110C000)
	freedMagic  = uint32(0xFEEEDEAD)
	footerMagic = uint32(0xC0FFEE00)
)

// header precedes every pointer Kalloc hands out on the buddy-backed
// path only; slab-backed allocations carry no header at all.
type header struct {
	magic uint32
	size  uint64
	order uint8
}

var headerSize = uintptr(unsafe.Sizeof(header{}))

const footerSize = uintptr(unsafe.Sizeof(uint32(0)))

// Manager is the kernel heap: Kalloc/Kfree plus the raw page-level
// AllocPage/FreePage pass-through spec §4.4 names directly.
type Manager struct {
	slabs *slab.Manager
	buddy *buddy.Allocator

	allocLock spinlock.Spinlock
	freeLock  spinlock.Spinlock
}

// NewManager builds a heap over the given slab and buddy allocators.
func NewManager(slabs *slab.Manager, alloc *buddy.Allocator) *Manager {
	return &Manager{slabs: slabs, buddy: alloc}
}

// Kalloc returns size usable bytes of zero-initialized-by-neither-
// allocator kernel memory (original_source does not zero on alloc
// either; callers that need zeroed memory zero it themselves).
//
// The slab-vs-buddy decision, and the slab size-class lookup, are
// both made against the bare requested size, matching slab_alloc_
// size(size) in the original — only the buddy path inflates its
// request with header/footer overhead, since that's the only path
// that carries a kalloc header at all. A slab-sized request the slab
// layer cannot satisfy falls through to the buddy path.
func (m *Manager) Kalloc(size uint32) (unsafe.Pointer, error) {
	flags := m.allocLock.LockIRQSave()
	defer m.allocLock.UnlockIRQRestore(flags)

	if size <= kconfig.MaxSlabSize {
		if ptr, err := m.slabs.Alloc(size); err == nil {
			return ptr, nil
		}
	}

	total := uint64(headerSize) + uint64(size) + uint64(footerSize)
	pages := (total + kconfig.PageSize - 1) / kconfig.PageSize
	order := orderForPages(pages)
	phys, err := m.buddy.AllocOrder(order)
	if err != nil {
		return nil, err
	}
	raw := m.buddy.PhysToVirt(phys)

	hdr := (*header)(raw)
	hdr.magic = allocMagic
	hdr.size = uint64(size)
	hdr.order = order

	userPtr := unsafe.Pointer(uintptr(raw) + headerSize)
	footer := (*uint32)(unsafe.Pointer(uintptr(userPtr) + uintptr(size)))
	*footer = footerMagic

	return userPtr, nil
}

// Kfree releases memory previously returned by Kalloc. It first tries
// ptr as a slab object via slab.Manager.Free's own pointer-
// containment test (slab_find_containing in the original) rather
// than assuming a kalloc header is present; only once that test
// rejects ptr as not belonging to any live slab does Kfree fall back
// to the buddy-backed, header-framed path, mirroring kfree's own
// "check slab_find_containing first" structure. A live slab object
// that refuses the free outright (double free) is reported as-is,
// never silently retried against the buddy path.
//
// On the buddy path, Kfree rejects a pointer whose header magic is
// neither allocMagic nor freedMagic (kerr.ErrCorruption, meaning the
// header was overwritten or this was never a Kalloc pointer) or whose
// footer was overwritten by a buffer overrun (kerr.ErrCorruption), and
// rejects a pointer already freed (kerr.ErrDoubleFree) without
// touching the underlying allocator.
func (m *Manager) Kfree(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	flags := m.freeLock.LockIRQSave()
	defer m.freeLock.UnlockIRQRestore(flags)

	if err := m.slabs.Free(ptr); err == nil {
		return nil
	} else if !errors.Is(err, kerr.ErrInvalidArgument) {
		return err
	}

	raw := unsafe.Pointer(uintptr(ptr) - headerSize)
	hdr := (*header)(raw)

	switch hdr.magic {
	case allocMagic:
	case freedMagic:
		return kerr.ErrDoubleFree
	default:
		return kerr.ErrCorruption
	}

	footer := (*uint32)(unsafe.Pointer(uintptr(ptr) + uintptr(hdr.size)))
	if *footer != footerMagic {
		return kerr.ErrCorruption
	}

	order := hdr.order
	hdr.magic = freedMagic

	phys := m.buddy.VirtToPhys(raw)
	return m.buddy.FreeOrder(phys, order)
}

// AllocPage bypasses the slab layer entirely for callers (page-table
// construction, memory descriptors) that need a bare page, mirroring
// pmm_alloc_page.
func (m *Manager) AllocPage() (uint64, error) {
	flags := m.allocLock.LockIRQSave()
	defer m.allocLock.UnlockIRQRestore(flags)
	return m.buddy.AllocPage()
}

// FreePage mirrors pmm_free_page.
func (m *Manager) FreePage(phys uint64) error {
	flags := m.freeLock.LockIRQSave()
	defer m.freeLock.UnlockIRQRestore(flags)
	return m.buddy.FreePage(phys)
}

func orderForPages(pages uint64) uint8 {
	order := uint8(0)
	for (uint64(1) << order) < pages {
		order++
	}
	return order
}
