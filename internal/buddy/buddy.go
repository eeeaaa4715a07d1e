// Package buddy implements the per-arena power-of-two physical frame
// allocator, grounded directly on
// original_source/kernel/arch/x86_64/memory/buddy_allocator.c: one
// Arena per usable boot memory-map region, a free list per order
// whose nodes live inside the free memory they describe (translated
// through the high-half direct map), and the classic split-on-alloc /
// XOR-merge-on-free algorithm.
//
// Unlike the slab and heap layers, Allocator takes no lock of its own:
// original_source only ever reaches buddy_alloc_pages/buddy_free_pages
// through pmm.c's kmalloc_lock/kfree_lock, or from single-threaded
// boot init, and this package preserves that division of
// responsibility — callers (internal/kheap) serialize access.
package buddy

import (
	"unsafe"

	"kernelcore/internal/bootinfo"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/kerr"
	"kernelcore/internal/klog"
)

// freeBlock is the node shape written into free physical memory
// itself (via its HHDM-mapped virtual address), mirroring struct
// free_block. Storing phys and order alongside next is redundant with
// context the caller already has, but keeping it matches the
// original 1:1 and is what Dump/Summary below walk.
type freeBlock struct {
	next  *freeBlock
	phys  uint64
	order uint8
}

// Arena is one buddy instance over a contiguous physical range.
type Arena struct {
	Base     uint64
	Length   uint64
	MaxOrder uint8

	freeList [kconfig.MaxOrder + 1]*freeBlock
}

// Allocator owns every arena and the HHDM translation they share.
type Allocator struct {
	hhdmOffset uint64
	arenas     []*Arena
}

// NewAllocator constructs an allocator translating physical addresses
// through the given HHDM offset (virt = phys + offset).
func NewAllocator(hhdmOffset uint64) *Allocator {
	return &Allocator{hhdmOffset: hhdmOffset}
}

func (a *Allocator) physToVirt(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys + a.hhdmOffset))
}

// PhysToVirt is the HHDM translation exported for internal/slab and
// internal/kheap, which need to dereference an allocated block's
// backing pages right after AllocOrder returns its physical address.
func (a *Allocator) PhysToVirt(phys uint64) unsafe.Pointer {
	return a.physToVirt(phys)
}

// VirtToPhys is the inverse of the HHDM translation; exported because
// internal/kheap needs it on the free path to recover the physical
// address of a heap header living in kernel virtual memory.
func (a *Allocator) VirtToPhys(virt unsafe.Pointer) uint64 {
	return uint64(uintptr(virt)) - a.hhdmOffset
}

// Arenas returns the arenas in the order they were added, for
// diagnostics and tests.
func (a *Allocator) Arenas() []*Arena {
	return a.arenas
}

// AddArena registers one arena over [base, base+length), rounding base
// up and length down to page boundaries the way add_buddy_arena does,
// then populates its free lists. It does not apply the VGA-hole skip
// policy — that lives in AddArenasFromMemoryMap, which is the only
// caller that walks boot-supplied region indices.
func (a *Allocator) AddArena(base, length uint64) (*Arena, error) {
	alignedBase := (base + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1)
	end := base + length
	if alignedBase >= end {
		return nil, kerr.Wrap(kerr.ErrInvalidArgument, "buddy: arena too small after alignment")
	}
	alignedLen := end - alignedBase
	if alignedLen < kconfig.PageSize {
		return nil, kerr.Wrap(kerr.ErrInvalidArgument, "buddy: arena shorter than one page")
	}

	var maxOrder uint8
	for (uint64(1)<<(maxOrder+1))*kconfig.PageSize <= alignedLen {
		maxOrder++
	}
	if maxOrder > kconfig.MaxOrder {
		maxOrder = kconfig.MaxOrder
	}

	arena := &Arena{Base: alignedBase, Length: alignedLen, MaxOrder: maxOrder}
	a.populate(arena)
	a.arenas = append(a.arenas, arena)
	return arena, nil
}

// AddArenasFromMemoryMap walks the boot memory map in order, turning
// every usable region into an arena, and reproduces the original's
// quirk of unconditionally skipping the first usable region: some
// firmware (observed under QEMU+Limine/UEFI) reports the legacy VGA
// hole as usable, and a real access into it page-faults. This is a
// policy choice carried from original_source's add_buddy_arena
// (`if (arena_idx == 0) { ...; return 0; }`), not a rule about memory
// layout in general — see DESIGN.md.
func (a *Allocator) AddArenasFromMemoryMap(regions []bootinfo.MemoryRegion) {
	arenaIdx := 0
	for _, r := range regions {
		if r.Type != bootinfo.RegionUsable {
			continue
		}
		if arenaIdx == 0 {
			arenaIdx++
			continue
		}
		arenaIdx++
		if _, err := a.AddArena(r.Base, r.Length); err != nil {
			klog.Warn("buddy: skipping unusable region: " + err.Error())
		}
	}
}

// populate walks the arena left-to-right; at each position it picks
// the largest order that both fits the remaining span and is
// naturally aligned to its own block size (alignment is checked
// against the absolute physical address, exactly as
// populate_buddy_blocks does — this is what makes the XOR-buddy
// merge in free() correct later).
func (a *Allocator) populate(arena *Arena) {
	pos := arena.Base
	end := arena.Base + arena.Length

	for pos < end {
		remaining := end - pos
		bestOrder := -1
		for order := int(arena.MaxOrder); order >= 0; order-- {
			blockSize := (uint64(1) << uint(order)) * kconfig.PageSize
			if blockSize > remaining {
				continue
			}
			if pos&(blockSize-1) == 0 {
				bestOrder = order
				break
			}
		}
		if bestOrder < 0 {
			pos = (pos + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1)
			continue
		}

		blockSize := (uint64(1) << uint(bestOrder)) * kconfig.PageSize
		a.linkFree(arena, uint8(bestOrder), pos)
		pos += blockSize
	}
}

func (a *Allocator) linkFree(arena *Arena, order uint8, phys uint64) {
	block := (*freeBlock)(a.physToVirt(phys))
	block.order = order
	block.phys = phys
	block.next = arena.freeList[order]
	arena.freeList[order] = block
}

// AllocOrder returns the base physical address of a free 2^order-page
// block, splitting a larger block if no exact-order block is free.
// Mirrors buddy_alloc_pages.
func (a *Allocator) AllocOrder(order uint8) (uint64, error) {
	if order > kconfig.MaxOrder {
		return 0, kerr.Wrap(kerr.ErrInvalidArgument, "buddy: order exceeds maximum")
	}

	for _, arena := range a.arenas {
		if order > arena.MaxOrder {
			continue
		}
		if block := arena.freeList[order]; block != nil {
			arena.freeList[order] = block.next
			return block.phys, nil
		}

		for j := int(order) + 1; j <= int(arena.MaxOrder); j++ {
			block := arena.freeList[j]
			if block == nil {
				continue
			}
			arena.freeList[j] = block.next

			addr := block.phys
			for k := j - 1; k >= int(order); k-- {
				buddySize := (uint64(1) << uint(k)) * kconfig.PageSize
				buddyAddr := addr + buddySize
				a.linkFree(arena, uint8(k), buddyAddr)
			}
			return addr, nil
		}
	}
	return 0, kerr.ErrOutOfMemory
}

// AllocPage is AllocOrder(0), mirroring buddy_alloc_page.
func (a *Allocator) AllocPage() (uint64, error) {
	return a.AllocOrder(0)
}

// FreeOrder returns a previously allocated 2^order-page block,
// recursively merging with its buddy while the buddy is free. Mirrors
// buddy_free_pages, including the XOR-address buddy computation.
func (a *Allocator) FreeOrder(phys uint64, order uint8) error {
	if order > kconfig.MaxOrder {
		klog.Error("buddy: refusing to free at an order larger than supported")
		return kerr.Wrap(kerr.ErrInvalidArgument, "buddy: order exceeds maximum")
	}

	arena := a.findArena(phys)
	if arena == nil {
		klog.Error("buddy: address does not belong to any arena")
		return kerr.Wrap(kerr.ErrInvalidArgument, "buddy: unknown arena for address")
	}

	for order < arena.MaxOrder {
		blockSize := (uint64(1) << order) * kconfig.PageSize
		buddyAddr := phys ^ blockSize

		prev := &arena.freeList[order]
		var found *freeBlock
		for cur := *prev; cur != nil; cur = cur.next {
			if cur.phys == buddyAddr {
				found = cur
				break
			}
			prev = &cur.next
		}
		if found == nil {
			break
		}
		*prev = found.next

		if buddyAddr < phys {
			phys = buddyAddr
		}
		order++
	}

	a.linkFree(arena, order, phys)
	return nil
}

// FreePage is FreeOrder(phys, 0), mirroring buddy_free_page.
func (a *Allocator) FreePage(phys uint64) error {
	return a.FreeOrder(phys, 0)
}

func (a *Allocator) findArena(phys uint64) *Arena {
	for _, arena := range a.arenas {
		if phys >= arena.Base && phys < arena.Base+arena.Length {
			return arena
		}
	}
	return nil
}

// FreeListLength reports how many blocks sit at the given order, for
// tests asserting coverage and round-trip invariants.
func (arena *Arena) FreeListLength(order uint8) int {
	count := 0
	for b := arena.freeList[order]; b != nil; b = b.next {
		count++
	}
	return count
}

// FreeListBases returns the physical bases at the given order, in
// free-list (most-recently-freed-first) order.
func (arena *Arena) FreeListBases(order uint8) []uint64 {
	var out []uint64
	for b := arena.freeList[order]; b != nil; b = b.next {
		out = append(out, b.phys)
	}
	return out
}

// FreeBytes sums block_size*block_count across every order, the
// "buddy coverage" property from spec §8.
func (arena *Arena) FreeBytes() uint64 {
	var total uint64
	for order := uint8(0); order <= arena.MaxOrder; order++ {
		blockSize := (uint64(1) << order) * kconfig.PageSize
		total += blockSize * uint64(arena.FreeListLength(order))
	}
	return total
}

// dumpListLimit caps how many blocks DumpArena walks per order before
// truncating, mirroring print_buddy_arena's own "count > 20" loop
// guard against a corrupted, cyclic free list hanging the console.
const dumpListLimit = 20

// DumpArena logs every free list's contents one order at a time,
// mirroring print_buddy_arena.
func (arena *Arena) DumpArena() {
	for order := uint8(0); order <= arena.MaxOrder; order++ {
		line := "Order " + klog.Uint(uint64(order)) + ": "
		count := 0
		for b := arena.freeList[order]; b != nil; b = b.next {
			line += "[phys: " + klog.Hex64(b.phys) + "] -> "
			count++
			if count > dumpListLimit {
				line += "..."
				break
			}
		}
		line += "NULL"
		klog.Info(line)
	}
}

// Summary logs a per-order free-block count/size table plus the total
// free bytes, arena length, and the rounding/fragmentation difference
// between them, mirroring print_arena_summary.
func (arena *Arena) Summary(index int) {
	klog.Info("Arena " + klog.Uint(uint64(index)) + " free summary:")

	var totalFree uint64
	for order := uint8(0); order <= arena.MaxOrder; order++ {
		count := uint64(arena.FreeListLength(order))
		blockSize := (uint64(1) << order) * kconfig.PageSize
		orderTotal := count * blockSize
		totalFree += orderTotal

		klog.Info("  order " + klog.Uint(uint64(order)) + ": " +
			klog.Uint(count) + " blocks x " + klog.Uint(blockSize) +
			" bytes = " + klog.Uint(orderTotal) + " bytes")
	}

	klog.Info("  total free memory: " + klog.Uint(totalFree) + " bytes")
	klog.Info("  arena length:      " + klog.Uint(arena.Length) + " bytes")
	klog.Info("  difference (rounding/fragmentation): " + klog.Uint(arena.Length-totalFree) + " bytes")
}

// DumpArenas and Summaries call DumpArena/Summary across every arena
// the allocator owns, for whole-allocator diagnostics.
func (a *Allocator) DumpArenas() {
	for _, arena := range a.arenas {
		arena.DumpArena()
	}
}

func (a *Allocator) Summaries() {
	for i, arena := range a.arenas {
		arena.Summary(i)
	}
}
