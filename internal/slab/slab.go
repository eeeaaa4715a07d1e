// Package slab implements the fixed-size-class object allocator
// layered on top of internal/buddy, grounded on
// original_source/kernel/arch/x86_64/memory/slab_allocator.c: each
// Cache serves one size class out of kconfig.SlabSizeClasses, backed
// by kconfig.SlabPages-page slabs carved from the buddy allocator, with
// a slab header living at the start of its own pages and an in-place
// singly-linked free list threading the unused object slots — the
// same "list node written into the free memory it describes" trick
// internal/buddy uses for its own free blocks.
package slab

import (
	"math/bits"
	"unsafe"

	"kernelcore/internal/buddy"
	"kernelcore/internal/ilist"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/kerr"
	"kernelcore/internal/klog"
	"kernelcore/internal/spinlock"
)

// slabOrder is the buddy order backing one slab's pages. kconfig.
// SlabPages is required to be a power of two (checked by its doc
// comment's intent, not enforced at runtime since it's a compile-time
// constant, not boot-supplied input).
var slabOrder = uint8(bits.TrailingZeros(uint(kconfig.SlabPages)))

const slabBytes = kconfig.SlabPages * kconfig.PageSize

// objNode is the in-place free-list node for one unused object slot.
// magic mirrors struct free_object's poison field: free_ stamps it
// with objectPoison before relinking, and alloc_ clears it back to 0
// when the slot is handed out again, so a second Free on the same
// pointer is caught before it can relink an already-free node onto
// the list twice.
type objNode struct {
	next  *objNode
	magic uint64
}

// objectPoison mirrors OBJECT_POISON from original_source's
// slab_allocator.h.
const objectPoison = uint64(0xDEADDEADDEADDEAD)

// header sits at the very start of a slab's backing pages. Its
// embedded ilist.Node links the slab into whichever of its cache's
// full/partial/empty lists currently owns it, mirroring slab_t's
// list_node member in original_source.
type header struct {
	link      ilist.Node
	cache     *Cache
	base      uint64
	freeList  *objNode
	freeCount uint32
}

var headerLinkOffset = unsafe.Offsetof(header{}.link)

// maxEmptySlabs bounds how many fully-unused slabs a cache keeps
// around before returning pages to the buddy allocator, mirroring
// slab_cache_shrink's policy of never trimming below a small cushion
// so a cache that's oscillating between in-use and idle doesn't
// thrash the buddy allocator on every allocation.
const maxEmptySlabs = 2

// Cache serves every allocation for one size class.
type Cache struct {
	objectSize   uint32
	totalPerSlab uint32

	full    ilist.List
	partial ilist.List
	empty   ilist.List
	emptyN  int

	lock spinlock.Spinlock

	alloc *buddy.Allocator
}

// Manager owns one Cache per configured size class.
type Manager struct {
	alloc  *buddy.Allocator
	caches [len(kconfig.SlabSizeClasses)]*Cache
}

// NewManager constructs a cache for every entry in
// kconfig.SlabSizeClasses, mirroring slab_cache_init's one-time setup
// of the global cache table at boot.
func NewManager(alloc *buddy.Allocator) *Manager {
	m := &Manager{alloc: alloc}
	headerSize := uint32(unsafe.Sizeof(header{}))
	for i, size := range kconfig.SlabSizeClasses {
		c := &Cache{objectSize: size, alloc: alloc}
		c.totalPerSlab = (slabBytes - headerSize) / size
		c.full.Init()
		c.partial.Init()
		c.empty.Init()
		m.caches[i] = c
	}
	return m
}

// cacheForSize returns the smallest cache whose objectSize can hold
// size, or nil when size exceeds every configured class — such
// requests are internal/kheap's job to route straight to the buddy
// allocator, mirroring slab_alloc_size's "too big" fallthrough.
func (m *Manager) cacheForSize(size uint32) *Cache {
	for _, c := range m.caches {
		if size <= c.objectSize {
			return c
		}
	}
	return nil
}

// Alloc returns size.len bytes from the smallest size class that
// fits, or kerr.ErrInvalidArgument if no class is large enough.
func (m *Manager) Alloc(size uint32) (unsafe.Pointer, error) {
	c := m.cacheForSize(size)
	if c == nil {
		return nil, kerr.Wrap(kerr.ErrInvalidArgument, "slab: size exceeds largest class")
	}
	return c.alloc_()
}

// Free releases a pointer previously returned by Alloc. The owning
// slab (and thus its cache and object size) is recovered purely from
// the pointer's address, masked down to its slab's base — mirroring
// slab_find_containing's pointer-arithmetic containment test — so
// Free needs no size argument, matching kfree's signature.
func (m *Manager) Free(ptr unsafe.Pointer) error {
	slabBase := uintptr(ptr) &^ uintptr(slabBytes-1)
	hdr := (*header)(unsafe.Pointer(slabBase))
	if hdr.cache == nil {
		return kerr.Wrap(kerr.ErrInvalidArgument, "slab: pointer does not belong to a live slab")
	}
	return hdr.cache.free_(ptr, hdr)
}

func (c *Cache) alloc_() (unsafe.Pointer, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := c.partial.Front()
	fromEmpty := false
	if n == nil {
		n = c.empty.Front()
		fromEmpty = n != nil
	}
	if n == nil {
		var err error
		n, err = c.newSlab()
		if err != nil {
			return nil, err
		}
		fromEmpty = true // newSlab pushed it onto the empty list
	}

	hdr := ilist.ContainerOf[header](n, headerLinkOffset)
	obj := hdr.freeList
	hdr.freeList = obj.next
	obj.magic = 0
	hdr.freeCount--

	if hdr.freeCount == 0 {
		n.Remove()
		c.full.PushBack(n)
	} else if fromEmpty {
		n.Remove()
		c.emptyN--
		c.partial.PushBack(n)
	}

	return unsafe.Pointer(obj), nil
}

func (c *Cache) free_(ptr unsafe.Pointer, hdr *header) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	obj := (*objNode)(ptr)
	if obj.magic == objectPoison {
		return kerr.ErrDoubleFree
	}

	wasFull := hdr.freeCount == 0

	obj.magic = objectPoison
	obj.next = hdr.freeList
	hdr.freeList = obj
	hdr.freeCount++

	if wasFull {
		hdr.link.Remove()
		if hdr.freeCount == c.totalPerSlab {
			c.empty.PushBack(&hdr.link)
			c.emptyN++
		} else {
			c.partial.PushBack(&hdr.link)
		}
		c.shrink()
		return nil
	}

	if hdr.freeCount == c.totalPerSlab {
		hdr.link.Remove()
		c.empty.PushBack(&hdr.link)
		c.emptyN++
		c.shrink()
	}
	return nil
}

// newSlab carves one fresh slab out of the buddy allocator and wires
// up its header and object free list, mirroring slab_create.
func (c *Cache) newSlab() (*ilist.Node, error) {
	phys, err := c.alloc.AllocOrder(slabOrder)
	if err != nil {
		return nil, err
	}
	virt := c.alloc.PhysToVirt(phys)

	hdr := (*header)(virt)
	hdr.cache = c
	hdr.base = phys
	hdr.freeCount = c.totalPerSlab
	hdr.freeList = nil

	headerSize := uintptr(unsafe.Sizeof(header{}))
	base := uintptr(virt) + headerSize
	for i := uint32(0); i < c.totalPerSlab; i++ {
		slot := (*objNode)(unsafe.Pointer(base + uintptr(i)*uintptr(c.objectSize)))
		slot.magic = 0
		slot.next = hdr.freeList
		hdr.freeList = slot
	}

	c.empty.PushBack(&hdr.link)
	c.emptyN++
	return &hdr.link, nil
}

// shrink returns slabs to the buddy allocator while more than
// maxEmptySlabs sit completely unused, mirroring slab_cache_shrink.
func (c *Cache) shrink() {
	for c.emptyN > maxEmptySlabs {
		n := c.empty.Front()
		if n == nil {
			return
		}
		hdr := ilist.ContainerOf[header](n, headerLinkOffset)
		n.Remove()
		c.emptyN--
		hdr.cache = nil
		_ = c.alloc.FreeOrder(hdr.base, slabOrder)
	}
}

// ObjectSize reports a cache's size class, used by internal/kheap to
// decide routing and by diagnostics.
func (c *Cache) ObjectSize() uint32 { return c.objectSize }

// Stats reports {full, partial, empty} slab counts for one size
// class, mirroring slab_print_cache_stats.
func (m *Manager) Stats(size uint32) (full, partial, empty int) {
	c := m.cacheForSize(size)
	if c == nil {
		return 0, 0, 0
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return listLen(&c.full), listLen(&c.partial), listLen(&c.empty)
}

func listLen(l *ilist.List) int {
	n := 0
	for cur := l.Front(); cur != nil; cur = l.Next(cur) {
		n++
	}
	return n
}

// PrintCacheStats logs one cache's {object size, total/allocated/free
// object counts, slab count, utilization} block, mirroring
// slab_print_cache_stats.
func (c *Cache) PrintCacheStats() {
	c.lock.Lock()
	full := listLen(&c.full)
	partial := listLen(&c.partial)
	empty := listLen(&c.empty)

	allocated := uint64(full) * uint64(c.totalPerSlab)
	for cur := c.partial.Front(); cur != nil; cur = c.partial.Next(cur) {
		hdr := ilist.ContainerOf[header](cur, headerLinkOffset)
		allocated += uint64(c.totalPerSlab) - uint64(hdr.freeCount)
	}
	totalSlabs := uint64(full + partial + empty)
	totalObjects := totalSlabs * uint64(c.totalPerSlab)
	c.lock.Unlock()

	var utilization uint64
	if totalObjects != 0 {
		utilization = (allocated * 100) / totalObjects
	}

	klog.Info("slab cache stats (object_size=" + klog.Uint(uint64(c.objectSize)) + "):")
	klog.Info("  total objects: " + klog.Uint(totalObjects))
	klog.Info("  allocated objects: " + klog.Uint(allocated))
	klog.Info("  free objects: " + klog.Uint(totalObjects-allocated))
	klog.Info("  total slabs: " + klog.Uint(totalSlabs))
	klog.Info("  utilization: " + klog.Uint(utilization) + "%")
}

// PrintAllStats logs PrintCacheStats for every configured size class,
// mirroring slab_print_all_stats.
func (m *Manager) PrintAllStats() {
	klog.Info("=== slab allocator statistics ===")
	for _, c := range m.caches {
		c.PrintCacheStats()
	}
}
