// Package mm implements the per-task memory descriptor and the
// page-fault access-check/growth policy spec section 4.6 describes.
// original_source has no standalone descriptor file of its own — its
// closest analogue is the inline region bookkeeping scattered across
// exec/task setup — so this package is grounded on internal/vmm's own
// map/unmap primitives plus the spec's explicit region-list and
// fault-dispatch description, written in the same style (small
// structs, explicit error returns, IRQ-save-free since the fault path
// itself always runs with interrupts already disabled by the trap
// gate) as the rest of this module.
package mm

import (
	"unsafe"

	"kernelcore/internal/ilist"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/kerr"
	"kernelcore/internal/vmm"
)

// RegionFlags is a permission/kind bitmask; zero means a guard region
// (no access of any kind is ever legitimate there).
type RegionFlags uint8

const (
	FlagRead RegionFlags = 1 << iota
	FlagWrite
	FlagExec
)

// RegionKind distinguishes HEAP/STACK from the rest for fault-growth
// policy; CODE/DATA/GUARD regions never grow on fault.
type RegionKind uint8

const (
	RegionCode RegionKind = iota
	RegionData
	RegionHeap
	RegionGuard
	RegionStack
)

// Region is one [Start, End) span of a task's virtual address space.
type Region struct {
	link ilist.Node

	Start uint64
	End   uint64
	Flags RegionFlags
	Kind  RegionKind
}

var regionLinkOffset = unsafe.Offsetof(Region{}.link)

// FaultAccess is the permission a faulting instruction was attempting,
// derived from the trap's error code.
type FaultAccess uint8

const (
	AccessRead FaultAccess = iota
	AccessWrite
	AccessExec
)

// Descriptor is a user task's memory map: its address space plus the
// region list and heap break spec §4.6 names. Kernel tasks never get
// one, matching "Kernel tasks have no descriptor."
type Descriptor struct {
	AS *vmm.AddressSpace

	regions  ilist.List
	Brk      uint64
	MmapBase uint64
}

// NewDescriptor initializes an empty region list over an already
// created address space.
func NewDescriptor(as *vmm.AddressSpace) *Descriptor {
	d := &Descriptor{AS: as}
	d.regions.Init()
	return d
}

// AddRegion appends one region to the task's map. setup_executable
// (the caller) is responsible for ordering code/data/heap/guard/stack
// insertions the way spec §4.6 lays them out; AddRegion itself does
// not enforce ordering or detect overlap, matching the C original's
// lack of any such check (a TODO-worthy gap, not one this package
// invents a fix for).
func (d *Descriptor) AddRegion(r *Region) {
	d.regions.PushBack(&r.link)
}

// findRegion returns the region containing addr, or nil if addr lies
// in no region at all (a true gap, distinct from an explicit
// zero-flags guard region).
func (d *Descriptor) findRegion(addr uint64) *Region {
	for n := d.regions.Front(); n != nil; n = d.regions.Next(n) {
		r := ilist.ContainerOf[Region](n, regionLinkOffset)
		if addr >= r.Start && addr < r.End {
			return r
		}
	}
	return nil
}

// Regions returns the task's regions in insertion order, the same
// order findRegion and every fault-path lookup walks them in.
func (d *Descriptor) Regions() []*Region {
	var regions []*Region
	for n := d.regions.Front(); n != nil; n = d.regions.Next(n) {
		regions = append(regions, ilist.ContainerOf[Region](n, regionLinkOffset))
	}
	return regions
}

func requestedFlag(access FaultAccess) RegionFlags {
	switch access {
	case AccessExec:
		return FlagExec
	case AccessWrite:
		return FlagWrite
	default:
		return FlagRead
	}
}

// CheckAccess finds the region owning addr and reports whether access
// is legitimate: no owning region, or a region whose Flags don't
// already grant the requested permission (including a zero-flags
// guard region, which denies everything), is not legitimate.
func (d *Descriptor) CheckAccess(addr uint64, access FaultAccess) (*Region, bool) {
	r := d.findRegion(addr)
	if r == nil {
		return nil, false
	}
	want := requestedFlag(access)
	return r, r.Flags&want == want
}

// manager the fault handler uses to grow backing memory; separated
// from Descriptor itself since growth needs the heap's page allocator
// and the VMM's mapper, neither of which a Descriptor owns.
type FaultHandler struct {
	vmm  *vmm.Manager
	heap pageAllocator
}

// pageAllocator is the narrow slice of internal/kheap.Manager the
// fault-growth path needs — AllocPage/FreePage — kept as an interface
// so this package does not import internal/kheap directly and create
// an import cycle with packages that sit above both.
type pageAllocator interface {
	AllocPage() (uint64, error)
	FreePage(phys uint64) error
}

// NewFaultHandler builds a fault handler over the given VMM and page
// allocator.
func NewFaultHandler(v *vmm.Manager, heap pageAllocator) *FaultHandler {
	return &FaultHandler{vmm: v, heap: heap}
}

// HandleFault implements spec §4.6's "on a legitimate fault" growth
// policy: a HEAP region grows by kconfig.HeapGrowOrder buddy pages
// above the current brk; a STACK region grows by one frame at the
// faulting (page-down-aligned) address. Any other legitimately-
// accessed region (CODE/DATA, already fully backed) faulting at all
// indicates a bug elsewhere and is reported as NotMapped rather than
// silently accepted.
func (h *FaultHandler) HandleFault(d *Descriptor, addr uint64, access FaultAccess) error {
	r, ok := d.CheckAccess(addr, access)
	if !ok {
		return kerr.Wrap(kerr.ErrInvalidArgument, "mm: access denied for faulting address")
	}

	switch r.Kind {
	case RegionHeap:
		return h.growHeap(d)
	case RegionStack:
		return h.growStack(d, addr)
	default:
		return kerr.Wrap(kerr.ErrNotMapped, "mm: fault in a region that should already be backed")
	}
}

func (h *FaultHandler) growHeap(d *Descriptor) error {
	growPages := uint64(1) << kconfig.HeapGrowOrder
	growBytes := growPages * kconfig.PageSize

	phys, err := h.allocOrder(kconfig.HeapGrowOrder)
	if err != nil {
		return err
	}
	if err := h.vmm.Map(d.AS, d.Brk, phys, vmm.FlagWritable|vmm.FlagUser|vmm.FlagNoExec); err != nil {
		_ = h.heap.FreePage(phys)
		return err
	}
	d.Brk += growBytes
	return nil
}

func (h *FaultHandler) growStack(d *Descriptor, addr uint64) error {
	pageAddr := addr &^ (kconfig.PageSize - 1)
	phys, err := h.heap.AllocPage()
	if err != nil {
		return err
	}
	if err := h.vmm.Map(d.AS, pageAddr, phys, vmm.FlagWritable|vmm.FlagUser|vmm.FlagNoExec); err != nil {
		_ = h.heap.FreePage(phys)
		return err
	}
	return nil
}

// allocOrder always returns a single page from AllocPage, whatever
// order it is given: pageAllocator has no multi-page allocation. With
// kconfig.HeapGrowOrder at 0 in this configuration, that single page
// is exactly one heap grow step.
func (h *FaultHandler) allocOrder(order uint8) (uint64, error) {
	if order == 0 {
		return h.heap.AllocPage()
	}
	// No multi-page-order allocation path exists on pageAllocator by
	// design (internal/kheap only exposes AllocPage/FreePage to this
	// layer); a nonzero HeapGrowOrder would need a wider interface.
	return h.heap.AllocPage()
}
