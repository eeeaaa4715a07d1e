package mm_test

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"kernelcore/internal/buddy"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/mm"
	"kernelcore/internal/vmm"
)

type pageAllocator struct {
	alloc *buddy.Allocator
}

func (p pageAllocator) AllocPage() (uint64, error) { return p.alloc.AllocPage() }
func (p pageAllocator) FreePage(phys uint64) error { return p.alloc.FreePage(phys) }

func setup(t *testing.T, pages int) (*mm.Descriptor, *mm.FaultHandler) {
	t.Helper()
	length := uint64(pages) * kconfig.PageSize
	buf := make([]byte, length+2*kconfig.PageSize)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	base = (base + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1)

	alloc := buddy.NewAllocator(0)
	_, err := alloc.AddArena(base, length)
	require.NoError(t, err)

	v := vmm.NewManager(alloc)
	_, err = v.NewKernelAddressSpace()
	require.NoError(t, err)
	as, err := v.NewAddressSpace()
	require.NoError(t, err)

	d := mm.NewDescriptor(as)
	d.AddRegion(&mm.Region{Start: 0x1000, End: 0x2000, Flags: mm.FlagRead | mm.FlagExec, Kind: mm.RegionCode})
	d.AddRegion(&mm.Region{Start: 0x2000, End: 0x3000, Flags: mm.FlagRead | mm.FlagWrite, Kind: mm.RegionData})
	d.Brk = 0x3000
	d.AddRegion(&mm.Region{Start: 0x3000, End: 0x100000, Flags: mm.FlagRead | mm.FlagWrite, Kind: mm.RegionHeap})
	d.AddRegion(&mm.Region{Start: 0x100000, End: 0x101000, Flags: 0, Kind: mm.RegionGuard})
	d.AddRegion(&mm.Region{Start: 0x101000, End: 0x110000, Flags: mm.FlagRead | mm.FlagWrite, Kind: mm.RegionStack})

	fh := mm.NewFaultHandler(v, pageAllocator{alloc: alloc})
	return d, fh
}

func TestCheckAccessDeniesUnmappedGap(t *testing.T) {
	d, _ := setup(t, 64)
	_, ok := d.CheckAccess(0x500000, mm.AccessRead)
	require.False(t, ok)
}

func TestCheckAccessDeniesGuardRegion(t *testing.T) {
	d, _ := setup(t, 64)
	_, ok := d.CheckAccess(0x100500, mm.AccessRead)
	require.False(t, ok)
}

func TestCheckAccessDeniesWriteToExecOnlyRegion(t *testing.T) {
	d, _ := setup(t, 64)
	_, ok := d.CheckAccess(0x1500, mm.AccessWrite)
	require.False(t, ok)
}

func TestCheckAccessAllowsMatchingPermission(t *testing.T) {
	d, _ := setup(t, 64)
	r, ok := d.CheckAccess(0x2500, mm.AccessWrite)
	require.True(t, ok)
	require.Equal(t, mm.RegionData, r.Kind)
}

// regionSpan is the structural shape of one region, independent of the
// ilist.Node plumbing Region embeds, so it can be diffed directly.
type regionSpan struct {
	Start uint64
	End   uint64
	Kind  mm.RegionKind
}

func TestRegionsTraversalPreservesInsertionOrder(t *testing.T) {
	d, _ := setup(t, 64)

	var got []regionSpan
	for _, r := range d.Regions() {
		got = append(got, regionSpan{Start: r.Start, End: r.End, Kind: r.Kind})
	}
	want := []regionSpan{
		{Start: 0x1000, End: 0x2000, Kind: mm.RegionCode},
		{Start: 0x2000, End: 0x3000, Kind: mm.RegionData},
		{Start: 0x3000, End: 0x100000, Kind: mm.RegionHeap},
		{Start: 0x100000, End: 0x101000, Kind: mm.RegionGuard},
		{Start: 0x101000, End: 0x110000, Kind: mm.RegionStack},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("region list traversal order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleFaultGrowsHeapAndAdvancesBrk(t *testing.T) {
	d, fh := setup(t, 64)
	startBrk := d.Brk

	require.NoError(t, fh.HandleFault(d, d.Brk, mm.AccessWrite))
	require.Equal(t, startBrk+kconfig.PageSize, d.Brk)
}

func TestHandleFaultGrowsStackAtFaultingPage(t *testing.T) {
	d, fh := setup(t, 64)
	require.NoError(t, fh.HandleFault(d, 0x108123, mm.AccessWrite))
}

func TestHandleFaultRejectsFaultOnGuardRegion(t *testing.T) {
	d, fh := setup(t, 64)
	err := fh.HandleFault(d, 0x100200, mm.AccessRead)
	require.Error(t, err)
}

func TestHandleFaultRejectsFaultOnAlreadyBackedCodeRegion(t *testing.T) {
	d, fh := setup(t, 64)
	err := fh.HandleFault(d, 0x1200, mm.AccessExec)
	require.Error(t, err)
}
