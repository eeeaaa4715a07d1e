package main

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"kernelcore/internal/bootinfo"
	"kernelcore/internal/kconfig"
)

type fakeMemMap struct {
	base, length uint64
}

// MemoryMap supplies two usable regions because buddy.AddArenasFromMemoryMap
// unconditionally skips the first usable region (the original's
// VGA-hole quirk, see internal/buddy's doc comment) — a single-region
// map would leave the allocator with zero arenas.
func (f fakeMemMap) MemoryMap() []bootinfo.MemoryRegion {
	return []bootinfo.MemoryRegion{
		{Base: 0, Length: kconfig.PageSize, Type: bootinfo.RegionUsable},
		{Base: f.base, Length: f.length, Type: bootinfo.RegionUsable},
	}
}

type fakeHHDM struct{}

func (fakeHHDM) HHDMOffset() uint64 { return 0 }

type fakeSMP struct {
	info SMPInfoOrNone
}

type SMPInfoOrNone struct {
	present bool
	value   bootinfo.SMPInfo
}

func (f fakeSMP) SMPInfo() (bootinfo.SMPInfo, bool) { return f.info.value, f.info.present }

type buf struct{ strings.Builder }

func (b *buf) WriteString(s string) { b.Builder.WriteString(s) }

func pageAlignedArena(t *testing.T, pages int) (base, length uint64) {
	t.Helper()
	length = uint64(pages) * kconfig.PageSize
	backing := make([]byte, length+2*kconfig.PageSize)
	base = uint64(uintptr(unsafe.Pointer(&backing[0])))
	base = (base + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1)
	return base, length
}

func TestKernelMainSingleCoreBootsToCompletion(t *testing.T) {
	base, length := pageAlignedArena(t, 512)

	var sink buf
	require.NotPanics(t, func() {
		kernelMain(
			fakeMemMap{base: base, length: length},
			fakeHHDM{},
			fakeSMP{info: SMPInfoOrNone{present: false}},
			&sink,
		)
	})

	require.Contains(t, sink.String(), "boot complete")
}

func TestKernelMainMultiCoreSeedsAllCoresAndCallsGotoHooks(t *testing.T) {
	base, length := pageAlignedArena(t, 512)

	var calledAddrs []uintptr
	smpInfo := bootinfo.SMPInfo{
		CPUCount:   2,
		BSPLocalID: 0,
		CPUs: []bootinfo.CPUInfo{
			{LocalID: 0, IsBootCPU: true},
			{LocalID: 1, IsBootCPU: false, GotoAddrHook: func(entry uintptr) { calledAddrs = append(calledAddrs, entry) }},
		},
	}

	var sink buf
	require.NotPanics(t, func() {
		kernelMain(
			fakeMemMap{base: base, length: length},
			fakeHHDM{},
			fakeSMP{info: SMPInfoOrNone{present: true, value: smpInfo}},
			&sink,
		)
	})

	require.Len(t, calledAddrs, 1)
	require.NotZero(t, calledAddrs[0])
}

func TestFuncAddrIsStableAndNonZero(t *testing.T) {
	a := funcAddr(bootIdleTask)
	b := funcAddr(bootIdleTask)
	require.NotZero(t, a)
	require.Equal(t, a, b)
}
