// Package arch exposes the handful of x86_64 primitives the rest of
// the kernel core needs, grounded on
// original_source/kernel/include/kernel/memutils.h's inline-asm
// set_cr3/get_cr3/get_hhdm_offset helpers and
// original_source/kernel/arch/x86_64/timer/timer.c's CPUID/RDTSC
// calibration use.
//
// RDTSC, CPUID and PAUSE are unprivileged on amd64 and safe to execute
// for real even under a hosted `go test` run, so those are backed by
// actual Plan 9 assembly in arch_amd64.s — exactly the pattern
// internal/atomic uses for LOCK-prefixed instructions. Port I/O,
// MSRs and CR3 loads are privileged: executing them outside ring 0
// would fault the test binary, so those are function-variable hooks
// that default to inert behaviour on a host build and are installed
// for real once during kernel boot, the same split internal/irq and
// internal/percpu use for their own hardware-touching operations.
package arch

// Rdtsc reads the timestamp counter, mirroring timer.c's use of
// __builtin_ia32_rdtsc during CPU-frequency calibration.
//
//go:noescape
func Rdtsc() uint64

// Cpuid executes CPUID with the given leaf, mirroring timer.c's
// cpuid-based frequency-leaf probe (leaf 0x15/0x16).
//
//go:noescape
func Cpuid(leaf uint32) (eax, ebx, ecx, edx uint32)

// Pause executes the PAUSE instruction, the spin-wait hint
// original_source's busy-wait loops use between polls.
//
//go:noescape
func Pause()

var hooks struct {
	inb     func(port uint16) uint8
	outb    func(port uint16, val uint8)
	rdmsr   func(msr uint32) uint64
	wrmsr   func(msr uint32, val uint64)
	loadCR3 func(phys uint64)
	readCR3 func() uint64
	invlpg  func(vaddr uint64)
}

// SetIOHooks installs the port-I/O primitives, mirroring inb/outb
// usage for RTC register access in timer.c's calibration fallback.
func SetIOHooks(inb func(port uint16) uint8, outb func(port uint16, val uint8)) {
	hooks.inb = inb
	hooks.outb = outb
}

// SetMSRHooks installs RDMSR/WRMSR, mirroring smp.c's per-CPU GS-base
// setup via MSR 0xC0000101.
func SetMSRHooks(rdmsr func(msr uint32) uint64, wrmsr func(msr uint32, val uint64)) {
	hooks.rdmsr = rdmsr
	hooks.wrmsr = wrmsr
}

// SetPagingHooks installs CR3 load/read and INVLPG, mirroring
// memutils.h's set_cr3/get_cr3 and the TLB shootdown primitives
// internal/vmm needs on a real mapping/unmapping path.
func SetPagingHooks(loadCR3 func(phys uint64), readCR3 func() uint64, invlpg func(vaddr uint64)) {
	hooks.loadCR3 = loadCR3
	hooks.readCR3 = readCR3
	hooks.invlpg = invlpg
}

func Inb(port uint16) uint8 {
	if hooks.inb == nil {
		return 0
	}
	return hooks.inb(port)
}

func Outb(port uint16, val uint8) {
	if hooks.outb != nil {
		hooks.outb(port, val)
	}
}

func Rdmsr(msr uint32) uint64 {
	if hooks.rdmsr == nil {
		return 0
	}
	return hooks.rdmsr(msr)
}

func Wrmsr(msr uint32, val uint64) {
	if hooks.wrmsr != nil {
		hooks.wrmsr(msr, val)
	}
}

func LoadCR3(phys uint64) {
	if hooks.loadCR3 != nil {
		hooks.loadCR3(phys)
	}
}

func ReadCR3() uint64 {
	if hooks.readCR3 == nil {
		return 0
	}
	return hooks.readCR3()
}

func Invlpg(vaddr uint64) {
	if hooks.invlpg != nil {
		hooks.invlpg(vaddr)
	}
}
