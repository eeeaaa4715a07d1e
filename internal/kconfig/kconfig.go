// Package kconfig holds compile-time tunables for the kernel core.
//
// These mirror the scattered #define blocks in the original C sources
// (buddy_allocator.h, slab_allocator.h, tasks.h, smp.h) but are collected
// here rather than spread across every package, since Go has no
// preprocessor to make that layout natural.
package kconfig

const (
	// PageSize is the size of a physical frame in bytes.
	PageSize = 4096

	// MaxOrder bounds buddy block order; 2^MaxOrder * PageSize caps out
	// at a 4 GiB block, matching the original's compile-time ceiling.
	MaxOrder = 20

	// MaxCores bounds the per-CPU arrays. The original reads a fixed
	// limit from smp.h; four is enough to exercise load-balanced
	// placement without pretending to support arbitrary topologies.
	MaxCores = 4

	// SlabPages is the number of physical pages backing one slab.
	SlabPages = 2

	// HeapGrowOrder is the buddy order allocated per brk-growth fault.
	HeapGrowOrder = 0

	// TickHz is the chosen periodic timer interrupt frequency.
	TickHz = 100

	// PIDInit is the reserved PID for the (not-yet-implemented) init task.
	PIDInit = 1

	// PIDFirst is the first PID handed to a real task.
	PIDFirst = 2

	// PIDWrap is the bound at which PID allocation wraps back to PIDFirst.
	PIDWrap = 1_111_111_111

	// KernelStackPages is the number of pages backing a kernel task stack.
	KernelStackPages = 4

	// KernelCS/KernelSS are the GDT selectors every kernel task's saved
	// context starts with, matching the flat kernel code/data segments
	// original_source's GDT sets up at boot.
	KernelCS = 0x08
	KernelSS = 0x10

	// InitialRFLAGS is the flag register value create_kernel_task seeds
	// a fresh context with: bit 1 is the reserved-must-be-one bit, bit 9
	// (IF) enables interrupts once the task first runs.
	InitialRFLAGS = 0x202
)

// SlabSizeClasses lists the fixed object sizes the slab allocator serves,
// smallest first. kheap routes any request <= the last entry here.
var SlabSizeClasses = [8]uint32{16, 32, 64, 128, 256, 512, 1024, 2048}

// MaxSlabSize is the largest size class served by the slab allocator;
// kalloc requests above this go straight to the buddy path.
const MaxSlabSize = 2048
