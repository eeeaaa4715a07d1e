// Command kernel is the freestanding entry point, grounded on
// original_source/kernel/arch/x86_64/smp/smp.c's smp_init (AP bring-up,
// idle-task seeding) and original_source's top-level kernel_main (the
// init order: GDT/IDT, physical memory, heap, paging, tasks,
// scheduler, SMP). It wires every internal/* package built for this
// kernel core into a single boot sequence, installing the arch hooks
// against whatever the boot-protocol collaborator (spec §6) supplies.
//
// This file is the one place the kernel core calls any package's init
// routine — every internal package stays usable on its own, in host
// tests, precisely because nothing else imports cmd/kernel.
package main

import (
	"reflect"

	"kernelcore/internal/arch"
	"kernelcore/internal/bootinfo"
	"kernelcore/internal/buddy"
	"kernelcore/internal/irq"
	"kernelcore/internal/kheap"
	"kernelcore/internal/klog"
	"kernelcore/internal/percpu"
	"kernelcore/internal/sched"
	"kernelcore/internal/slab"
	"kernelcore/internal/task"
	"kernelcore/internal/timer"
	"kernelcore/internal/vmm"
)

// bootIdleTask mirrors boot_idle_task's idle loop: it sits in a paused
// spin loop forever. It does not touch this core's timer itself.
func bootIdleTask() {
	for {
		arch.Pause()
	}
}

// apEntry is the AP-side trampoline, standing in for ap_entry_point:
// it masks interrupts and then spins in a paused loop forever. It
// does not reload descriptor tables or resume any task.
func apEntry() {
	_ = irq.SaveAndDisable()
	for {
		arch.Pause()
	}
}

// funcAddr extracts the bare code address of a niladic function value.
// It is the one place this file reaches past Go's function-value
// abstraction: both bootinfo.CPUInfo.GotoAddrHook and
// task.Manager.CreateKernelTask want a raw uintptr, mirroring how
// original_source passes boot_idle_task/ap_entry_point around as
// plain function pointers.
func funcAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// kernelMain is called from the architecture's _start trampoline (the
// freestanding build's assembly entry point, not present in this tree
// — SPEC_FULL.md §1 scopes the boot-protocol/linker-script layer
// itself out) once a stack and the boot-protocol collaborator's
// response structures are ready.
func kernelMain(memMap bootinfo.MemoryMapSource, hhdm bootinfo.HHDMSource, smp bootinfo.SMPInfoSource, console klog.Sink) {
	klog.SetSink(console)
	klog.Info("kernel core: boot starting")

	alloc := buddy.NewAllocator(hhdm.HHDMOffset())
	alloc.AddArenasFromMemoryMap(memMap.MemoryMap())
	klog.Success("physical memory arenas populated")

	slabs := slab.NewManager(alloc)
	_ = kheap.NewManager(slabs, alloc)
	klog.Success("kernel heap ready")

	vmgr := vmm.NewManager(alloc)
	if _, err := vmgr.NewKernelAddressSpace(); err != nil {
		klog.Error("kernel core: failed to build kernel address space: " + err.Error())
		hang()
	}
	klog.Success("virtual memory manager ready")

	tasks := task.NewManager(alloc, vmgr)

	numCores := 1
	if info, ok := smp.SMPInfo(); ok && info.CPUCount > 0 {
		numCores = int(info.CPUCount)
	}
	scheduler := sched.NewScheduler(tasks, numCores)

	cal := &timer.Calibrator{}
	cal.Calibrate()

	bringUpCores(scheduler, smp, numCores)

	klog.Success("kernel core: boot complete")
	// On real hardware this call never returns: the trampoline switches
	// context into whatever idle/runnable task Schedule picked. The host
	// build's trampoline hook is nil until arch init installs the real
	// one, so here it simply returns control to the caller once the
	// first task is selected.
	scheduler.Schedule(percpu.CurrentCoreID())
}

// bringUpCores mirrors smp_init: seed one idle task per core, then
// hand every non-bootstrap CPU entry its ap_entry_point-equivalent
// trampoline through the boot protocol's per-CPU GotoAddrHook.
func bringUpCores(scheduler *sched.Scheduler, smp bootinfo.SMPInfoSource, numCores int) {
	info, ok := smp.SMPInfo()
	if !ok {
		klog.Info("MP not available, running single-core")
		if _, err := scheduler.CreateAndScheduleKernelTask(funcAddr(bootIdleTask)); err != nil {
			klog.Error("kernel core: failed to seed single-core idle task: " + err.Error())
		}
		return
	}
	klog.Success("found " + klog.Uint(uint64(info.CPUCount)) + " CPUs")

	for i := 0; i < numCores; i++ {
		if _, err := scheduler.CreateAndScheduleKernelTask(funcAddr(bootIdleTask)); err != nil {
			klog.Error("kernel core: failed to seed idle task: " + err.Error())
		}
	}

	for _, cpu := range info.CPUs {
		if cpu.IsBootCPU {
			continue
		}
		if cpu.GotoAddrHook != nil {
			cpu.GotoAddrHook(funcAddr(apEntry))
		}
	}
}

func hang() {
	for {
		arch.Pause()
	}
}

func main() {
	// The real invocation of kernelMain happens from the architecture's
	// assembly entry point with live boot-protocol collaborators; there
	// is no hosted `go run` story for a freestanding kernel image.
}
