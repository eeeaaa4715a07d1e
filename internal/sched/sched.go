// Package sched implements the per-CPU round-robin scheduler and
// load-balanced task placement, grounded on
// original_source/kernel/arch/x86_64/tasks/task_manager.c's
// find_least_busy_cpu/create_and_schedule_kernel_task/wake_up_task and
// original_source/kernel/arch/x86_64/scheduler/scheduler.c's
// schedule().
//
// schedule() in original_source has a tail bug: the conditional
// "if (next && next != current) { ...; load_next_task(&next->
// cpu_context); }" is followed, unconditionally, by a second
// load_next_task(&current->cpu_context) outside any else — so even
// when next == current it reloads and re-enters the same context a
// second time. This port resolves that by returning immediately
// whenever next == current (or both are nil), invoking the context-
// switch trampoline at most once per call.
package sched

import (
	"kernelcore/internal/atomic"
	"kernelcore/internal/ilist"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/klog"
	"kernelcore/internal/percpu"
	"kernelcore/internal/spinlock"
	"kernelcore/internal/task"
)

// cpu holds one core's scheduling state: its run-queue, the lock
// protecting both the queue and the current-task pointer, and a load
// counter used purely for placement (not protected by the run-queue
// lock — it's updated with atomic ops instead, since
// FindLeastBusyCPU reads every core's counter without taking every
// core's lock).
type cpu struct {
	runq      ilist.List
	lock      spinlock.Spinlock
	current   *task.Task
	taskCount uint32
}

// trampoline is the architecture context-switch primitive spec §6
// names as a collaborator ("load_next(&task_context) that restores
// register state and returns into the new task"). It is nil on a
// host test build, where Schedule's effect is observed purely through
// Current(cpuID) rather than an actual register restore.
var trampoline func(next *task.Context)

// SetTrampolineHook installs the real context-switch primitive at
// boot.
func SetTrampolineHook(f func(next *task.Context)) {
	trampoline = f
}

// Scheduler owns every core's run-queue.
type Scheduler struct {
	cpus     percpu.Array[cpu]
	numCores int
	tasks    *task.Manager
}

// NewScheduler builds a scheduler over numCores cores (capped at
// kconfig.MaxCores) and the given task manager, which
// CreateAndScheduleKernelTask uses to create the task it places.
func NewScheduler(tasks *task.Manager, numCores int) *Scheduler {
	if numCores > kconfig.MaxCores {
		numCores = kconfig.MaxCores
	}
	s := &Scheduler{tasks: tasks, numCores: numCores}
	for i := 0; i < numCores; i++ {
		s.cpus.Get(i).runq.Init()
	}
	return s
}

// FindLeastBusyCPU scans every core's load counter and returns the
// index of the least-loaded one, mirroring find_least_busy_cpu's
// linear scan (no topology awareness — every core is equally eligible).
func (s *Scheduler) FindLeastBusyCPU() int {
	best := 0
	bestCount := atomic.Load32(&s.cpus.Get(0).taskCount)
	for i := 1; i < s.numCores; i++ {
		count := atomic.Load32(&s.cpus.Get(i).taskCount)
		if count < bestCount {
			best = i
			bestCount = count
		}
	}
	return best
}

// ScheduleTask assigns t to cpuID, enqueues it at the tail of that
// core's run-queue under its IRQ-save lock, and atomically bumps the
// core's load counter.
func (s *Scheduler) ScheduleTask(t *task.Task, cpuID int) {
	c := s.cpus.Get(cpuID)
	flags := c.lock.LockIRQSave()
	t.CPUID = cpuID
	c.runq.PushBack(t.RunqNode())
	c.lock.UnlockIRQRestore(flags)
	atomic.Add32(&c.taskCount, 1)
}

// RemoveTask unlinks t from whichever core's run-queue currently owns
// it, mirroring sched_remove.
func (s *Scheduler) RemoveTask(t *task.Task) {
	if t.CPUID < 0 {
		return
	}
	c := s.cpus.Get(t.CPUID)
	flags := c.lock.LockIRQSave()
	if t.RunqNode().Linked() {
		t.RunqNode().Remove()
	}
	c.lock.UnlockIRQRestore(flags)
}

// RemoveFromRunQueue and DecrementTaskCounter implement task.Scheduler
// for task.Manager.TaskExit.
func (s *Scheduler) RemoveFromRunQueue(t *task.Task) { s.RemoveTask(t) }

func (s *Scheduler) DecrementTaskCounter(cpuID int) {
	if cpuID < 0 {
		return
	}
	atomic.Dec32(&s.cpus.Get(cpuID).taskCount)
}

// CreateAndScheduleKernelTask creates a kernel task and places it on
// the least busy core in one step, mirroring
// create_and_schedule_kernel_task.
func (s *Scheduler) CreateAndScheduleKernelTask(fn uintptr) (*task.Task, error) {
	t, err := s.tasks.CreateKernelTask(fn)
	if err != nil {
		return nil, err
	}
	s.ScheduleTask(t, s.FindLeastBusyCPU())
	return t, nil
}

// WakeUpTask marks a sleeping task runnable and places it on the
// least busy core. original_source's wake_up_task has a commented-out
// TODO acknowledging this doesn't try to wake the task back onto its
// previous core ("tricky, parent may be on another CPU") — this port
// keeps that same gap rather than inventing cross-core affinity the
// spec never resolved.
func (s *Scheduler) WakeUpTask(t *task.Task) {
	t.State = task.StateRunning
	s.ScheduleTask(t, s.FindLeastBusyCPU())
}

// Current returns the task currently assigned to cpuID, or nil.
func (s *Scheduler) Current(cpuID int) *task.Task {
	return s.cpus.Get(cpuID).current
}

// Schedule implements schedule()'s rotation for one core: advance to
// the run-queue successor of the current task (wrapping to the head),
// or pick the head outright if no task is current. It hands off to
// the trampoline only when the next task actually differs from the
// current one, resolving the unconditional-second-call bug described
// in this package's doc comment.
func (s *Scheduler) Schedule(cpuID int) {
	if cpuID < 0 || cpuID >= s.numCores {
		klog.Error("sched: Schedule called with an out-of-range core id")
		return
	}
	c := s.cpus.Get(cpuID)
	flags := c.lock.LockIRQSave()

	current := c.current
	var next *task.Task
	if current == nil {
		if n := c.runq.Front(); n != nil {
			next = task.FromRunqNode(n)
		}
	} else if n := c.runq.WrappingNext(current.RunqNode()); n != nil {
		next = task.FromRunqNode(n)
	}

	changed := next != nil && next != current
	if changed {
		c.current = next
	}
	c.lock.UnlockIRQRestore(flags)

	if !changed {
		return
	}
	if trampoline != nil {
		trampoline(&next.Context)
	}
}
