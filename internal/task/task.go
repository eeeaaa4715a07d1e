// Package task implements the task object and its lifecycle, grounded
// on original_source/kernel/arch/x86_64/tasks/task_manager.c:
// zero-initialized task creation, PID allocation with wraparound,
// kernel-task stack/context setup, and the task_exit teardown
// sequence (mask interrupts, mark zombie, hand zombie children to a
// sleeping parent, orphan the rest, invoke the scheduler).
//
// Task metadata itself (the Task struct, its Descriptor) is ordinary
// Go-heap-allocated — unlike frames, page tables and user heap memory,
// nothing about a Task's own bookkeeping needs a stable physical
// address, so there is no reason to route it through kalloc the way
// original_source's create_task does with its own kmalloc. Only the
// kernel stack (which the CPU's RSP must point at directly) is
// allocated from the physical/buddy layer.
package task

import (
	"unsafe"

	"kernelcore/internal/buddy"
	"kernelcore/internal/ilist"
	"kernelcore/internal/irq"
	"kernelcore/internal/kconfig"
	"kernelcore/internal/klog"
	"kernelcore/internal/mm"
	"kernelcore/internal/spinlock"
	"kernelcore/internal/vmm"
)

// State is a task's scheduling/lifecycle state.
type State uint8

const (
	StateRunning State = iota
	StateSleepingInterruptible
	StateSleepingUninterruptible
	StateStopped
	StateTraced
	StateZombie
	StateDead
)

// Context is the saved register state a context switch restores,
// mirroring the fields original_source's cpu_context actually needs
// to resume a task: stack pointer, instruction pointer, flags, and
// the two segment selectors loaded by the trampoline's IRET/SYSRET
// path.
type Context struct {
	RSP    uint64
	RIP    uint64
	RFLAGS uint64
	CS     uint64
	SS     uint64
}

// Task is one schedulable unit. It embeds four intrusive links:
// global (every task, ever), runq (its core's run-queue while
// runnable), sibling (its parent's children list), and zombie (its
// parent's zombie_children list once it exits). A task is linked into
// at most one of {runq, zombie} at a time in addition to global and
// (if it has a parent) sibling.
type Task struct {
	global  ilist.Node
	runq    ilist.Node
	sibling ilist.Node
	zombie  ilist.Node

	PID       uint64
	ParentPID uint64
	State     State
	CPUID     int
	ExitCode  int
	Context   Context

	// Descriptor is nil for kernel tasks, matching "kernel tasks have
	// no descriptor."
	Descriptor *mm.Descriptor

	stackPhys  uint64
	stackOrder uint8

	children       ilist.List
	zombieChildren ilist.List
}

var (
	globalLinkOffset  = unsafe.Offsetof(Task{}.global)
	runqLinkOffset    = unsafe.Offsetof(Task{}.runq)
	siblingLinkOffset = unsafe.Offsetof(Task{}.sibling)
	zombieLinkOffset  = unsafe.Offsetof(Task{}.zombie)
)

// RunqNode exposes the run-queue link for internal/sched, which owns
// the per-core lists these nodes are pushed into and popped from.
func (t *Task) RunqNode() *ilist.Node { return &t.runq }

// FromRunqNode recovers the owning Task from a node internal/sched
// pulled out of a run-queue list.
func FromRunqNode(n *ilist.Node) *Task { return ilist.ContainerOf[Task](n, runqLinkOffset) }

// Scheduler is the narrow surface TaskExit needs from internal/sched:
// removing the exiting task from wherever it's queued, adjusting that
// core's load counter, moving a woken task back onto a run-queue, and
// finally invoking the scheduler to pick something else to run. Kept
// as an interface so this package does not import internal/sched
// (which itself imports internal/task to walk task objects).
type Scheduler interface {
	RemoveFromRunQueue(t *Task)
	DecrementTaskCounter(cpuID int)
	WakeUpTask(t *Task)
	Schedule(cpuID int)
}

// Manager owns the global task list, PID allocation, and the
// resources (stacks, address spaces) task creation consumes.
type Manager struct {
	alloc *buddy.Allocator
	vmm   *vmm.Manager

	globalList ilist.List
	globalLock spinlock.Spinlock

	pidLock spinlock.Spinlock
	nextPID uint64

	byPID map[uint64]*Task
}

// NewManager builds a task manager. alloc backs kernel task stacks
// (order-2, kconfig.KernelStackPages contiguous pages); v creates user
// task address spaces.
func NewManager(alloc *buddy.Allocator, v *vmm.Manager) *Manager {
	m := &Manager{alloc: alloc, vmm: v, nextPID: kconfig.PIDFirst, byPID: make(map[uint64]*Task)}
	m.globalList.Init()
	return m
}

// allocPID hands out a monotonically increasing PID, wrapping back to
// PIDFirst at PIDWrap — PID 1 (kconfig.PIDInit) is reserved for init
// and never issued here.
func (m *Manager) allocPID() uint64 {
	m.pidLock.Lock()
	defer m.pidLock.Unlock()
	pid := m.nextPID
	m.nextPID++
	if m.nextPID >= kconfig.PIDWrap {
		m.nextPID = kconfig.PIDFirst
	}
	return pid
}

// CreateTask returns a zero-initialized task with empty lists and a
// zero context, mirroring create_task's bare-bones starting point.
func (m *Manager) CreateTask() *Task {
	t := &Task{PID: m.allocPID(), State: StateRunning, CPUID: -1}
	t.children.Init()
	t.zombieChildren.Init()
	m.link(t)
	return t
}

func (m *Manager) link(t *Task) {
	m.globalLock.Lock()
	defer m.globalLock.Unlock()
	m.globalList.PushBack(&t.global)
	m.byPID[t.PID] = t
}

// ByPID looks up a live task, or nil if none with that PID is
// currently tracked (already reaped, or never existed).
func (m *Manager) ByPID(pid uint64) *Task {
	m.globalLock.Lock()
	defer m.globalLock.Unlock()
	return m.byPID[pid]
}

func stackOrderFor(pages uint64) uint8 {
	order := uint8(0)
	for (uint64(1) << order) < pages {
		order++
	}
	return order
}

// CreateKernelTask allocates a kconfig.KernelStackPages-page stack and
// seeds a context pointing at fn, mirroring create_kernel_task: stack
// pointer at the stack's top (stacks grow down), instruction pointer
// at fn, RFLAGS with interrupts enabled, kernel code/stack selectors.
func (m *Manager) CreateKernelTask(fn uintptr) (*Task, error) {
	t := m.CreateTask()

	order := stackOrderFor(kconfig.KernelStackPages)
	phys, err := m.alloc.AllocOrder(order)
	if err != nil {
		return nil, err
	}
	t.stackPhys = phys
	t.stackOrder = order

	stackBase := uint64(uintptr(m.alloc.PhysToVirt(phys)))
	stackTop := stackBase + kconfig.KernelStackPages*kconfig.PageSize

	t.Context = Context{
		RSP:    stackTop,
		RIP:    uint64(fn),
		RFLAGS: kconfig.InitialRFLAGS,
		CS:     kconfig.KernelCS,
		SS:     kconfig.KernelSS,
	}
	return t, nil
}

// CreateUserTask additionally allocates a memory descriptor backed by
// a fresh address space, mirroring create_user_task.
func (m *Manager) CreateUserTask(fn uintptr) (*Task, error) {
	t, err := m.CreateKernelTask(fn)
	if err != nil {
		return nil, err
	}
	as, err := m.vmm.NewAddressSpace()
	if err != nil {
		_ = m.alloc.FreeOrder(t.stackPhys, t.stackOrder)
		return nil, err
	}
	t.Descriptor = mm.NewDescriptor(as)
	return t, nil
}

// SetParent records parent as t's parent and links t into parent's
// children list under the global task-list lock.
func (m *Manager) SetParent(t, parent *Task) {
	m.globalLock.Lock()
	defer m.globalLock.Unlock()
	t.ParentPID = parent.PID
	parent.children.PushBack(&t.sibling)
}

// TaskExit implements task_exit's full teardown sequence. Interrupts
// are masked for the duration since both the run-queue removal and
// the parent zombie-child handoff must not be interrupted by a timer
// tick trying to schedule this task again. sched.Schedule() is
// expected not to return in a real build (it switches to another
// task); host tests may use a Scheduler whose Schedule is a no-op to
// observe the state TaskExit leaves behind.
func (m *Manager) TaskExit(t *Task, code int, sched Scheduler) {
	flags := irq.SaveAndDisable()
	defer irq.Restore(flags)

	t.ExitCode = code
	t.State = StateZombie

	sched.RemoveFromRunQueue(t)
	sched.DecrementTaskCounter(t.CPUID)

	if t.Descriptor != nil {
		if err := m.vmm.DestroyAddressSpace(t.Descriptor.AS); err != nil {
			klog.Error("task: failed to destroy exiting task's address space: " + err.Error())
		}
		t.Descriptor = nil
	}

	m.globalLock.Lock()
	parent := m.byPID[t.ParentPID]
	if parent != nil {
		t.sibling.Remove()
		if parent.State == StateSleepingInterruptible {
			parent.zombieChildren.PushBack(&t.zombie)
		}
	}

	// Orphan any live children. original_source leaves re-parenting to
	// init as an explicit TODO ("tricky, parent may be on another
	// CPU"); this keeps the same gap rather than inventing a policy
	// the spec never resolved.
	for n := t.children.Front(); n != nil; n = t.children.Front() {
		child := ilist.ContainerOf[Task](n, siblingLinkOffset)
		n.Remove()
		child.ParentPID = 0
	}
	m.globalLock.Unlock()

	if parent != nil && parent.State == StateSleepingInterruptible {
		sched.WakeUpTask(parent)
	}

	sched.Schedule(t.CPUID)
}
