package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
)

// defaultUserStackPages and defaultKernelStackPages are the page counts
// given to an auto-allocated thread stack when the caller doesn't
// supply one.
const (
	defaultUserStackPages   = 8
	defaultKernelStackPages = 2
)

// Scheduler owns every process/thread in the system and the FIFO
// round-robin runnable queue, per spec.md §4.2. It is intentionally
// per-kernel-instance (not a package-level global) so tests can create
// independent schedulers, mirroring how the teacher's VM instances each
// own their own vCPU/device state rather than sharing globals.
type Scheduler struct {
	phys     *mem.PhysicalAllocator
	registry *mem.PML4Registry

	mu      sync.Mutex
	runq    []*Thread
	current []atomic.Pointer[Thread] // indexed by cpu id, simulating the kernel-GS MSR

	nextProcID atomicbitops.Uint64
}

// NewScheduler creates a scheduler for a system with cpuCount logical
// CPUs, backed by phys/registry for address-space allocation.
func NewScheduler(phys *mem.PhysicalAllocator, registry *mem.PML4Registry, cpuCount int) *Scheduler {
	s := &Scheduler{
		phys:     phys,
		registry: registry,
		current:  make([]atomic.Pointer[Thread], cpuCount),
	}
	s.nextProcID.Store(1)
	return s
}

// CreateProcess allocates a process, its address space (kernel half
// cloned per spec.md §3), one thread, that thread's saved context
// (PC=entry, user stack allocated), and, for user processes, a
// separate kernel stack for syscalls.
func (s *Scheduler) CreateProcess(entry uint64, kernelMode bool) (*Process, error) {
	as, err := mem.NewAddressSpace(s.phys, s.registry, kernelMode)
	if err != nil {
		return nil, fmt.Errorf("task: create address space: %w", err)
	}

	proc := newProcess(s.nextProcID.Add(1)-1, as, kernelMode)

	stackPages := defaultUserStackPages
	if kernelMode {
		stackPages = defaultKernelStackPages
	}
	userStack, err := s.allocateStack(as, stackPages)
	if err != nil {
		_ = as.Destroy()
		return nil, err
	}

	var kernelStack []byte
	if !kernelMode {
		kernelStack = make([]byte, defaultKernelStackPages*mem.PageSize)
	}

	ctx := NewContext(entry, as.PML4Phys(), 0)
	ctx.UserRSP = uint64(userStack)

	th := newThread(0, proc, ctx, kernelStack)
	proc.addThread(th)

	s.mu.Lock()
	s.runq = append(s.runq, th)
	s.mu.Unlock()
	th.setState(StateRunnable)

	return proc, nil
}

// CreateThreadIn creates a new thread within an existing process. If
// stack is zero, one is auto-allocated. arg is placed in the context's
// first argument-register slot.
func (s *Scheduler) CreateThreadIn(proc *Process, entry uint64, stack mem.VirtAddr, arg uint64) (*Thread, error) {
	if stack == 0 {
		allocated, err := s.allocateStack(proc.AddressSpace, defaultUserStackPages)
		if err != nil {
			return nil, fmt.Errorf("task: allocate thread stack: %w", err)
		}
		stack = allocated
	}

	var kernelStack []byte
	if !proc.KernelMode {
		kernelStack = make([]byte, defaultKernelStackPages*mem.PageSize)
	}

	ctx := NewContext(entry, proc.AddressSpace.PML4Phys(), arg)
	ctx.UserRSP = uint64(stack)

	th := newThread(0, proc, ctx, kernelStack)
	proc.addThread(th)

	s.mu.Lock()
	s.runq = append(s.runq, th)
	s.mu.Unlock()
	th.setState(StateRunnable)

	return th, nil
}

// allocateStack reserves a virtual range in as, backs it with freshly
// allocated physical pages, and maps the two together. It returns the
// top of the range, since stacks grow down from their high address.
func (s *Scheduler) allocateStack(as *mem.AddressSpace, pages int) (mem.VirtAddr, error) {
	virt, err := as.AllocateVirtualRange(pages, mem.BackingAnonymous)
	if err != nil {
		return 0, err
	}
	phys, err := s.phys.Allocate(pages)
	if err != nil {
		_, _ = as.FreeVirtualRange(virt)
		return 0, err
	}
	if err := as.MapRange(phys, virt, pages, mem.WriteBack); err != nil {
		_ = s.phys.Free(phys, pages)
		_, _ = as.FreeVirtualRange(virt)
		return 0, err
	}
	return virt + mem.VirtAddr(pages*mem.PageSize), nil // stacks grow down
}

// SetStartParams writes argc/argv/env into the first three argument-
// register slots of proc's first thread's saved context. Valid only
// before that process has begun executing.
func (s *Scheduler) SetStartParams(proc *Process, argc uint64, argvPtr, envPtr uint64) error {
	threads := proc.Threads()
	if len(threads) == 0 {
		return kerrors.New(kerrors.NotFound)
	}
	first := threads[0]
	if first.State() != StateRunnable && first.State() != StateNew {
		return kerrors.New(kerrors.InvalidOp)
	}
	first.Context.RDI = argc
	first.Context.RSI = argvPtr
	first.Context.RDX = envPtr
	return nil
}

// Schedule selects the next runnable thread for cpu using FIFO round-
// robin over the permit-running-gated runnable queue, updates the
// per-CPU current-thread pointer (the kernel-GS MSR analogue), and
// returns it. It returns nil if no thread is runnable.
func (s *Scheduler) Schedule(cpu int) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.current[cpu].Load(); prev != nil {
		if prev.State() != StateTerminated && prev.State() != StateBlocked && prev.State() != StateSuspended {
			prev.setState(StateRunnable)
			s.runq = append(s.runq, prev)
		}
	}

	for len(s.runq) > 0 {
		next := s.runq[0]
		s.runq = s.runq[1:]
		if st := next.State(); st == StateTerminated || st == StateBlocked {
			continue
		}
		if !next.PermitRunning() {
			s.runq = append(s.runq, next)
			continue
		}
		next.setState(StateRunnable)
		s.current[cpu].Store(next)
		return next
	}
	s.current[cpu].Store(nil)
	return nil
}

// CurrentThread returns the thread currently executing on cpu, the
// per-CPU kernel-GS-MSR analogue described in spec.md §4.2 and
// exercised by spec.md §8's testable property 2.
func (s *Scheduler) CurrentThread(cpu int) *Thread {
	return s.current[cpu].Load()
}

// Yield issues the reschedule software interrupt on the current CPU:
// in this simulation that is simply an immediate call to Schedule.
// internal/intr's reschedule-vector handler is the real entry point
// hardware interrupts use; Yield is the syscall-level equivalent.
func (s *Scheduler) Yield(cpu int) *Thread {
	return s.Schedule(cpu)
}

// Exit transitions thread to terminated and removes it from its
// process. The saved context and kernel stack are only actually
// reclaimed once the thread is off every scheduling queue, which for
// our goroutine-backed model is simply once Schedule has moved past it
// (dead entries are skipped and dropped during the next Schedule call
// that walks the queue).
func (s *Scheduler) Exit(t *Thread) {
	t.setState(StateTerminated)
	t.process.removeThread(t)
}

// Block removes t from consideration by the scheduler (it is already
// not in s.runq once popped for execution; a thread blocking while
// merely runnable-but-not-current is simply marked so Schedule skips
// it) and parks the calling goroutine, the concrete yield §4.6 asks a
// contended mutex/semaphore acquire to perform.
func (s *Scheduler) Block(t *Thread) {
	t.Block()
}

// Wake marks a blocked thread runnable again and re-enqueues it.
func (s *Scheduler) Wake(t *Thread) {
	t.Wake()
	s.mu.Lock()
	s.runq = append(s.runq, t)
	s.mu.Unlock()
}

// CPUCount returns the number of logical CPUs this scheduler was
// created with.
func (s *Scheduler) CPUCount() int {
	return len(s.current)
}
