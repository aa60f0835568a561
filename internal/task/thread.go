package task

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/kernel/internal/handle"
)

// State is a thread's scheduling state. There is no separate "running"
// state: a thread executing on a CPU stays StateRunnable and is
// tracked by the scheduler's per-CPU current-thread pointer.
type State int

const (
	StateNew State = iota
	StateRunnable
	StateBlocked
	StateSuspended
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunnable:
		return "runnable"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Thread is a schedulable unit of execution (spec.md §3). Per the
// ownership design in spec.md §9, Process strongly owns its Threads
// (via Process.threads); Thread.process is documented as the "weak"
// side of that relationship even though Go's garbage collector does
// not distinguish strong and weak references the way a reference-
// counted C++ kernel would — the comment records the intended
// ownership direction, which matters for destruction order.
type Thread struct {
	ID uint64

	process *Process // weak: see doc comment above

	mu            sync.Mutex
	state         State
	permitRunning bool

	Context *Context
	Handles *handle.Table

	KernelStack []byte

	parkCh chan struct{}
}

func newThread(id uint64, proc *Process, ctx *Context, stack []byte) *Thread {
	return &Thread{
		ID:            id,
		process:       proc,
		state:         StateNew,
		permitRunning: true,
		Context:       ctx,
		Handles:       handle.NewTable(),
		KernelStack:   stack,
		parkCh:        make(chan struct{}),
	}
}

// Process returns the thread's owning process.
func (t *Thread) Process() *Process {
	return t.process
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PermitRunning reports the thread's permit-running gate (spec.md
// §4.2's schedule() operation only selects threads for which this is
// true).
func (t *Thread) PermitRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permitRunning
}

// SetPermitRunning sets the permit-running gate.
func (t *Thread) SetPermitRunning(v bool) {
	t.mu.Lock()
	t.permitRunning = v
	t.mu.Unlock()
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Block transitions the thread to blocked and parks the calling
// goroutine until a matching Wake call. Scheduler.Block is built on
// it; internal/wait's wait object uses BlockUntil instead, and
// internal/ksync parks goroutines on its own channels without
// touching Thread.
func (t *Thread) Block() {
	t.mu.Lock()
	t.state = StateBlocked
	ch := t.parkCh
	t.mu.Unlock()
	<-ch
}

// BlockUntil marks the thread blocked, then runs commit while the
// thread is already non-runnable and before anyone else can observe
// it as anything but blocked. This closes the lost-wakeup race a
// naive "enqueue, then Block" sequence has: without it, a Wake
// arriving in the gap between enqueueing and the state flip to
// blocked would see state still Runnable and no-op. If commit returns
// false the thread reverts to Runnable without ever parking;
// otherwise it parks until the next Wake. internal/wait's Object.Wait
// uses this to enqueue itself under its own lock exactly once the
// thread can no longer miss a subsequent Wake.
func (t *Thread) BlockUntil(commit func() bool) {
	t.mu.Lock()
	t.state = StateBlocked
	ch := t.parkCh
	t.mu.Unlock()

	if !commit() {
		t.mu.Lock()
		if t.state == StateBlocked {
			t.state = StateRunnable
		}
		t.mu.Unlock()
		return
	}
	<-ch
}

// Wake transitions the thread back to runnable and releases anything
// parked in Block.
func (t *Thread) Wake() {
	t.mu.Lock()
	if t.state != StateBlocked {
		t.mu.Unlock()
		return
	}
	t.state = StateRunnable
	old := t.parkCh
	t.parkCh = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

// Suspend and Resume implement the suspended state used by the
// cross-CPU suspend/resume signalling protocol (spec.md §4.3).
func (t *Thread) Suspend() {
	t.setState(StateSuspended)
}

func (t *Thread) Resume() {
	t.mu.Lock()
	if t.state == StateSuspended {
		t.state = StateRunnable
	}
	t.mu.Unlock()
}

var nextThreadID atomicbitops.Uint64
