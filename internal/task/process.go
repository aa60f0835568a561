package task

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
)

// MemInfo is a process's memory-info record (spec.md §3).
type MemInfo struct {
	PhysPagesOwned atomicbitops.Int64
	VirtRanges     atomicbitops.Int64
}

// Process is spec.md §3's process entity: an address space, an
// owning-kernel-mode flag, a list of threads, and (per spec.md §4.5's
// operative description, which the handle table is actually keyed
// against) each thread's own handle table rather than one shared
// process-wide table.
type Process struct {
	ID uint64

	AddressSpace *mem.AddressSpace
	KernelMode   bool

	mu      sync.Mutex
	threads []*Thread

	Mem MemInfo

	// mpRegistered gates send_message per spec.md §4.5's
	// register_for_mp one-shot. internal/mpi reads this through
	// Process.EnsureMPRegistered rather than task importing
	// internal/mpi, avoiding a package cycle (mpi depends on task, not
	// the reverse).
	mpRegistered atomicbitops.Bool
}

func newProcess(id uint64, as *mem.AddressSpace, kernelMode bool) *Process {
	return &Process{ID: id, AddressSpace: as, KernelMode: kernelMode}
}

// Threads returns a snapshot of the process's current thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
}

func (p *Process) removeThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// LiveThreadCount reports how many of the process's threads have not
// yet terminated. A process is destroyed only once this reaches zero
// (spec.md §3).
func (p *Process) LiveThreadCount() int {
	n := 0
	for _, t := range p.Threads() {
		if t.State() != StateTerminated {
			n++
		}
	}
	return n
}

// MPRegistered reports whether register_for_mp has been called for
// this process.
func (p *Process) MPRegistered() bool {
	return p.mpRegistered.Load()
}

// SetMPRegistered marks the process as enrolled for message passing.
// Calling it a second time is a no-op success, matching "one-shot
// enabling" rather than re-arming.
func (p *Process) SetMPRegistered() {
	p.mpRegistered.Store(true)
}

// EnsureMPRegistered returns SyncMsgNotAccepted unless the process has
// called register_for_mp, used by internal/mpi before queuing a
// message for a target process.
func (p *Process) EnsureMPRegistered() error {
	if !p.mpRegistered.Load() {
		return kerrors.New(kerrors.SyncMsgNotAccepted)
	}
	return nil
}
