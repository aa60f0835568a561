// Package ksync implements the kernel's own synchronization primitives
// (§4.6): a busy-wait spinlock, a mutex with a FIFO waiter queue, and a
// counting semaphore. All three are safe to construct in static storage
// and initialize once before any concurrent use, matching the
// mutex-guards-struct shape the teacher uses throughout
// internal/devices/amd64/chipset (DualPIC, PIT, IOAPIC all embed a bare
// sync.Mutex and are usable from their zero value).
//
// Kernel "threads" here are realized as goroutines: blocking on a
// mutex/semaphore genuinely parks the calling goroutine on a channel
// rather than manipulating a simulated register file, which is the
// idiomatic Go re-expression of spec.md's "mark non-runnable, release
// the internal spinlock, yield" sequence.
package ksync

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Spinlock is a two-state (free/held) busy-wait lock.
type Spinlock struct {
	state atomicbitops.Uint32
}

const (
	spinFree  uint32 = 0
	spinHeld  uint32 = 1
	spinSpins        = 64
)

// Lock busy-waits until the spinlock is acquired.
func (s *Spinlock) Lock() {
	spins := 0
	for !s.state.CompareAndSwap(spinFree, spinHeld) {
		spins++
		if spins > spinSpins {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to acquire the spinlock without waiting.
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(spinFree, spinHeld)
}

// Unlock releases the spinlock. Unlocking a free spinlock is a no-op,
// matching the teacher's defer-based scoped-release idiom tolerating
// early-return paths.
func (s *Spinlock) Unlock() {
	s.state.Store(spinFree)
}

// Guard acquires the spinlock, runs fn, and releases it even if fn
// panics, the scoped-acquire helper spec.md §4.6 asks for.
func (s *Spinlock) Guard(fn func()) {
	s.Lock()
	defer s.Unlock()
	fn()
}

// waiter is one parked goroutine in a FIFO queue; closing ch wakes it.
type waiter struct {
	ch    chan struct{}
	owner uint64
}

func newWaiter(owner uint64) *waiter {
	return &waiter{ch: make(chan struct{}), owner: owner}
}

// Mutex is a held flag, an owner token, a FIFO waiter queue, and an
// internal spinlock, per spec.md §4.6. Owner tokens are opaque caller-
// supplied identifiers (the owning thread's handle-table-style id);
// ksync does not depend on internal/task to avoid a package cycle
// between the scheduler and the primitives the scheduler itself uses.
type Mutex struct {
	internal Spinlock
	held     bool
	owner    uint64
	queue    []*waiter
}

// TryLock acquires the mutex only if it is currently free (the "try",
// zero-timeout case from spec.md §4.6).
func (m *Mutex) TryLock(owner uint64) bool {
	m.internal.Lock()
	defer m.internal.Unlock()
	if m.held {
		return false
	}
	m.held = true
	m.owner = owner
	return true
}

// Lock acquires the mutex, blocking indefinitely (the "infinite"
// timeout case) if it is already held. On contended acquire the caller
// is enqueued FIFO and parked on a channel; Unlock wakes the queue head
// directly, handing it ownership without a re-race against new
// contenders, matching spec.md §4.6's handover description.
func (m *Mutex) Lock(owner uint64) {
	m.internal.Lock()
	if !m.held {
		m.held = true
		m.owner = owner
		m.internal.Unlock()
		return
	}
	w := newWaiter(owner)
	m.queue = append(m.queue, w)
	m.internal.Unlock()

	<-w.ch
	// Woken by Unlock, which already set held/owner for us.
}

// Unlock releases the mutex. If waiters are queued, ownership transfers
// directly to the FIFO head, which is woken already owning the lock;
// otherwise the mutex becomes free.
func (m *Mutex) Unlock() {
	m.internal.Lock()
	defer m.internal.Unlock()
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		// Ownership transfers directly to next; held stays true.
		m.owner = next.owner
		close(next.ch)
		return
	}
	m.held = false
	m.owner = 0
}

// Owner returns the current owner token and whether the mutex is held.
func (m *Mutex) Owner() (owner uint64, held bool) {
	m.internal.Lock()
	defer m.internal.Unlock()
	return m.owner, m.held
}

// Semaphore is a counter bounded by max, plus a FIFO waiter queue.
// Wait decrements the count or queues; Signal increments the count or
// promotes the head waiter directly, per spec.md §4.6.
type Semaphore struct {
	internal Spinlock
	count    int
	max      int
	queue    []*waiter
}

// NewSemaphore creates a semaphore with the given initial count and
// maximum count.
func NewSemaphore(initial, max int) *Semaphore {
	return &Semaphore{count: initial, max: max}
}

// Wait decrements the semaphore, blocking if the count is already zero.
func (s *Semaphore) Wait() {
	s.internal.Lock()
	if s.count > 0 {
		s.count--
		s.internal.Unlock()
		return
	}
	w := newWaiter(0)
	s.queue = append(s.queue, w)
	s.internal.Unlock()

	<-w.ch
}

// TryWait decrements the semaphore only if it would not block.
func (s *Semaphore) TryWait() bool {
	s.internal.Lock()
	defer s.internal.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Signal increments the semaphore, or, if a waiter is queued, hands the
// increment directly to the FIFO head.
func (s *Semaphore) Signal() {
	s.internal.Lock()
	defer s.internal.Unlock()
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		close(next.ch)
		return
	}
	if s.count < s.max || s.max == 0 {
		s.count++
	}
}

// Count returns the current semaphore count, for tests and diagnostics.
func (s *Semaphore) Count() int {
	s.internal.Lock()
	defer s.internal.Unlock()
	return s.count
}
