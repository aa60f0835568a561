package wait

import (
	"sync"
	"testing"
	"time"
)

// fakeThread is a minimal Blockable for testing Object in isolation
// from internal/task, mirroring task.Thread's Block/Wake/BlockUntil
// state machine closely enough to exercise the same races.
type fakeThread struct {
	mu      sync.Mutex
	blocked bool
	parkCh  chan struct{}
}

func newFakeThread() *fakeThread {
	return &fakeThread{parkCh: make(chan struct{})}
}

func (f *fakeThread) BlockUntil(commit func() bool) {
	f.mu.Lock()
	f.blocked = true
	ch := f.parkCh
	f.mu.Unlock()

	if !commit() {
		f.mu.Lock()
		f.blocked = false
		f.mu.Unlock()
		return
	}
	<-ch
}

func (f *fakeThread) Wake() {
	f.mu.Lock()
	if !f.blocked {
		f.mu.Unlock()
		return
	}
	f.blocked = false
	old := f.parkCh
	f.parkCh = make(chan struct{})
	f.mu.Unlock()
	close(old)
}

func TestWaitReturnsImmediatelyWhenReady(t *testing.T) {
	var o Object
	th := newFakeThread()
	called := false
	o.Wait(th, func() bool { called = true; return true })
	if !called {
		t.Fatalf("ready predicate was never consulted")
	}
	if th.blocked {
		t.Fatalf("thread should not have blocked")
	}
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	var o Object
	th := newFakeThread()
	ready := false

	done := make(chan struct{})
	go func() {
		o.Wait(th, func() bool { return ready })
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Wait returned before signal")
	case <-time.After(20 * time.Millisecond):
	}

	ready = true
	o.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Signal")
	}
}

// TestSignalBeforeBlockIsNotLost exercises the race BlockUntil exists
// to close: a Signal racing in right as the waiter registers itself
// must not be missed.
func TestSignalBeforeBlockIsNotLost(t *testing.T) {
	var o Object
	th := newFakeThread()
	var ready atomicBool

	done := make(chan struct{})
	go func() {
		o.Wait(th, func() bool { return ready.Load() })
		close(done)
	}()

	// Give Wait a moment to reach BlockUntil's commit call, then flip
	// ready and signal concurrently with the enqueue.
	time.Sleep(5 * time.Millisecond)
	ready.Store(true)
	o.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("wakeup lost")
	}
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) Store(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) Load() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
