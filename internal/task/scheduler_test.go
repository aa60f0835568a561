package task

import (
	"testing"

	"github.com/tinyrange/kernel/internal/mem"
)

func newTestScheduler(t *testing.T, pages, cpus int) *Scheduler {
	t.Helper()
	phys, err := mem.NewPhysicalAllocator(pages)
	if err != nil {
		t.Fatalf("NewPhysicalAllocator: %v", err)
	}
	t.Cleanup(func() { _ = phys.Close() })
	registry := mem.NewPML4Registry(phys)
	return NewScheduler(phys, registry, cpus)
}

func TestCreateProcessIsRunnable(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	proc, err := s.CreateProcess(0x1000, false)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	threads := proc.Threads()
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	if threads[0].State() != StateRunnable {
		t.Fatalf("state = %v, want runnable", threads[0].State())
	}
	if threads[0].Context.RIP != 0x1000 {
		t.Fatalf("RIP = %#x, want 0x1000", threads[0].Context.RIP)
	}
}

// TestScheduleRoundRobin is spec.md §8's testable property 2: the
// scheduler cycles through runnable threads in FIFO order and the
// per-CPU current-thread pointer always reflects the selected thread.
func TestScheduleRoundRobin(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p1, _ := s.CreateProcess(0x1000, false)
	p2, _ := s.CreateProcess(0x2000, false)
	t1 := p1.Threads()[0]
	t2 := p2.Threads()[0]

	first := s.Schedule(0)
	if first != t1 {
		t.Fatalf("first scheduled thread = %v, want t1", first)
	}
	if s.CurrentThread(0) != t1 {
		t.Fatalf("CurrentThread mismatch after Schedule")
	}

	second := s.Schedule(0)
	if second != t2 {
		t.Fatalf("second scheduled thread = %v, want t2", second)
	}

	third := s.Schedule(0)
	if third != t1 {
		t.Fatalf("third scheduled thread = %v, want t1 again (round robin)", third)
	}
}

func TestScheduleSkipsPermitRunningFalse(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p1, _ := s.CreateProcess(0x1000, false)
	p2, _ := s.CreateProcess(0x2000, false)
	t1 := p1.Threads()[0]
	t2 := p2.Threads()[0]
	t1.SetPermitRunning(false)

	got := s.Schedule(0)
	if got != t2 {
		t.Fatalf("Schedule picked %v, want t2 (t1 gated by permit-running)", got)
	}
}

func TestBlockWakeRemovesAndRestoresFromRotation(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p1, _ := s.CreateProcess(0x1000, false)
	t1 := p1.Threads()[0]

	done := make(chan struct{})
	go func() {
		s.Block(t1)
		close(done)
	}()

	// Give the goroutine a chance to reach the blocked state.
	for t1.State() != StateBlocked {
	}

	s.Wake(t1)
	<-done

	if t1.State() != StateRunnable {
		t.Fatalf("state after Wake = %v, want runnable", t1.State())
	}
}

func TestExitRemovesThreadFromProcess(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p, _ := s.CreateProcess(0x1000, false)
	th := p.Threads()[0]

	s.Exit(th)

	if th.State() != StateTerminated {
		t.Fatalf("state = %v, want terminated", th.State())
	}
	if p.LiveThreadCount() != 0 {
		t.Fatalf("LiveThreadCount = %d, want 0", p.LiveThreadCount())
	}
}

func TestSetStartParams(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p, _ := s.CreateProcess(0x1000, false)

	if err := s.SetStartParams(p, 3, 0x2000, 0x3000); err != nil {
		t.Fatalf("SetStartParams: %v", err)
	}
	th := p.Threads()[0]
	if th.Context.RDI != 3 || th.Context.RSI != 0x2000 || th.Context.RDX != 0x3000 {
		t.Fatalf("start params not written to context: %+v", th.Context)
	}
}

func TestCreateThreadInSharesAddressSpace(t *testing.T) {
	s := newTestScheduler(t, 256, 1)
	p, _ := s.CreateProcess(0x1000, false)

	th2, err := s.CreateThreadIn(p, 0x4000, 0, 42)
	if err != nil {
		t.Fatalf("CreateThreadIn: %v", err)
	}
	if th2.Context.PageTableRoot != p.AddressSpace.PML4Phys() {
		t.Fatalf("second thread has a different address space root")
	}
	if th2.Context.RDI != 42 {
		t.Fatalf("arg not passed through: RDI = %d", th2.Context.RDI)
	}
	if len(p.Threads()) != 2 {
		t.Fatalf("expected 2 threads in process, got %d", len(p.Threads()))
	}
}
