package mpi

import (
	"testing"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
	"github.com/tinyrange/kernel/internal/task"
)

func newTestProcess(t *testing.T) (*task.Scheduler, *task.Process) {
	t.Helper()
	phys, err := mem.NewPhysicalAllocator(64)
	if err != nil {
		t.Fatalf("NewPhysicalAllocator: %v", err)
	}
	t.Cleanup(func() { _ = phys.Close() })
	registry := mem.NewPML4Registry(phys)
	sched := task.NewScheduler(phys, registry, 1)
	proc, err := sched.CreateProcess(0x1000, false)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	return sched, proc
}

// TestMessagePassingRoundTrip is spec.md §8 scenario F.
func TestMessagePassingRoundTrip(t *testing.T) {
	_, sender := newTestProcess(t)
	_, target := newTestProcess(t)
	target.SetMPRegistered()

	m := NewManager()
	body := []byte("hello kernel")
	if err := m.Send(sender.ID, target, 7, body); err != nil {
		t.Fatalf("Send: %v", err)
	}

	hdr, err := m.ReceiveDetails(target)
	if err != nil {
		t.Fatalf("ReceiveDetails: %v", err)
	}
	if hdr.Sender != sender.ID || hdr.ID != 7 || hdr.Len != len(body) {
		t.Fatalf("header mismatch: %+v", hdr)
	}

	buf := make([]byte, len(body))
	n, err := m.ReceiveBody(target, buf)
	if err != nil || n != len(body) {
		t.Fatalf("ReceiveBody: n=%d err=%v", n, err)
	}
	if string(buf) != string(body) {
		t.Fatalf("body mismatch: got %q want %q", buf, body)
	}

	if err := m.Complete(target, hdr); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestSendWithoutRegistrationFails(t *testing.T) {
	_, sender := newTestProcess(t)
	_, target := newTestProcess(t)

	m := NewManager()
	if err := m.Send(sender.ID, target, 1, []byte("x")); kerrors.KindOf(err) != kerrors.SyncMsgNotAccepted {
		t.Fatalf("expected SyncMsgNotAccepted, got %v", err)
	}
}

func TestReceiveDetailsTwiceWithoutCompleteFails(t *testing.T) {
	_, sender := newTestProcess(t)
	_, target := newTestProcess(t)
	target.SetMPRegistered()

	m := NewManager()
	_ = m.Send(sender.ID, target, 1, []byte("x"))
	if _, err := m.ReceiveDetails(target); err != nil {
		t.Fatalf("first ReceiveDetails: %v", err)
	}
	if _, err := m.ReceiveDetails(target); kerrors.KindOf(err) != kerrors.InvalidOp {
		t.Fatalf("expected InvalidOp on second peek, got %v", err)
	}
}

func TestReceiveDetailsEmptyQueue(t *testing.T) {
	_, target := newTestProcess(t)
	target.SetMPRegistered()
	m := NewManager()
	if _, err := m.ReceiveDetails(target); kerrors.KindOf(err) != kerrors.SyncMsgQueueEmpty {
		t.Fatalf("expected SyncMsgQueueEmpty, got %v", err)
	}
}

func TestCompleteMismatchedHeaderRejected(t *testing.T) {
	_, sender := newTestProcess(t)
	_, target := newTestProcess(t)
	target.SetMPRegistered()

	m := NewManager()
	_ = m.Send(sender.ID, target, 1, []byte("x"))
	hdr, _ := m.ReceiveDetails(target)
	hdr.ID = 999
	if err := m.Complete(target, hdr); kerrors.KindOf(err) != kerrors.SyncMsgMismatch {
		t.Fatalf("expected SyncMsgMismatch, got %v", err)
	}
}
