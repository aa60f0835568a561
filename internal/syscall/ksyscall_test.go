package ksyscall

import (
	"testing"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
	"github.com/tinyrange/kernel/internal/mpi"
	"github.com/tinyrange/kernel/internal/systree"
	"github.com/tinyrange/kernel/internal/task"
)

type testEnv struct {
	sched *task.Scheduler
	proc  *task.Process
	th    *task.Thread
	disp  *Dispatcher
	root  *systree.Branch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	phys, err := mem.NewPhysicalAllocator(256)
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
	th := proc.Threads()[0]

	root := systree.NewBranch("", func(name string) (systree.Node, error) {
		return systree.NewFile(name), nil
	})

	disp := NewDispatcher(root, mpi.NewManager(), phys)
	return &testEnv{sched: sched, proc: proc, th: th, disp: disp, root: root}
}

func TestCreateObjectOpenReadWrite(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.disp.CreateObject(env.th, "\\greeting")
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	n, err := env.disp.Write(env.th, id, 0, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	if _, err := env.disp.Seek(env.th, id, 0, SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	data, n, err := env.disp.Read(env.th, id, 0, 5, false)
	if err != nil || n != 5 || string(data) != "hello" {
		t.Fatalf("Read: data=%q n=%d err=%v", data, n, err)
	}
}

func TestOpenMissingPathFailsWithoutCreate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.disp.Open(env.th, "\\nope", false); kerrors.KindOf(err) != kerrors.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestOpenCreatesWhenRequested(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.disp.Open(env.th, "\\auto", true)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	if _, err := env.disp.GetDataLen(env.th, id); err != nil {
		t.Fatalf("GetDataLen: %v", err)
	}
}

func TestDeleteAndRename(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.disp.CreateObject(env.th, "\\a"); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := env.disp.Rename("\\a", "\\b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := env.disp.GetPropertiesByPath("\\a"); err != nil {
		t.Fatalf("GetPropertiesByPath(a): %v", err)
	} else if props, _ := env.disp.GetPropertiesByPath("\\a"); props.Exists {
		t.Fatalf("expected \\a to no longer exist")
	}
	if err := env.disp.Delete("\\b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	props, err := env.disp.GetPropertiesByPath("\\b")
	if err != nil {
		t.Fatalf("GetPropertiesByPath(b): %v", err)
	}
	if props.Exists {
		t.Fatalf("expected \\b to no longer exist after delete")
	}
}

// TestEnumChildrenResume is spec.md §8 scenario B, exercised through
// the syscall surface rather than systree directly.
func TestEnumChildrenResume(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := env.disp.CreateObject(env.th, "\\"+name); err != nil {
			t.Fatalf("CreateObject(%s): %v", name, err)
		}
	}
	rootID := insertNode(env.th.Handles, env.root)

	first, err := env.disp.EnumChildren(env.th, rootID, "", 2)
	if err != nil {
		t.Fatalf("EnumChildren first: %v", err)
	}
	if len(first) != 2 || first[0] != "a" || first[1] != "b" {
		t.Fatalf("first page = %v", first)
	}

	second, err := env.disp.EnumChildren(env.th, rootID, first[1], 2)
	if err != nil {
		t.Fatalf("EnumChildren second: %v", err)
	}
	if len(second) != 2 || second[0] != "c" || second[1] != "d" {
		t.Fatalf("second page = %v", second)
	}
}

func TestSeekOutOfRangeRejected(t *testing.T) {
	env := newTestEnv(t)
	id, _ := env.disp.CreateObject(env.th, "\\f")
	_, _ = env.disp.Write(env.th, id, 0, []byte("abc"))
	if _, err := env.disp.Seek(env.th, id, 100, SeekStart); kerrors.KindOf(err) != kerrors.OutOfRange {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
}

func TestPackNamesRoundTrip(t *testing.T) {
	names := []string{"a", "bb", "ccc"}
	packed, size := PackNames(names)
	if len(packed) != size {
		t.Fatalf("len(packed)=%d size=%d", len(packed), size)
	}
	wantPtrTable := (len(names) + 1) * 8
	if size <= wantPtrTable {
		t.Fatalf("required size %d too small for pointer table of %d", size, wantPtrTable)
	}
}

func TestMemoryAllocateAndRelease(t *testing.T) {
	env := newTestEnv(t)
	base, err := env.disp.AllocateBackingMemory(env.proc, 2)
	if err != nil {
		t.Fatalf("AllocateBackingMemory: %v", err)
	}
	if _, ok := env.proc.AddressSpace.GetPhysAddr(base); !ok {
		t.Fatalf("expected base to be mapped")
	}
	if err := env.disp.ReleaseBackingMemory(env.proc, base); err != nil {
		t.Fatalf("ReleaseBackingMemory: %v", err)
	}
	if _, ok := env.proc.AddressSpace.GetPhysAddr(base); ok {
		t.Fatalf("expected base to be unmapped after release")
	}
}

func TestWaitForObjectOnPipe(t *testing.T) {
	env := newTestEnv(t)
	pipe := systree.NewPipe("p", 16)
	if err := env.root.AddChild("p", pipe); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	id := insertNode(env.th.Handles, pipe)

	done := make(chan struct{})
	go func() {
		_ = env.disp.WaitForObject(env.th, id)
		close(done)
	}()

	for env.th.State() != task.StateBlocked {
	}

	wl, _ := pipe.GetChild(systree.WriteLeafName)
	_, _ = wl.(systree.Writable).WriteBytes(0, []byte("x"))

	<-done
}

func TestMessagePassingThroughSyscalls(t *testing.T) {
	env := newTestEnv(t)
	sender, err := env.sched.CreateProcess(0x2000, false)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	env.disp.RegisterForMP(env.proc)

	body := []byte("ping")
	if err := env.disp.SendMessage(sender, env.proc, 42, body); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	hdr, err := env.disp.ReceiveMessageDetails(env.proc)
	if err != nil {
		t.Fatalf("ReceiveMessageDetails: %v", err)
	}
	if hdr.ID != 42 || hdr.Sender != sender.ID {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	buf := make([]byte, len(body))
	if _, err := env.disp.ReceiveMessageBody(env.proc, buf); err != nil {
		t.Fatalf("ReceiveMessageBody: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("body = %q", buf)
	}
	if err := env.disp.MessageComplete(env.proc, hdr); err != nil {
		t.Fatalf("MessageComplete: %v", err)
	}
}

func TestCheckUserPtrRejectsKernelHalfAndNull(t *testing.T) {
	if err := checkUserPtr(0, false); kerrors.KindOf(err) != kerrors.InvalidParam {
		t.Fatalf("expected InvalidParam for null, got %v", err)
	}
	if err := checkUserPtr(mem.VirtAddr(1<<63), true); kerrors.KindOf(err) != kerrors.InvalidParam {
		t.Fatalf("expected InvalidParam for kernel-half pointer, got %v", err)
	}
	if err := checkUserPtr(mem.VirtAddr(0x1000), false); err != nil {
		t.Fatalf("expected valid user pointer to pass, got %v", err)
	}
}

func TestCheckUserBufferRejectsZeroLength(t *testing.T) {
	if err := checkUserBuffer(mem.VirtAddr(0x1000), 0); kerrors.KindOf(err) != kerrors.InvalidParam {
		t.Fatalf("expected InvalidParam for zero length, got %v", err)
	}
}
