package mem

import (
	"bytes"
	"testing"
)

func newTestSystem(t *testing.T, pages int) (*PhysicalAllocator, *PML4Registry) {
	t.Helper()
	phys, err := NewPhysicalAllocator(pages)
	if err != nil {
		t.Fatalf("NewPhysicalAllocator: %v", err)
	}
	t.Cleanup(func() { _ = phys.Close() })
	return phys, NewPML4Registry(phys)
}

func TestPhysicalAllocatorContiguous(t *testing.T) {
	phys, _ := newTestSystem(t, 8)
	a, err := phys.Allocate(3)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a != 0 {
		t.Fatalf("first allocation should start at 0, got %d", a)
	}
	if got := phys.FreePageCount(); got != 5 {
		t.Fatalf("FreePageCount = %d, want 5", got)
	}
}

func TestPhysicalAllocatorOutOfResource(t *testing.T) {
	phys, _ := newTestSystem(t, 2)
	if _, err := phys.Allocate(3); err == nil {
		t.Fatalf("expected OutOfResource error")
	}
}

func TestPhysicalAllocatorFreeThenReuse(t *testing.T) {
	phys, _ := newTestSystem(t, 2)
	a, _ := phys.Allocate(2)
	if err := phys.Free(a, 2); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := phys.Allocate(2); err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
}

// TestPML4SyncScenario is end-to-end scenario C from spec.md §8: create
// two processes, map a fresh kernel-half address in one, and observe
// the identical bytes show up in the other's upper-half PML4 slot.
func TestPML4SyncScenario(t *testing.T) {
	phys, registry := newTestSystem(t, 64)

	as1, err := NewAddressSpace(phys, registry, true)
	if err != nil {
		t.Fatalf("NewAddressSpace as1: %v", err)
	}
	as2, err := NewAddressSpace(phys, registry, true)
	if err != nil {
		t.Fatalf("NewAddressSpace as2: %v", err)
	}

	page, err := phys.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate backing page: %v", err)
	}

	kernelVirt := VirtAddr(0xFFFF800000000000)
	if err := as1.MapRange(page, kernelVirt, 1, WriteBack); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	b1 := registry.KernelHalfBytes(as1.PML4Phys())
	b2 := registry.KernelHalfBytes(as2.PML4Phys())
	if !bytes.Equal(b1, b2) {
		t.Fatalf("kernel halves diverged after mapping in as1")
	}

	got, ok := as2.GetPhysAddr(kernelVirt)
	if !ok {
		t.Fatalf("as2 should see the mapping performed on as1")
	}
	if got != page {
		t.Fatalf("GetPhysAddr = %#x, want %#x", got, page)
	}
}

func TestMapRangeRejectsDoubleMapping(t *testing.T) {
	phys, registry := newTestSystem(t, 16)
	as, err := NewAddressSpace(phys, registry, false)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	virt, err := as.AllocateVirtualRange(1, BackingAnonymous)
	if err != nil {
		t.Fatalf("AllocateVirtualRange: %v", err)
	}
	page, _ := phys.Allocate(1)

	if err := as.MapRange(page, virt, 1, WriteBack); err != nil {
		t.Fatalf("first MapRange: %v", err)
	}
	if err := as.MapRange(page, virt, 1, WriteBack); err == nil {
		t.Fatalf("expected second MapRange over the same range to fail")
	}
}

func TestUnmapThenGetPhysAddrFails(t *testing.T) {
	phys, registry := newTestSystem(t, 16)
	as, _ := NewAddressSpace(phys, registry, false)
	virt, _ := as.AllocateVirtualRange(1, BackingAnonymous)
	page, _ := phys.Allocate(1)
	_ = as.MapRange(page, virt, 1, WriteBack)

	if err := as.UnmapRange(virt, 1, true); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if _, ok := as.GetPhysAddr(virt); ok {
		t.Fatalf("expected GetPhysAddr to fail after unmap")
	}
}

func TestFreeVirtualRangeNotFound(t *testing.T) {
	phys, registry := newTestSystem(t, 16)
	as, _ := NewAddressSpace(phys, registry, false)
	if _, err := as.FreeVirtualRange(VirtAddr(0x1234000)); err == nil {
		t.Fatalf("expected NotFound for a range that was never allocated")
	}
}
