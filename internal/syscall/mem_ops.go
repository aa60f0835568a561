package ksyscall

import (
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
	"github.com/tinyrange/kernel/internal/task"
)

// AllocateBackingMemory implements allocate_backing_memory(pages) →
// base_addr: reserves a free range in the process's user half and
// backs it immediately with physical pages (spec.md §4.2's "anonymous"
// backing kind).
func (d *Dispatcher) AllocateBackingMemory(proc *task.Process, pages int) (mem.VirtAddr, error) {
	if pages <= 0 {
		return 0, kerrors.New(kerrors.InvalidParam)
	}
	base, err := proc.AddressSpace.AllocateVirtualRange(pages, mem.BackingAnonymous)
	if err != nil {
		return 0, err
	}
	phys, err := d.Phys.Allocate(pages)
	if err != nil {
		_, _ = proc.AddressSpace.FreeVirtualRange(base)
		return 0, err
	}
	if err := proc.AddressSpace.MapRange(phys, base, pages, mem.WriteBack); err != nil {
		_ = d.Phys.Free(phys, pages)
		_, _ = proc.AddressSpace.FreeVirtualRange(base)
		return 0, err
	}
	return base, nil
}

// ReleaseBackingMemory implements release_backing_memory(base_addr):
// unmaps and frees the physical pages backing the range that started
// at base_addr, then drops the virtual reservation.
func (d *Dispatcher) ReleaseBackingMemory(proc *task.Process, base mem.VirtAddr) error {
	rng, ok := proc.AddressSpace.LookupVirtualRange(base)
	if !ok {
		return kerrors.New(kerrors.NotFound)
	}
	if err := proc.AddressSpace.UnmapRange(base, rng.Pages, true); err != nil {
		return err
	}
	_, err := proc.AddressSpace.FreeVirtualRange(base)
	return err
}

// MapMemory implements map_memory(base_addr, pages, device-backed?):
// reserves a caller-specified virtual range, per spec.md §4.2's
// "caller-specified address" variant used for device/shared mappings.
// The caller supplies the already-allocated physical range to map.
func (d *Dispatcher) MapMemory(proc *task.Process, base mem.VirtAddr, phys mem.PhysAddr, pages int, backing mem.Backing, mode mem.CacheMode) error {
	if pages <= 0 {
		return kerrors.New(kerrors.InvalidParam)
	}
	if err := proc.AddressSpace.ReserveVirtualRange(base, pages, backing); err != nil {
		return err
	}
	if err := proc.AddressSpace.MapRange(phys, base, pages, mode); err != nil {
		_, _ = proc.AddressSpace.FreeVirtualRange(base)
		return err
	}
	return nil
}
