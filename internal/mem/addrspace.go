package mem

import (
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/ksync"
)

const (
	pml4Entries      = 512
	entrySize        = 8
	kernelHalfStart  = 256
	kernelHalfBytes  = (pml4Entries - kernelHalfStart) * entrySize
	kernelHalfOffset = kernelHalfStart * entrySize
	tableBytes       = pml4Entries * entrySize
)

// PML4Registry keeps a registry of every process's top-level table and
// a single lock serializing all modifications to the kernel half, per
// spec.md §4.1's PML4 synchronization protocol.
type PML4Registry struct {
	mu      ksync.Spinlock
	phys    *PhysicalAllocator
	members map[PhysAddr]bool
	master  PhysAddr
	hasMaster bool
}

// NewPML4Registry creates an empty registry backed by phys.
func NewPML4Registry(phys *PhysicalAllocator) *PML4Registry {
	return &PML4Registry{phys: phys, members: make(map[PhysAddr]bool)}
}

// Register adds pml4 to the registry. If this is not the first
// registered table, its kernel half is cloned from the master's kernel
// half before it becomes visible to callers, matching "a process's
// first page-table root is cloned from an existing process's kernel
// half at creation" (spec.md §3).
func (r *PML4Registry) Register(pml4 PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasMaster {
		src := r.phys.Bytes(r.master+kernelHalfOffset, kernelHalfBytes)
		dst := r.phys.Bytes(pml4+kernelHalfOffset, kernelHalfBytes)
		copy(dst, src)
	} else {
		r.master = pml4
		r.hasMaster = true
	}
	r.members[pml4] = true
}

// Unregister removes pml4 from the registry (called when its owning
// process is destroyed).
func (r *PML4Registry) Unregister(pml4 PhysAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, pml4)
	if r.master == pml4 {
		r.hasMaster = false
		r.master = 0
		for other := range r.members {
			r.master = other
			r.hasMaster = true
			break
		}
	}
}

// ModifyKernelHalf runs fn, which must only touch pml4's kernel half,
// then copies the modified upper 256 entries into every other
// registered table before releasing the lock — the caller never
// observes a partially-updated kernel map (spec.md §4.1).
func (r *PML4Registry) ModifyKernelHalf(pml4 PhysAddr, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
	src := r.phys.Bytes(pml4+kernelHalfOffset, kernelHalfBytes)
	for other := range r.members {
		if other == pml4 {
			continue
		}
		dst := r.phys.Bytes(other+kernelHalfOffset, kernelHalfBytes)
		copy(dst, src)
	}
}

// KernelHalfBytes returns a snapshot copy of pml4's kernel-half bytes,
// used by tests to check the byte-for-byte equality invariant
// (spec.md §8 property 1).
func (r *PML4Registry) KernelHalfBytes(pml4 PhysAddr) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.phys.Bytes(pml4+kernelHalfOffset, kernelHalfBytes)
	out := make([]byte, len(live))
	copy(out, live)
	return out
}

// AddressSpace is one process's virtual memory: its top-level page
// table plus, for user-mode processes, a private user-half virtual
// range tracker. Kernel-mode processes allocate from the single
// process-independent kernel virtual space instead.
type AddressSpace struct {
	mu         ksync.Spinlock
	phys       *PhysicalAllocator
	registry   *PML4Registry
	pml4Phys   PhysAddr
	kernelMode bool
	user       *VirtualSpace
}

// NewAddressSpace allocates a fresh top-level table, registers it with
// registry (cloning the kernel half per spec.md §3), and, for user-mode
// processes, creates a private user-half virtual range tracker.
func NewAddressSpace(phys *PhysicalAllocator, registry *PML4Registry, kernelMode bool) (*AddressSpace, error) {
	pml4, err := phys.Allocate(1)
	if err != nil {
		return nil, err
	}
	registry.Register(pml4)

	as := &AddressSpace{
		phys:       phys,
		registry:   registry,
		pml4Phys:   pml4,
		kernelMode: kernelMode,
	}
	if !kernelMode {
		as.user = NewVirtualSpace(userSpaceLow, userSpaceHigh)
	}
	return as, nil
}

// Destroy unregisters and frees the top-level table. It does not free
// any pages still mapped through it; callers must unmap first.
func (as *AddressSpace) Destroy() error {
	as.registry.Unregister(as.pml4Phys)
	return as.phys.Free(as.pml4Phys, 1)
}

// PML4Phys returns the physical address of this address space's
// top-level table (its CR3 value).
func (as *AddressSpace) PML4Phys() PhysAddr {
	return as.pml4Phys
}

func (as *AddressSpace) virtualSpace() *VirtualSpace {
	if as.kernelMode {
		return globalKernelSpace
	}
	return as.user
}

// AllocateVirtualRange finds an unused n-page range in the process's
// user (or kernel, if this is a kernel-mode process) virtual space.
func (as *AddressSpace) AllocateVirtualRange(n int, backing Backing) (VirtAddr, error) {
	return as.virtualSpace().Allocate(n, backing)
}

// FreeVirtualRange releases a previously allocated virtual range,
// returning its page count.
func (as *AddressSpace) FreeVirtualRange(base VirtAddr) (int, error) {
	return as.virtualSpace().Free(base)
}

// ReserveVirtualRange records a caller-specified range as taken (used
// by allocate_backing_memory when the caller supplies an address).
func (as *AddressSpace) ReserveVirtualRange(base VirtAddr, n int, backing Backing) error {
	return as.virtualSpace().Reserve(base, n, backing)
}

// LookupVirtualRange returns the range starting exactly at base, if
// any was previously allocated or reserved.
func (as *AddressSpace) LookupVirtualRange(base VirtAddr) (VirtualRange, bool) {
	return as.virtualSpace().Lookup(base)
}

// tableFor walks (and, if create is true, creates) the intermediate
// PDPT/PD tables for virt, returning the physical address of the PD
// table and the PD index to use for the final 2MiB leaf entry.
func (as *AddressSpace) tableFor(virt VirtAddr, create bool) (pdTable PhysAddr, pdIndex int, err error) {
	pml4i, pdpti, pdi := indices(virt)

	pml4 := as.phys.Bytes(as.pml4Phys, tableBytes)
	pdptPhys, err := as.descend(pml4, pml4i, create)
	if err != nil {
		return 0, 0, err
	}

	pdpt := as.phys.Bytes(pdptPhys, tableBytes)
	pdPhys, err := as.descend(pdpt, pdpti, create)
	if err != nil {
		return 0, 0, err
	}

	return pdPhys, pdi, nil
}

func (as *AddressSpace) descend(table []byte, index int, create bool) (PhysAddr, error) {
	e := entryAt(table, index)
	if entryPresent(e) {
		return entryPhysAddr(e), nil
	}
	if !create {
		return 0, kerrors.New(kerrors.NotFound)
	}
	child, err := as.phys.Allocate(1)
	if err != nil {
		return 0, err
	}
	setEntryAt(table, index, encodeTableEntry(child))
	return child, nil
}

// MapRange installs n page-table entries mapping [virt, virt+n*PageSize)
// to [phys, phys+n*PageSize) under cache mode mode. Fails with InvalidOp
// ("already mapped") if any target entry is present and modifies
// nothing in that case. Modifications to the kernel half are made
// under the PML4 synchronizer so every other registered process's
// kernel half is updated before the lock is released (spec.md §4.1).
func (as *AddressSpace) MapRange(phys PhysAddr, virt VirtAddr, n int, mode CacheMode) error {
	if IsKernelHalf(virt) {
		var mapErr error
		as.registry.ModifyKernelHalf(as.pml4Phys, func() {
			mapErr = as.mapLocked(phys, virt, n, mode)
		})
		return mapErr
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapLocked(phys, virt, n, mode)
}

func (as *AddressSpace) mapLocked(phys PhysAddr, virt VirtAddr, n int, mode CacheMode) error {
	// First pass: reject if any target entry is already present, so a
	// failed call changes nothing.
	for i := 0; i < n; i++ {
		v := virt + VirtAddr(i*PageSize)
		pdTable, pdIndex, err := as.tableFor(v, true)
		if err != nil {
			return err
		}
		pd := as.phys.Bytes(pdTable, tableBytes)
		if entryPresent(entryAt(pd, pdIndex)) {
			return kerrors.New(kerrors.InvalidOp)
		}
	}
	for i := 0; i < n; i++ {
		v := virt + VirtAddr(i*PageSize)
		p := phys + PhysAddr(i*PageSize)
		pdTable, pdIndex, _ := as.tableFor(v, true)
		pd := as.phys.Bytes(pdTable, tableBytes)
		setEntryAt(pd, pdIndex, encodeLeafEntry(p, mode))
	}
	return nil
}

// UnmapRange clears n page-table entries starting at virt, optionally
// returning the backing physical pages to the free pool.
func (as *AddressSpace) UnmapRange(virt VirtAddr, n int, freeBacking bool) error {
	if IsKernelHalf(virt) {
		var unmapErr error
		as.registry.ModifyKernelHalf(as.pml4Phys, func() {
			unmapErr = as.unmapLocked(virt, n, freeBacking)
		})
		return unmapErr
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapLocked(virt, n, freeBacking)
}

func (as *AddressSpace) unmapLocked(virt VirtAddr, n int, freeBacking bool) error {
	for i := 0; i < n; i++ {
		v := virt + VirtAddr(i*PageSize)
		pdTable, pdIndex, err := as.tableFor(v, false)
		if err != nil {
			continue
		}
		pd := as.phys.Bytes(pdTable, tableBytes)
		e := entryAt(pd, pdIndex)
		if !entryPresent(e) {
			continue
		}
		if freeBacking {
			_ = as.phys.Free(entryPhysAddr(e), 1)
		}
		setEntryAt(pd, pdIndex, 0)
	}
	return nil
}

// GetPhysAddr walks the table and returns the physical address virt
// maps to, or ok=false if any level is absent.
func (as *AddressSpace) GetPhysAddr(virt VirtAddr) (PhysAddr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pdTable, pdIndex, err := as.tableFor(virt, false)
	if err != nil {
		return 0, false
	}
	pd := as.phys.Bytes(pdTable, tableBytes)
	e := entryAt(pd, pdIndex)
	if !entryPresent(e) {
		return 0, false
	}
	return entryPhysAddr(e), true
}
