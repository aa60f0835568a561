package mem

import (
	"sort"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/ksync"
)

// VirtAddr is a virtual address. It is an alias of gvisor's hostarch.Addr,
// the same address type gVisor's own sentry/pgalloc machinery uses to
// talk about addresses on this architecture (see IreliaTable-gvisor's
// pkg/sentry/platform/systrap/subprocess.go).
type VirtAddr = hostarch.Addr

// Backing identifies what kind of storage backs a virtual range.
type Backing int

const (
	BackingAnonymous Backing = iota
	BackingShared
	BackingDevice
)

// Bit 63 set marks an address as belonging to the kernel half of the
// address space (spec.md §3's "Virtual range" definition).
const kernelHalfBit = uint64(1) << 63

// IsKernelHalf reports whether virt lies in the process-independent
// kernel half of the address space.
func IsKernelHalf(virt VirtAddr) bool {
	return uint64(virt)&kernelHalfBit != 0
}

const (
	userSpaceLow   VirtAddr = PageSize // never hand out the null page
	userSpaceHigh  VirtAddr = 1 << 47  // canonical user boundary
	kernelSpaceLow VirtAddr = VirtAddr(0xFFFF800000000000)
	kernelSpaceHi  VirtAddr = VirtAddr(0xFFFFFFFFFFFFF000)
)

// VirtualRange is a per-process record: {base, page-count, backing-kind}.
type VirtualRange struct {
	Base    VirtAddr
	Pages   int
	Backing Backing
}

func (r VirtualRange) end() VirtAddr {
	return r.Base + VirtAddr(r.Pages*PageSize)
}

// VirtualSpace tracks disjoint virtual ranges within one bound
// [low, high) window, used both for a single process's user half and
// for the single process-independent kernel half (spec.md §3/§4.1).
type VirtualSpace struct {
	mu     ksync.Spinlock
	low    VirtAddr
	high   VirtAddr
	ranges []VirtualRange
}

// NewVirtualSpace creates a virtual range tracker over [low, high).
func NewVirtualSpace(low, high VirtAddr) *VirtualSpace {
	return &VirtualSpace{low: low, high: high}
}

// Allocate finds an unused n-page-aligned range and records it with the
// given backing kind. Fails with OutOfResource when fragmented beyond
// the request, per spec.md §4.1.
func (vs *VirtualSpace) Allocate(n int, backing Backing) (VirtAddr, error) {
	if n <= 0 {
		return 0, kerrors.New(kerrors.InvalidParam)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	need := VirtAddr(n * PageSize)
	sort.Slice(vs.ranges, func(i, j int) bool { return vs.ranges[i].Base < vs.ranges[j].Base })

	cursor := vs.low
	for _, r := range vs.ranges {
		if r.Base-cursor >= need {
			break
		}
		if r.end() > cursor {
			cursor = r.end()
		}
	}
	if vs.high-cursor < need {
		return 0, kerrors.New(kerrors.OutOfResource)
	}

	vs.ranges = append(vs.ranges, VirtualRange{Base: cursor, Pages: n, Backing: backing})
	return cursor, nil
}

// Reserve records an externally chosen range (e.g. a caller-specified
// address for allocate_backing_memory) as taken, failing with
// InvalidOp if it overlaps an existing range or falls outside bounds.
func (vs *VirtualSpace) Reserve(base VirtAddr, n int, backing Backing) error {
	if n <= 0 {
		return kerrors.New(kerrors.InvalidParam)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	newRange := VirtualRange{Base: base, Pages: n, Backing: backing}
	if base < vs.low || newRange.end() > vs.high {
		return kerrors.New(kerrors.InvalidParam)
	}
	for _, r := range vs.ranges {
		if newRange.Base < r.end() && r.Base < newRange.end() {
			return kerrors.New(kerrors.InvalidOp)
		}
	}
	vs.ranges = append(vs.ranges, newRange)
	return nil
}

// Free removes the range whose base is exactly base, returning its page
// count. Returns NotFound if base is not the start of a previous
// allocation, matching spec.md §4.1's failure semantics.
func (vs *VirtualSpace) Free(base VirtAddr) (int, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for i, r := range vs.ranges {
		if r.Base == base {
			vs.ranges = append(vs.ranges[:i], vs.ranges[i+1:]...)
			return r.Pages, nil
		}
	}
	return 0, kerrors.New(kerrors.NotFound)
}

// Lookup returns the range starting exactly at base, if any.
func (vs *VirtualSpace) Lookup(base VirtAddr) (VirtualRange, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, r := range vs.ranges {
		if r.Base == base {
			return r, true
		}
	}
	return VirtualRange{}, false
}

// globalKernelSpace is the single process-independent virtual space
// covering the kernel half of every address space (spec.md §3).
var globalKernelSpace = NewVirtualSpace(kernelSpaceLow, kernelSpaceHi)
