// Package task implements spec.md §4.2: process and thread objects,
// per-thread saved execution contexts, the FIFO round-robin scheduler,
// and the bookkeeping behind timer-driven preemption and cross-CPU
// reschedule signalling.
//
// The saved-context shape is grounded on the register model the
// teacher's KVM backend manipulates directly
// (internal/hv/kvm/kvm_amd64.go's SetRegisters/GetRegisters, split
// into "regular" general-purpose registers and "special" registers
// like CR3); scheduler bookkeeping borrows the monotonic-id-table idiom
// from internal/timeslice/timeslice.go.
package task

import (
	"unsafe"

	"github.com/tinyrange/kernel/internal/mem"
)

// fpuSaveAreaSize is the 512-byte FPU/SSE save area spec.md §3
// requires, 16-byte aligned and zero-initialized at thread creation.
const fpuSaveAreaSize = 512

// Context is a thread's saved x86-64 execution context (spec.md §3).
// It is valid whenever the owning thread is not currently executing on
// any CPU.
type Context struct {
	// General-purpose registers.
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11    uint64
	R12, R13, R14, R15  uint64

	RIP    uint64
	RFLAGS uint64

	UserRSP uint64
	CS, SS  uint16

	FSBase uint64
	GSBase uint64

	// PageTableRoot is this thread's CR3 value: the physical address
	// of its owning process's top-level page table.
	PageTableRoot mem.PhysAddr

	// FPUState is the 512-byte FPU/SSE save area. Using a fixed-size
	// array keeps it inline with the Context and naturally 8-byte
	// aligned; the extra 16 bytes let FPUSaveArea return a 16-byte
	// aligned 512-byte window inside it.
	FPUState [fpuSaveAreaSize + 16]byte
}

// NewContext creates a zero-initialized context with RIP set to entry,
// the page table root set to root, and arg0 placed in the first
// argument-register position (RDI, matching the System V AMD64 ABI the
// teacher's own register model follows).
func NewContext(entry uint64, root mem.PhysAddr, arg0 uint64) *Context {
	return &Context{
		RIP:           entry,
		RDI:           arg0,
		PageTableRoot: root,
		RFLAGS:        0x202, // IF set, reserved bit 1 set
	}
}

// FPUSaveArea returns a 16-byte-aligned 512-byte slice within the
// context for FPU/SSE state, per spec.md §4.2's alignment invariant.
func (c *Context) FPUSaveArea() []byte {
	base := uintptrAlign16(&c.FPUState[0])
	return c.FPUState[base : base+fpuSaveAreaSize]
}

func uintptrAlign16(p *byte) int {
	addr := uintptr(unsafe.Pointer(p))
	return int((16 - addr%16) % 16)
}
