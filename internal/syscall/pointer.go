// Package ksyscall implements spec.md §4.5, component G: argument
// validation, handle lookup, and dispatch into the system tree,
// handle table, message-passing, memory, and wait subsystems.
//
// Grounded on the teacher's internal/hv.Device/DeviceTemplate
// dispatch-by-capability-interface pattern (internal/hv/common.go):
// every syscall here does an explicit capability test against a
// system-tree node (Readable/Writable/Sized/WaitSignalable) before
// dispatch, returning InvalidOp on mismatch, the same shape the
// teacher uses to check whether a device implements an optional
// interface before calling it.
package ksyscall

import (
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
)

// checkUserPtr enforces spec.md §4.5's pointer-validation rule: the
// top bit must be clear (i.e. the address must not fall in the
// kernel half), and null is rejected unless allowNull is set.
func checkUserPtr(ptr mem.VirtAddr, allowNull bool) error {
	if ptr == 0 {
		if allowNull {
			return nil
		}
		return kerrors.New(kerrors.InvalidParam)
	}
	if mem.IsKernelHalf(ptr) {
		return kerrors.New(kerrors.InvalidParam)
	}
	return nil
}

// checkUserBuffer validates a (ptr, length) user buffer that will be
// dereferenced: a null or zero-length buffer is rejected outright,
// matching "length-zero buffers are rejected where the buffer would
// be dereferenced".
func checkUserBuffer(ptr mem.VirtAddr, length int) error {
	if length == 0 {
		return kerrors.New(kerrors.InvalidParam)
	}
	return checkUserPtr(ptr, false)
}
