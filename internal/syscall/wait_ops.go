package ksyscall

import (
	"github.com/tinyrange/kernel/internal/handle"
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/systree"
	"github.com/tinyrange/kernel/internal/task"
)

// WaitForObject implements wait_for_object(handle): blocks the calling
// thread until the handle's underlying node signals its wait object,
// per spec.md §4.4's WaitSignalable capability. Returns InvalidOp if
// the node does not support waiting.
func (d *Dispatcher) WaitForObject(th *task.Thread, id handle.ID) error {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return err
	}
	signalable, ok := node.(systree.WaitSignalable)
	if !ok {
		return kerrors.New(kerrors.InvalidOp)
	}
	signalable.WaitObject().WaitOnce(th)
	return nil
}
