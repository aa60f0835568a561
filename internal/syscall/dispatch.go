package ksyscall

import (
	"github.com/tinyrange/kernel/internal/handle"
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/mem"
	"github.com/tinyrange/kernel/internal/mpi"
	"github.com/tinyrange/kernel/internal/systree"
	"github.com/tinyrange/kernel/internal/task"
)

// Dispatcher holds every subsystem the syscall surface dispatches
// into: the system tree root, the message-passing manager, and the
// physical allocator used to translate user pointers into kernel
// memory.
type Dispatcher struct {
	Root *systree.Branch
	MPI  *mpi.Manager
	Phys *mem.PhysicalAllocator
}

// NewDispatcher builds a syscall dispatcher over the given
// subsystems.
func NewDispatcher(root *systree.Branch, mgr *mpi.Manager, phys *mem.PhysicalAllocator) *Dispatcher {
	return &Dispatcher{Root: root, MPI: mgr, Phys: phys}
}

// readUser copies length bytes starting at ptr out of proc's address
// space, walking page boundaries as needed (a user buffer need not be
// backed by physically contiguous pages).
func (d *Dispatcher) readUser(proc *task.Process, ptr mem.VirtAddr, length int) ([]byte, error) {
	if err := checkUserBuffer(ptr, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if err := d.copyUser(proc, ptr, out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// writeUser copies data into proc's address space starting at ptr.
func (d *Dispatcher) writeUser(proc *task.Process, ptr mem.VirtAddr, data []byte) error {
	if err := checkUserBuffer(ptr, len(data)); err != nil {
		return err
	}
	return d.copyUser(proc, ptr, data, true)
}

// StageUserBytes writes data into proc's address space at ptr without
// the usual syscall-argument pointer checks. It exists for the boot
// loader to seed a fresh process's argv/env strings before the
// process has run a single instruction, when there is no "calling
// thread" context a normal syscall would have.
func (d *Dispatcher) StageUserBytes(proc *task.Process, ptr mem.VirtAddr, data []byte) error {
	return d.copyUser(proc, ptr, data, true)
}

// copyUser walks the pages covering [ptr, ptr+len(buf)) in proc's
// address space, copying into buf (toUser == false) or out of buf
// into the mapped pages (toUser == true).
func (d *Dispatcher) copyUser(proc *task.Process, ptr mem.VirtAddr, buf []byte, toUser bool) error {
	remaining := len(buf)
	cur := ptr
	off := 0
	for remaining > 0 {
		pageBase := mem.VirtAddr(uint64(cur) &^ uint64(mem.PageSize-1))
		pageOff := int(cur - pageBase)

		phys, ok := proc.AddressSpace.GetPhysAddr(pageBase)
		if !ok {
			return kerrors.New(kerrors.InvalidParam)
		}
		avail := mem.PageSize - pageOff
		n := remaining
		if n > avail {
			n = avail
		}

		page := d.Phys.Bytes(phys+mem.PhysAddr(pageOff), n)
		if toUser {
			copy(page, buf[off:off+n])
		} else {
			copy(buf[off:off+n], page)
		}

		off += n
		remaining -= n
		cur += mem.VirtAddr(n)
	}
	return nil
}

// handleEntry is what Table.Insert stores for a handle opened against
// the system tree: the resolved node only. The path it was opened from
// is not kept; rename/delete operate on paths, not handles.
type handleEntry struct {
	node systree.Node
}

func insertNode(table *handle.Table, node systree.Node) handle.ID {
	return table.Insert(&handleEntry{node: node})
}

func lookupNode(table *handle.Table, id handle.ID) (systree.Node, error) {
	obj, err := table.Get(id)
	if err != nil {
		return nil, err
	}
	entry, ok := obj.(*handleEntry)
	if !ok {
		return nil, kerrors.New(kerrors.WrongType)
	}
	return entry.node, nil
}
