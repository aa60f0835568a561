package ksyscall

import (
	"github.com/tinyrange/kernel/internal/handle"
	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/systree"
	"github.com/tinyrange/kernel/internal/task"
)

// Open implements open(path, create-if-missing) → handle (spec.md
// §4.5). path has already been read out of user memory by the
// caller.
func (d *Dispatcher) Open(th *task.Thread, path string, createIfMissing bool) (handle.ID, error) {
	node, err := systree.Walk(d.Root, path)
	if err == nil {
		return insertNode(th.Handles, node), nil
	}
	if kerrors.KindOf(err) != kerrors.NotFound || !createIfMissing {
		return 0, err
	}
	return d.CreateObject(th, path)
}

// Close implements close(handle).
func (d *Dispatcher) Close(th *task.Thread, id handle.ID) error {
	return th.Handles.Close(id)
}

// CreateObject implements create_object(path) → handle: open with
// create-if-missing on a nonexistent path.
func (d *Dispatcher) CreateObject(th *task.Thread, path string) (handle.ID, error) {
	parent, name, err := systree.WalkParent(d.Root, path)
	if err != nil {
		return 0, err
	}
	node, err := parent.CreateChild(name)
	if err != nil {
		return 0, err
	}
	return insertNode(th.Handles, node), nil
}

// Delete implements delete(path).
func (d *Dispatcher) Delete(path string) error {
	parent, name, err := systree.WalkParent(d.Root, path)
	if err != nil {
		return err
	}
	return parent.DeleteChild(name)
}

// Rename implements rename(old, new): both names must be direct
// children of the same branch.
func (d *Dispatcher) Rename(oldPath, newPath string) error {
	oldParent, oldName, err := systree.WalkParent(d.Root, oldPath)
	if err != nil {
		return err
	}
	newParent, newName, err := systree.WalkParent(d.Root, newPath)
	if err != nil {
		return err
	}
	if oldParent != newParent {
		return kerrors.New(kerrors.InvalidOp)
	}
	return oldParent.RenameChild(oldName, newName)
}

// Properties is get_properties's result (spec.md §4.5).
type Properties struct {
	Exists   bool
	IsFile   bool
	IsLeaf   bool
	Readable bool
	Writable bool
}

// GetPropertiesByHandle implements get_properties(handle).
func (d *Dispatcher) GetPropertiesByHandle(th *task.Thread, id handle.ID) (Properties, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return Properties{}, err
	}
	return describe(node), nil
}

// GetPropertiesByPath implements get_properties(path). A missing path
// reports Exists == false rather than returning an error, matching a
// pure capability probe.
func (d *Dispatcher) GetPropertiesByPath(path string) (Properties, error) {
	node, err := systree.Walk(d.Root, path)
	if err != nil {
		if kerrors.KindOf(err) == kerrors.NotFound {
			return Properties{}, nil
		}
		return Properties{}, err
	}
	return describe(node), nil
}

func describe(node systree.Node) Properties {
	_, isBranch := node.(*systree.Branch)
	_, isFile := node.(*systree.File)
	_, readable := node.(systree.Readable)
	_, writable := node.(systree.Writable)
	return Properties{
		Exists:   true,
		IsFile:   isFile,
		IsLeaf:   !isBranch,
		Readable: readable,
		Writable: writable,
	}
}

// Read implements read(handle, offset, len, buf, buflen) → bytes_read:
// reads up to length bytes from (cursor + offset), advances the cursor
// by bytes_read, and returns the bytes read; copying them into user
// memory is left to the caller, and there is no separate buflen
// argument. When the node supports blocking reads (pipes) and the
// caller requests it, the read goes through the node's ReadBlocking.
func (d *Dispatcher) Read(th *task.Thread, id handle.ID, offset int64, length int, blocking bool) ([]byte, int, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return nil, 0, err
	}
	readable, ok := node.(systree.Readable)
	if !ok {
		return nil, 0, kerrors.New(kerrors.InvalidOp)
	}
	cursor, err := th.Handles.Cursor(id)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, length)

	var n int
	if blocking {
		if br, ok := node.(systree.BlockingReader); ok {
			n, err = br.ReadBlocking(th, buf)
		} else {
			n, err = readable.ReadBytes(cursor+offset, buf)
		}
	} else {
		n, err = readable.ReadBytes(cursor+offset, buf)
	}
	if err != nil {
		return nil, 0, err
	}
	_, _ = th.Handles.AdvanceCursor(id, int64(n))
	return buf[:n], n, nil
}

// Write implements write(handle, offset, len, buf, buflen) →
// bytes_written: symmetric to Read. data is the caller's buffer,
// already copied out of user memory.
func (d *Dispatcher) Write(th *task.Thread, id handle.ID, offset int64, data []byte) (int, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return 0, err
	}
	writable, ok := node.(systree.Writable)
	if !ok {
		return 0, kerrors.New(kerrors.InvalidOp)
	}
	cursor, err := th.Handles.Cursor(id)
	if err != nil {
		return 0, err
	}
	n, err := writable.WriteBytes(cursor+offset, data)
	if err != nil {
		return 0, err
	}
	_, _ = th.Handles.AdvanceCursor(id, int64(n))
	return n, nil
}

// GetDataLen implements get_data_len(handle) → bytes, valid only for
// File leaves.
func (d *Dispatcher) GetDataLen(th *task.Thread, id handle.ID) (int64, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return 0, err
	}
	sized, ok := node.(systree.Sized)
	if !ok {
		return 0, kerrors.New(kerrors.InvalidOp)
	}
	return sized.DataLen(), nil
}

// SetDataLen implements set_data_len(handle, bytes).
func (d *Dispatcher) SetDataLen(th *task.Thread, id handle.ID, n int64) error {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return err
	}
	sized, ok := node.(systree.Sized)
	if !ok {
		return kerrors.New(kerrors.InvalidOp)
	}
	return sized.SetDataLen(n)
}

// Whence selects seek's reference point.
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// Seek implements seek(handle, offset, whence) → new_cursor. The
// proposed cursor must lie in [0, size]; size comes from the node's
// Sized capability.
func (d *Dispatcher) Seek(th *task.Thread, id handle.ID, offset int64, whence Whence) (int64, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return 0, err
	}
	sized, ok := node.(systree.Sized)
	if !ok {
		return 0, kerrors.New(kerrors.InvalidOp)
	}
	cur, err := th.Handles.Cursor(id)
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = cur
	case SeekEnd:
		base = sized.DataLen()
	default:
		return 0, kerrors.New(kerrors.InvalidParam)
	}

	next := base + offset
	if next < 0 || next > sized.DataLen() {
		return 0, kerrors.New(kerrors.OutOfRange)
	}
	if err := th.Handles.SetCursor(id, next); err != nil {
		return 0, err
	}
	return next, nil
}

// EnumChildren implements enum_children(handle, start-from, max) →
// names. The caller's buffer packing (pointer table + packed name
// strings, per spec.md §4.5) is assembled by PackNames.
func (d *Dispatcher) EnumChildren(th *task.Thread, id handle.ID, startAfter string, max int) ([]string, error) {
	node, err := lookupNode(th.Handles, id)
	if err != nil {
		return nil, err
	}
	branch, ok := node.(*systree.Branch)
	if !ok {
		return nil, kerrors.New(kerrors.InvalidOp)
	}
	return branch.EnumChildren(startAfter, max), nil
}

// PackNames lays out names as spec.md §4.5 describes: a pointer table
// of offsets into the packed name block, terminated by a sentinel,
// followed by the NUL-terminated names themselves. It also returns the
// total required size, so callers can size-probe with a too-small
// buffer.
func PackNames(names []string) (packed []byte, requiredSize int) {
	ptrTableSize := (len(names) + 1) * 8 // +1 for the null terminator slot
	nameBlockSize := 0
	for _, n := range names {
		nameBlockSize += len(n) + 1 // NUL terminator
	}
	requiredSize = ptrTableSize + nameBlockSize

	out := make([]byte, requiredSize)
	offset := uint64(ptrTableSize)
	for i, n := range names {
		putUint64(out[i*8:], offset)
		copy(out[offset:], n)
		offset += uint64(len(n) + 1)
	}
	putUint64(out[len(names)*8:], 0) // null terminator entry
	return out, requiredSize
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
