// Package handle implements spec.md §4.5's per-thread handle table: an
// ordered map from an opaque 64-bit handle id to a reference-counted
// kernel object plus a per-handle seek cursor.
//
// "Reference-counted" here is Go's garbage collector doing the
// counting: a Table entry is just one more live reference to whatever
// value it stores, so closing a handle while another
// handle or kernel path still references the same object leaves that
// object reachable and alive, exactly as spec.md §3 requires, without
// the kernel tracking a manual refcount. Handle ids are monotonically
// allocated and never recycled (spec.md §9's Open Question on handle
// recycling policy: matched to the source's behavior, not redesigned).
package handle

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/ksync"
)

// ID is an opaque handle, unique within the table that issued it.
type ID uint64

type entry struct {
	object any
	cursor int64
}

// Table is a per-thread handle table.
type Table struct {
	mu      ksync.Spinlock
	entries map[ID]*entry
	nextID  atomicbitops.Uint64
}

// NewTable creates an empty handle table. Table ids start at 1 so the
// zero ID value can be used by callers to mean "no handle".
func NewTable() *Table {
	t := &Table{entries: make(map[ID]*entry)}
	t.nextID.Store(1)
	return t
}

// Insert creates a fresh, never-before-used handle referencing object
// and returns it.
func (t *Table) Insert(object any) ID {
	id := ID(t.nextID.Add(1) - 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &entry{object: object}
	return id
}

// Get resolves id to its object. Returns NotFound if id is unknown.
func (t *Table) Get(id ID) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, kerrors.New(kerrors.NotFound)
	}
	return e.object, nil
}

// Close deletes id's entry. The underlying object may outlive the
// handle if referenced elsewhere (see package doc).
func (t *Table) Close(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return kerrors.New(kerrors.NotFound)
	}
	delete(t.entries, id)
	return nil
}

// Cursor returns id's current seek cursor.
func (t *Table) Cursor(id ID) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, kerrors.New(kerrors.NotFound)
	}
	return e.cursor, nil
}

// SetCursor sets id's seek cursor.
func (t *Table) SetCursor(id ID, pos int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return kerrors.New(kerrors.NotFound)
	}
	e.cursor = pos
	return nil
}

// AdvanceCursor adds delta to id's seek cursor and returns the new
// value, used after a read/write to move the cursor by bytes
// transferred.
func (t *Table) AdvanceCursor(id ID, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, kerrors.New(kerrors.NotFound)
	}
	e.cursor += delta
	return e.cursor, nil
}

// Len reports the number of open handles, for tests and diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
