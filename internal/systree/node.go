// Package systree implements spec.md §4.4's system tree: a single
// rooted hierarchical namespace of branches and leaves, plus the pipe
// special case built on top of it.
//
// The branch's ordered-child-map-under-a-lock shape is grounded on
// the teacher's internal/vfs/backend.go virtioFsBackend (a
// map[uint64]*fsNode behind one mutex, entries enumerated via
// sort.Strings for a stable lexicographic order); the dynamic
// capability-interface split (Readable/Writable/Sized/WaitSignalable)
// replaces that file's single do-everything fsNode with the
// composition-over-inheritance shape spec.md's Open Questions call
// for.
package systree

import (
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/wait"
)

// PathSeparator is the reserved path component delimiter.
const PathSeparator = '\\'

// Node is the common interface every system-tree entry implements.
type Node interface {
	Name() string
}

// Readable is a leaf capability: byte-range reads.
type Readable interface {
	ReadBytes(start int64, buf []byte) (int, error)
}

// Writable is a leaf capability: byte-range writes.
type Writable interface {
	WriteBytes(start int64, buf []byte) (int, error)
}

// Sized is a leaf capability: a gettable/settable data length.
type Sized interface {
	DataLen() int64
	SetDataLen(n int64) error
}

// WaitSignalable is a leaf capability exposing a wait object other
// threads can block on via wait_for_object.
type WaitSignalable interface {
	WaitObject() *wait.Object
}

// Branch is an interior tree node: an ordered mapping from name to
// child node, per spec.md §4.4's branch contract. A branch may also
// implement the leaf capability interfaces above to expose itself as
// a leaf (the pipe-like case).
type Branch struct {
	name string

	mu       sync.Mutex
	children map[string]Node
	order    []string

	// creator, if non-nil, is invoked by create_child to manufacture
	// this branch's native child kind. Branches that don't support
	// creation (creator == nil) return InvalidOp.
	creator func(name string) (Node, error)
}

// NewBranch creates an empty branch named name. creator may be nil.
func NewBranch(name string, creator func(name string) (Node, error)) *Branch {
	return &Branch{name: name, children: make(map[string]Node), creator: creator}
}

// Name implements Node.
func (b *Branch) Name() string { return b.name }

// GetChild resolves a single path component directly under b.
func (b *Branch) GetChild(name string) (Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.children[name]
	if !ok {
		return nil, kerrors.New(kerrors.NotFound)
	}
	return n, nil
}

// AddChild inserts node under name. Duplicate names are rejected.
func (b *Branch) AddChild(name string, node Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.children[name]; exists {
		return kerrors.New(kerrors.AlreadyExists)
	}
	b.children[name] = node
	b.order = append(b.order, name)
	sort.Strings(b.order)
	return nil
}

// CreateChild asks b's registered creator to manufacture a child named
// name, then inserts it. Branches with no creator return InvalidOp.
func (b *Branch) CreateChild(name string) (Node, error) {
	b.mu.Lock()
	creator := b.creator
	_, exists := b.children[name]
	b.mu.Unlock()

	if creator == nil {
		return nil, kerrors.New(kerrors.InvalidOp)
	}
	if exists {
		return nil, kerrors.New(kerrors.AlreadyExists)
	}
	node, err := creator(name)
	if err != nil {
		return nil, err
	}
	if err := b.AddChild(name, node); err != nil {
		return nil, err
	}
	return node, nil
}

// RenameChild renames a direct child. Both names must refer to
// children of this same branch; there is no inter-branch move.
func (b *Branch) RenameChild(oldName, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.children[oldName]
	if !ok {
		return kerrors.New(kerrors.NotFound)
	}
	if _, exists := b.children[newName]; exists {
		return kerrors.New(kerrors.AlreadyExists)
	}
	delete(b.children, oldName)
	b.children[newName] = node
	b.order = removeSorted(b.order, oldName)
	b.order = append(b.order, newName)
	sort.Strings(b.order)
	return nil
}

// DeleteChild removes name from the tree. Any other reference to the
// node (e.g. an open handle) keeps it alive, per spec.md §4.4 —
// Go's GC does the actual reference counting.
func (b *Branch) DeleteChild(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.children[name]; !ok {
		return kerrors.New(kerrors.NotFound)
	}
	delete(b.children, name)
	b.order = removeSorted(b.order, name)
	return nil
}

// EnumChildren returns up to max names in lexicographic order
// strictly after startAfter, a snapshot of the branch at the instant
// of the call (spec.md §4.4, testable scenario B).
func (b *Branch) EnumChildren(startAfter string, max int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, max)
	for _, name := range b.order {
		if len(out) >= max {
			break
		}
		if startAfter != "" && name <= startAfter {
			continue
		}
		out = append(out, name)
	}
	return out
}

func removeSorted(order []string, name string) []string {
	for i, n := range order {
		if n == name {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// Walk resolves an absolute, PathSeparator-delimited path starting at
// root, returning InvalidOp if any intermediate component resolves to
// a non-branch leaf, per spec.md §4.4's get_child contract.
func Walk(root *Branch, path string) (Node, error) {
	components := splitPath(path)
	var cur Node = root
	for _, comp := range components {
		if comp == "" {
			continue
		}
		br, ok := cur.(*Branch)
		if !ok {
			return nil, kerrors.New(kerrors.InvalidOp)
		}
		next, err := br.GetChild(comp)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// WalkParent resolves path's parent branch and returns it along with
// the final path component, used by add_child/create_child/rename/delete
// which all operate "directly under an existing branch".
func WalkParent(root *Branch, path string) (*Branch, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, "", kerrors.New(kerrors.InvalidParam)
	}
	leaf := components[len(components)-1]
	parentPath := components[:len(components)-1]

	var cur Node = root
	for _, comp := range parentPath {
		br, ok := cur.(*Branch)
		if !ok {
			return nil, "", kerrors.New(kerrors.InvalidOp)
		}
		next, err := br.GetChild(comp)
		if err != nil {
			return nil, "", err
		}
		cur = next
	}
	br, ok := cur.(*Branch)
	if !ok {
		return nil, "", kerrors.New(kerrors.InvalidOp)
	}
	return br, leaf, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, string(PathSeparator))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, string(PathSeparator))
}
