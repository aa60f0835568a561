package systree

import (
	"sync"

	"github.com/tinyrange/kernel/internal/kerrors"
)

// File is an in-memory leaf implementing Readable/Writable/Sized,
// grounded on the teacher's fsNode (internal/vfs/backend.go): a
// growable byte buffer behind a single lock, simplified from fsNode's
// block-sparse storage since the kernel's own tree has no backing
// device to page from.
type File struct {
	name string

	mu   sync.Mutex
	data []byte
}

// NewFile creates an empty file leaf named name.
func NewFile(name string) *File {
	return &File{name: name}
}

// Name implements Node.
func (f *File) Name() string { return f.name }

// ReadBytes implements Readable.
func (f *File) ReadBytes(start int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start < 0 || start > int64(len(f.data)) {
		return 0, kerrors.New(kerrors.OutOfRange)
	}
	n := copy(buf, f.data[start:])
	return n, nil
}

// WriteBytes implements Writable. Writes past the current end grow
// the file, zero-filling any gap.
func (f *File) WriteBytes(start int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start < 0 {
		return 0, kerrors.New(kerrors.OutOfRange)
	}
	end := start + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[start:end], buf)
	return n, nil
}

// DataLen implements Sized.
func (f *File) DataLen() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// SetDataLen implements Sized.
func (f *File) SetDataLen(n int64) error {
	if n < 0 {
		return kerrors.New(kerrors.InvalidParam)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == int64(len(f.data)) {
		return nil
	}
	grown := make([]byte, n)
	copy(grown, f.data)
	f.data = grown
	return nil
}

var _ Readable = (*File)(nil)
var _ Writable = (*File)(nil)
var _ Sized = (*File)(nil)
