package systree

import (
	"sync"

	"github.com/tinyrange/kernel/internal/ksync"
	"github.com/tinyrange/kernel/internal/wait"
)

const (
	// WriteLeafName and ReadLeafName are the pipe's two fixed children
	// (spec.md §4.4).
	WriteLeafName = "write"
	ReadLeafName  = "read"
)

// ring is a fixed-capacity circular byte buffer guarded by a spinlock,
// per spec.md §4.4: "writes copy into a ring buffer under a spinlock".
type ring struct {
	mu   ksync.Spinlock
	buf  []byte
	head int
	len  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

// write copies as much of data as fits, truncating silently on
// overflow (spec.md: "writes that would overflow are truncated, never
// block").
func (r *ring) write(data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := len(r.buf) - r.len
	n := len(data)
	if n > free {
		n = free
	}
	tail := (r.head + r.len) % len(r.buf)
	for i := 0; i < n; i++ {
		r.buf[(tail+i)%len(r.buf)] = data[i]
	}
	r.len += n
	return n
}

// read copies up to len(out) bytes, returning a possibly short count.
func (r *ring) read(out []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(out)
	if n > r.len {
		n = r.len
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.len -= n
	return n
}

func (r *ring) available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len
}

// BlockingReader is implemented by leaves that support a blocking read
// mode gated by a per-reader flag (spec.md §4.4's pipe semantics). The
// read syscall calls ReadBlocking instead of the plain Readable method
// when the handle's blocking flag is set.
type BlockingReader interface {
	ReadBlocking(t wait.Blockable, buf []byte) (int, error)
}

// Pipe is a system-tree branch exposing two fixed leaves, a
// write-only one and a read-only one, backed by a single ring buffer
// and a wait object signalled on each successful write (spec.md
// §4.4's pipe semantics and §8 scenario A).
type Pipe struct {
	*Branch

	ring *ring
	wait wait.Object

	writeLeaf *PipeWriteLeaf
	readLeaf  *PipeReadLeaf
}

// NewPipe creates a pipe branch named name with the given ring
// capacity and inserts its two fixed children.
func NewPipe(name string, capacity int) *Pipe {
	p := &Pipe{
		Branch: NewBranch(name, nil),
		ring:   newRing(capacity),
	}
	p.writeLeaf = &PipeWriteLeaf{pipe: p}
	p.readLeaf = &PipeReadLeaf{pipe: p}
	_ = p.Branch.AddChild(WriteLeafName, p.writeLeaf)
	_ = p.Branch.AddChild(ReadLeafName, p.readLeaf)
	return p
}

// WaitObject implements WaitSignalable at the pipe level: waiting on
// the pipe branch surfaces "bytes became available". The read and
// write leaves do not implement WaitSignalable themselves.
func (p *Pipe) WaitObject() *wait.Object { return &p.wait }

// PipeWriteLeaf is a pipe's write-only child.
type PipeWriteLeaf struct {
	pipe *Pipe
}

// Name implements Node.
func (l *PipeWriteLeaf) Name() string { return WriteLeafName }

// WriteBytes ignores start: a pipe is a byte stream, not addressable.
func (l *PipeWriteLeaf) WriteBytes(_ int64, buf []byte) (int, error) {
	n := l.pipe.ring.write(buf)
	if n > 0 {
		l.pipe.wait.Signal()
	}
	return n, nil
}

var _ Writable = (*PipeWriteLeaf)(nil)

// PipeReadLeaf is a pipe's read-only child.
type PipeReadLeaf struct {
	pipe *Pipe

	mu       sync.Mutex
	blocking bool
}

// Name implements Node.
func (l *PipeReadLeaf) Name() string { return ReadLeafName }

// SetBlocking controls whether a read blocks when the ring is empty,
// spec.md's "per-reader flag".
func (l *PipeReadLeaf) SetBlocking(v bool) {
	l.mu.Lock()
	l.blocking = v
	l.mu.Unlock()
}

func (l *PipeReadLeaf) isBlocking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocking
}

// ReadBytes ignores start, same reasoning as WriteBytes, and never
// blocks: it returns immediately with however many bytes (possibly
// zero) are currently available.
func (l *PipeReadLeaf) ReadBytes(_ int64, buf []byte) (int, error) {
	return l.pipe.ring.read(buf), nil
}

// ReadBlocking implements BlockingReader: when the per-reader flag is
// set and the ring is currently empty, it blocks t on the pipe's wait
// object until bytes arrive; otherwise it behaves like ReadBytes.
func (l *PipeReadLeaf) ReadBlocking(t wait.Blockable, buf []byte) (int, error) {
	if !l.isBlocking() {
		return l.ReadBytes(0, buf)
	}
	l.pipe.wait.Wait(t, func() bool { return l.pipe.ring.available() > 0 })
	return l.pipe.ring.read(buf), nil
}

var _ Readable = (*PipeReadLeaf)(nil)
var _ BlockingReader = (*PipeReadLeaf)(nil)
