// Package mpi implements spec.md §4.5's per-process message-passing
// surface, component H: send_message/receive_message_details/
// receive_message_body/message_complete/register_for_mp.
//
// Grounded on internal/devices/amd64/chipset/sink.go's
// AcknowledgeHook/adapter-function pattern for the registration-gate
// shape (a process must register_for_mp before it can receive,
// mirroring a device that must install an acknowledge hook before it
// can be notified).
package mpi

import (
	"sync"

	"github.com/tinyrange/kernel/internal/kerrors"
	"github.com/tinyrange/kernel/internal/task"
	"github.com/tinyrange/kernel/internal/wait"
)

// Header identifies a message without its body, returned by
// receive_message_details and required again by message_complete.
type Header struct {
	Sender uint64
	ID     uint64
	Len    int
}

type message struct {
	Header
	body []byte
}

// Queue is one process's inbound message queue: at most one message
// "in flight" (checked out) at a time, per spec.md §5's "a process has
// at most one message checked out at any time".
type Queue struct {
	mu         sync.Mutex
	pending    []message
	checkedOut *message

	waitObj wait.Object
}

// WaitObject implements systree.WaitSignalable, so a thread can
// wait_for_object on its own process's message queue to learn when a
// message has arrived.
func (q *Queue) WaitObject() *wait.Object { return &q.waitObj }

// Manager owns every process's message queue, keyed by process ID.
type Manager struct {
	mu     sync.Mutex
	queues map[uint64]*Queue
}

// NewManager creates an empty message-queue manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[uint64]*Queue)}
}

func (m *Manager) queueFor(procID uint64) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[procID]
	if !ok {
		q = &Queue{}
		m.queues[procID] = q
	}
	return q
}

// Send copies buf into a kernel-owned buffer and appends a message
// from sender to target's queue. target must have called
// register_for_mp, or this returns SyncMsgNotAccepted (spec.md §4.5).
func (m *Manager) Send(sender uint64, target *task.Process, id uint64, buf []byte) error {
	if err := target.EnsureMPRegistered(); err != nil {
		return err
	}
	body := make([]byte, len(buf))
	copy(body, buf)

	q := m.queueFor(target.ID)
	q.mu.Lock()
	q.pending = append(q.pending, message{Header: Header{Sender: sender, ID: id, Len: len(body)}, body: body})
	q.mu.Unlock()
	q.waitObj.Signal()
	return nil
}

// ReceiveDetails peeks at the next message for proc, marking it
// checked out. Calling it again before message_complete fails with
// InvalidOp (spec.md: "must not be called again until
// message_complete"); an empty queue fails with SyncMsgQueueEmpty.
func (m *Manager) ReceiveDetails(proc *task.Process) (Header, error) {
	q := m.queueFor(proc.ID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.checkedOut != nil {
		return Header{}, kerrors.New(kerrors.InvalidOp)
	}
	if len(q.pending) == 0 {
		return Header{}, kerrors.New(kerrors.SyncMsgQueueEmpty)
	}
	checkedOut := q.pending[0]
	q.checkedOut = &checkedOut
	return checkedOut.Header, nil
}

// ReceiveBody copies the checked-out message's body into buf,
// truncating silently if buf is smaller. SyncMsgMismatch if no
// message is currently checked out.
func (m *Manager) ReceiveBody(proc *task.Process, buf []byte) (int, error) {
	q := m.queueFor(proc.ID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.checkedOut == nil {
		return 0, kerrors.New(kerrors.SyncMsgMismatch)
	}
	n := copy(buf, q.checkedOut.body)
	return n, nil
}

// Complete asserts header matches the checked-out message, frees its
// buffer, and advances the queue.
func (m *Manager) Complete(proc *task.Process, header Header) error {
	q := m.queueFor(proc.ID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.checkedOut == nil {
		return kerrors.New(kerrors.SyncMsgMismatch)
	}
	if q.checkedOut.Header != header {
		return kerrors.New(kerrors.SyncMsgMismatch)
	}
	q.pending = q.pending[1:]
	q.checkedOut = nil
	return nil
}

// Pending reports how many messages are queued (including any checked
// out one), for tests and diagnostics.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
