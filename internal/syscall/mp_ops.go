package ksyscall

import (
	"github.com/tinyrange/kernel/internal/mpi"
	"github.com/tinyrange/kernel/internal/task"
)

// SendMessage implements send_message(target, id, buf) → ok/error.
func (d *Dispatcher) SendMessage(sender *task.Process, target *task.Process, id uint64, body []byte) error {
	return d.MPI.Send(sender.ID, target, id, body)
}

// ReceiveMessageDetails implements receive_message_details() → header.
func (d *Dispatcher) ReceiveMessageDetails(proc *task.Process) (mpi.Header, error) {
	return d.MPI.ReceiveDetails(proc)
}

// ReceiveMessageBody implements receive_message_body(buf) → n.
func (d *Dispatcher) ReceiveMessageBody(proc *task.Process, buf []byte) (int, error) {
	return d.MPI.ReceiveBody(proc, buf)
}

// MessageComplete implements message_complete(header).
func (d *Dispatcher) MessageComplete(proc *task.Process, header mpi.Header) error {
	return d.MPI.Complete(proc, header)
}

// RegisterForMP implements register_for_mp(): marks proc able to
// receive messages. Idempotent, per task.Process.SetMPRegistered.
func (d *Dispatcher) RegisterForMP(proc *task.Process) {
	proc.SetMPRegistered()
}
