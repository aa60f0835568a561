package intr

import (
	"sync"

	"github.com/tinyrange/kernel/internal/kerrors"
)

// DeliveryMode is an IPI's delivery mode (spec.md §4.3).
type DeliveryMode int

const (
	DeliveryFixed DeliveryMode = iota
	DeliveryLowestPriority
	DeliverySMI
	DeliveryNMI
	DeliveryINIT
	DeliveryStartup
)

// Target selects which CPU(s) an IPI is sent to.
type Target struct {
	// Shorthand, when set, overrides APICID.
	Shorthand TargetShorthand
	APICID    int
}

// TargetShorthand is the IPI destination-shorthand field.
type TargetShorthand int

const (
	TargetNone TargetShorthand = iota
	TargetSelf
	TargetAllIncludingSelf
	TargetAllExcludingSelf
)

// IPI is one inter-processor interrupt send request (spec.md §4.3).
type IPI struct {
	Target       Target
	Mode         DeliveryMode
	Vector       uint8
	WaitDelivery bool
}

// signalState is one slot of the out-of-band cross-CPU signalling
// table spec.md §4.3 describes for suspend/resume/TLB-shootdown:
// a per-target lock, a message word, and an acknowledged flag the
// target flips after handling the NMI.
type signalState struct {
	mu           sync.Mutex
	message      int
	acknowledged bool
}

// SignalNone means "no message pending"; a spurious IPI finding this
// is ignored per spec.md §4.3's failure semantics.
const SignalNone = 0

// Manager owns the interrupt subsystem for the whole machine: the
// shared IDT image, the chosen controller per CPU, and the IPI
// signalling table.
type Manager struct {
	IDT *IDT

	useAPIC bool
	legacy  *legacyPIC
	apics   []*apicController

	cpuCount int
	deliver  []func(cpu int, vector uint8) // per-CPU delivery hook, installed by the boot path

	signals []signalState
}

// NewManager builds an interrupt manager for cpuCount logical CPUs.
// useAPIC selects xAPIC+IO-APIC mode; when false, a single shared
// legacy 8259 pair is used, valid only for cpuCount == 1 per spec.md
// §4.3's "legacy PIC (single-CPU systems only, asserted)".
func NewManager(cpuCount int, useAPIC bool) *Manager {
	m := &Manager{
		IDT:      NewIDT(),
		useAPIC:  useAPIC,
		cpuCount: cpuCount,
		deliver:  make([]func(cpu int, vector uint8), cpuCount),
		signals:  make([]signalState, cpuCount),
	}
	if useAPIC {
		m.apics = make([]*apicController, cpuCount)
		for i := range m.apics {
			m.apics[i] = newAPICController(i)
		}
	} else {
		m.legacy = newLegacyPIC()
	}
	return m
}

// SetDeliveryHook installs the function used to actually invoke a
// vector on cpu — the interrupt-entry path's equivalent of raising the
// line on real hardware. Tests and cmd/kernel's simulated boot both
// install this to route IPIs into IDT.Dispatch.
func (m *Manager) SetDeliveryHook(cpu int, fn func(cpu int, vector uint8)) {
	m.deliver[cpu] = fn
}

// RaiseIRQ asserts IRQ line and, if unmasked, dispatches its vector
// immediately to cpu. Only meaningful on the CPU that owns device
// interrupts (CPU 0, by convention, when legacy PIC is active).
func (m *Manager) RaiseIRQ(cpu int, line uint8) {
	if m.useAPIC {
		if cpu >= len(m.apics) {
			return
		}
		m.apics[cpu].assert(line, func(vector uint8) {
			if d := m.deliver[cpu]; d != nil {
				d(cpu, vector)
			}
		})
		return
	}
	m.legacy.SetIRQ(line, true)
	ok, vector := m.legacy.Acknowledge()
	if ok {
		if d := m.deliver[cpu]; d != nil {
			d(cpu, vector)
		}
	}
}

// SetIRQMask enables or disables delivery of line on cpu.
func (m *Manager) SetIRQMask(cpu int, line uint8, masked bool) {
	if m.useAPIC {
		if cpu < len(m.apics) {
			m.apics[cpu].setMask(line, masked)
		}
		return
	}
	m.legacy.SetMask(line, masked)
}

// SendIPI delivers req from sender, expanding target shorthands and
// invoking the recipients' delivery hooks synchronously. A fixed-mode
// IPI to a single APIC id that has no registered delivery hook (e.g.
// an offline AP) is silently dropped, mirroring real hardware where an
// absent CPU simply never acknowledges.
func (m *Manager) SendIPI(sender int, req IPI) error {
	switch req.Mode {
	case DeliveryFixed, DeliveryLowestPriority, DeliveryNMI, DeliveryStartup, DeliveryINIT:
	default:
		return kerrors.New(kerrors.InvalidParam)
	}

	targets := m.expandTargets(sender, req.Target)
	for _, cpu := range targets {
		if cpu < 0 || cpu >= m.cpuCount {
			continue
		}
		if d := m.deliver[cpu]; d != nil {
			d(cpu, req.Vector)
		}
	}
	return nil
}

func (m *Manager) expandTargets(sender int, t Target) []int {
	switch t.Shorthand {
	case TargetSelf:
		return []int{sender}
	case TargetAllIncludingSelf:
		out := make([]int, m.cpuCount)
		for i := range out {
			out[i] = i
		}
		return out
	case TargetAllExcludingSelf:
		out := make([]int, 0, m.cpuCount-1)
		for i := 0; i < m.cpuCount; i++ {
			if i != sender {
				out = append(out, i)
			}
		}
		return out
	default:
		return []int{t.APICID}
	}
}

// BroadcastReschedule implements spec.md §4.2's cross-CPU reschedule
// rule: the CPU driving the timer broadcasts RescheduleVector to every
// other CPU, excluding itself, with no delivery wait.
func (m *Manager) BroadcastReschedule(sender int) {
	_ = m.SendIPI(sender, IPI{
		Target: Target{Shorthand: TargetAllExcludingSelf},
		Mode:   DeliveryFixed,
		Vector: RescheduleVector,
	})
}

// SignalTarget implements spec.md §4.3's cross-CPU signalling protocol
// for suspend/resume/TLB-shootdown: acquire the target's slot, write
// the message, send the NMI, then check that the target acknowledged
// it, returning DeviceFailed if it did not.
func (m *Manager) SignalTarget(sender, target int, message int) error {
	if target < 0 || target >= len(m.signals) {
		return kerrors.New(kerrors.InvalidParam)
	}
	slot := &m.signals[target]
	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.message = message
	slot.acknowledged = false
	if d := m.deliver[target]; d != nil {
		d(target, NMIVector)
	}
	// The delivery hook above runs the target's NMI handler
	// synchronously (this model has no separate per-CPU goroutine), so
	// by the time SendIPI/d returns, AcknowledgeSignal has already run.
	if !slot.acknowledged {
		return kerrors.New(kerrors.DeviceFailed)
	}
	return nil
}

// AcknowledgeSignal reads and clears the pending message for cpu, used
// by the NMI handler installed on each CPU. A message of SignalNone
// means the NMI was spurious.
func (m *Manager) AcknowledgeSignal(cpu int) int {
	if cpu < 0 || cpu >= len(m.signals) {
		return SignalNone
	}
	slot := &m.signals[cpu]
	msg := slot.message
	slot.message = SignalNone
	slot.acknowledged = true
	return msg
}
