package intr

const pageFaultVector uint8 = 14

// doubleFaultVector and machineCheckVector get their own IST slot
// (1 and 2 respectively) so a fault that corrupts the current stack
// still has somewhere safe to land, per spec.md §4.3's IST field.
const (
	doubleFaultVector  uint8 = 8
	machineCheckVector uint8 = 18
)

var exceptionNames = [ExceptionVectorCount]string{
	0:  "divide-error",
	1:  "debug",
	2:  "nmi",
	3:  "breakpoint",
	4:  "overflow",
	5:  "bound-range",
	6:  "invalid-opcode",
	7:  "device-not-available",
	8:  "double-fault",
	9:  "coprocessor-segment-overrun",
	10: "invalid-tss",
	11: "segment-not-present",
	12: "stack-fault",
	13: "general-protection",
	14: "page-fault",
	15: "reserved",
	16: "x87-fpu-error",
	17: "alignment-check",
	18: "machine-check",
	19: "simd-fp-exception",
	20: "virtualization-exception",
	21: "control-protection",
}

func exceptionName(vector uint8) string {
	if int(vector) < len(exceptionNames) && exceptionNames[vector] != "" {
		return exceptionNames[vector]
	}
	return "reserved"
}

func exceptionIST(vector uint8) uint8 {
	switch vector {
	case doubleFaultVector:
		return 1
	case machineCheckVector:
		return 2
	default:
		return 0
	}
}
