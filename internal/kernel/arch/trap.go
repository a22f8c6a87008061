package arch

// TrapKind is the architecture-neutral classification of a trap. Backends
// translate their native cause words into one of these; the interrupt
// dispatcher routes and accounts on them.
type TrapKind uint8

const (
	TrapUnknown TrapKind = iota
	TrapPageFault
	TrapGeneralProtection
	TrapIllegalInstruction
	TrapBreakpoint
	TrapAlignment
	TrapSystemCall
	TrapTimer
	TrapExternalIRQ
)

// String returns the kind name used in logs and stats dumps.
func (k TrapKind) String() string {
	switch k {
	case TrapPageFault:
		return "page-fault"
	case TrapGeneralProtection:
		return "general-protection"
	case TrapIllegalInstruction:
		return "illegal-instruction"
	case TrapBreakpoint:
		return "breakpoint"
	case TrapAlignment:
		return "alignment"
	case TrapSystemCall:
		return "system-call"
	case TrapTimer:
		return "timer"
	case TrapExternalIRQ:
		return "external-irq"
	default:
		return "unknown"
	}
}

// IsException reports whether the kind is a synchronous fault rather than a
// hardware interrupt or a system call.
func (k TrapKind) IsException() bool {
	switch k {
	case TrapPageFault, TrapGeneralProtection, TrapIllegalInstruction,
		TrapBreakpoint, TrapAlignment:
		return true
	default:
		return false
	}
}
