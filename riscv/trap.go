package riscv

import (
	"errors"
	"fmt"
)

// Cause is a raw scause value.
type Cause uint64

const (
	causeInterruptBit = 1 << 63
	causeCodeMask     = 0xfff
)

// InterruptCause returns the scause value for asynchronous interrupt code.
func InterruptCause(code uint64) Cause {
	return Cause(causeInterruptBit | code&causeCodeMask)
}

// ExceptionCause returns the scause value for synchronous exception code.
func ExceptionCause(code uint64) Cause {
	return Cause(code & causeCodeMask)
}

// Interrupt reports whether the trap was asynchronous.
func (c Cause) Interrupt() bool { return c&causeInterruptBit != 0 }

// Code returns the low 12 bits selecting the specific cause.
func (c Cause) Code() uint64 { return uint64(c) & causeCodeMask }

// Interrupt codes.
const (
	IntSupervisorSoftware = 1
	IntSupervisorTimer    = 5
	IntSupervisorExternal = 9
)

// Exception codes.
const (
	ExcEcallFromU          = 8
	ExcEcallFromVS         = 10
	ExcLoadGuestPageFault  = 21
	ExcStoreGuestPageFault = 23
)

// TrapKind is the set of trap causes the dispatcher recognizes. Anything
// else classifies as TrapUnhandled.
type TrapKind int

const (
	TrapUnhandled TrapKind = iota
	TrapExternalInterrupt
	TrapEcallFromU
	TrapEcallFromVS
	TrapLoadGuestPageFault
	TrapStoreGuestPageFault
)

func (k TrapKind) String() string {
	switch k {
	case TrapExternalInterrupt:
		return "supervisor external interrupt"
	case TrapEcallFromU:
		return "environment call from U-mode / VU-mode"
	case TrapEcallFromVS:
		return "environment call from VS-mode"
	case TrapLoadGuestPageFault:
		return "load guest-page fault"
	case TrapStoreGuestPageFault:
		return "store/amo guest-page fault"
	default:
		return "unhandled"
	}
}

// Classify maps a cause onto the recognized set.
func Classify(c Cause) TrapKind {
	if c.Interrupt() {
		if c.Code() == IntSupervisorExternal {
			return TrapExternalInterrupt
		}
		return TrapUnhandled
	}
	switch c.Code() {
	case ExcEcallFromU:
		return TrapEcallFromU
	case ExcEcallFromVS:
		return TrapEcallFromVS
	case ExcLoadGuestPageFault:
		return TrapLoadGuestPageFault
	case ExcStoreGuestPageFault:
		return TrapStoreGuestPageFault
	default:
		return TrapUnhandled
	}
}

// ErrUnhandledCause is the sentinel behind UnhandledCauseError.
var ErrUnhandledCause = errors.New("riscv: unhandled trap cause")

// UnhandledCauseError carries a cause outside the recognized set.
type UnhandledCauseError struct {
	Cause Cause
	PC    uint64
}

func (e *UnhandledCauseError) Error() string {
	kind := "exception"
	if e.Cause.Interrupt() {
		kind = "interrupt"
	}
	return fmt.Sprintf("riscv: unhandled %s code %d (scause 0x%016x) at 0x%016x", kind, e.Cause.Code(), uint64(e.Cause), e.PC)
}

func (e *UnhandledCauseError) Unwrap() error { return ErrUnhandledCause }

// TrapFrame is the register snapshot saved on every trap. One frame is
// allocated at init and overwritten on each trap.
type TrapFrame struct {
	Regs  [32]uint64
	FRegs [32]uint64
	PC    uint64
}

// TrapFrameSize is the in-memory size of a TrapFrame.
const TrapFrameSize = (32 + 32 + 1) * 8

// TrapInfo is what the trap entry hands the handler: the supervisor trap
// CSRs at the time of the trap and the saved register frame.
type TrapInfo struct {
	Sepc    uint64
	Stval   uint64
	Scause  Cause
	Sstatus uint64
	Frame   *TrapFrame
}

// TrapHandler handles one trap and returns the address to resume at.
type TrapHandler interface {
	HandleTrap(TrapInfo) (uint64, error)
}

// CPU is the set of privileged operations the core needs from the hart. The
// implementation owns the assembly; the core treats every call as opaque.
type CPU interface {
	ReadCSR(CSR) uint64
	WriteCSR(CSR, uint64)
	// SetTrapHandler installs h behind stvec.
	SetTrapHandler(h TrapHandler)
	// FenceGVMA flushes all G-stage translation caches.
	FenceGVMA()
	// EnterGuest executes sret into the guest. On hardware it does not
	// return; implementations that model the hart return once the guest
	// has been entered.
	EnterGuest() error
	// Halt parks the hart in place; the trapped context is never resumed.
	Halt()
}
