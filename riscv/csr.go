// Package riscv describes the RISC-V hypervisor-extension state the core
// touches: CSR numbers and bit fields, the hgatp configuration word, trap
// causes and the trap frame, and the privileged primitives the core expects
// from the hart.
package riscv

import "fmt"

// CSR is a control and status register number.
type CSR uint16

const (
	CSRSstatus  CSR = 0x100
	CSRSie      CSR = 0x104
	CSRStvec    CSR = 0x105
	CSRSscratch CSR = 0x140
	CSRSepc     CSR = 0x141
	CSRScause   CSR = 0x142
	CSRStval    CSR = 0x143
	CSRSip      CSR = 0x144
	CSRHstatus  CSR = 0x600
	CSRHedeleg  CSR = 0x602
	CSRHideleg  CSR = 0x603
	CSRHie      CSR = 0x604
	CSRHvip     CSR = 0x645
	CSRHgatp    CSR = 0x680
)

var csrNames = map[CSR]string{
	CSRSstatus:  "sstatus",
	CSRSie:      "sie",
	CSRStvec:    "stvec",
	CSRSscratch: "sscratch",
	CSRSepc:     "sepc",
	CSRScause:   "scause",
	CSRStval:    "stval",
	CSRSip:      "sip",
	CSRHstatus:  "hstatus",
	CSRHedeleg:  "hedeleg",
	CSRHideleg:  "hideleg",
	CSRHie:      "hie",
	CSRHvip:     "hvip",
	CSRHgatp:    "hgatp",
}

func (c CSR) String() string {
	if n, ok := csrNames[c]; ok {
		return n
	}
	return fmt.Sprintf("csr(0x%03x)", uint16(c))
}

// sstatus bits.
const (
	SstatusSIE  uint64 = 1 << 1
	SstatusSPIE uint64 = 1 << 5
	SstatusSPP  uint64 = 1 << 8
)

// hstatus bits.
const (
	HstatusSPV uint64 = 1 << 7
)

// sie bits.
const (
	SieSSIE uint64 = 1 << 1
	SieSTIE uint64 = 1 << 5
	SieSEIE uint64 = 1 << 9
)

// hideleg bits: virtual supervisor interrupts.
const (
	HidelegVSSIP uint64 = 1 << 2
	HidelegVSTIP uint64 = 1 << 6
	HidelegVSEIP uint64 = 1 << 10
)

// HedelegDefault delegates instruction-misaligned, breakpoint, ecall from
// U/VU-mode and instruction, load and store page faults to the guest.
const HedelegDefault uint64 = 1<<0 | 1<<3 | 1<<8 | 1<<12 | 1<<13 | 1<<15

// Mode is the hgatp translation mode.
type Mode uint64

const (
	ModeBare   Mode = 0
	ModeSv39x4 Mode = 8
	ModeSv48x4 Mode = 9
	ModeSv57x4 Mode = 10
)

func (m Mode) String() string {
	switch m {
	case ModeBare:
		return "Bare"
	case ModeSv39x4:
		return "Sv39x4"
	case ModeSv48x4:
		return "Sv48x4"
	case ModeSv57x4:
		return "Sv57x4"
	default:
		return fmt.Sprintf("Mode(%d)", uint64(m))
	}
}

const (
	hgatpModeShift = 60
	hgatpVMIDShift = 44
	hgatpPPNMask   = 1<<44 - 1
	hgatpVMIDMask  = 1<<16 - 1
)

// Hgatp is the guest-physical address translation configuration: mode in
// bits 63:60, VMID in the 16 bits above bit 44 and the root frame number in bits 43:0.
type Hgatp struct {
	Mode Mode
	VMID uint16
	PPN  uint64
}

// Value encodes h as the hgatp register value.
func (h Hgatp) Value() uint64 {
	return uint64(h.Mode)<<hgatpModeShift |
		(uint64(h.VMID)&hgatpVMIDMask)<<hgatpVMIDShift |
		h.PPN&hgatpPPNMask
}

// ParseHgatp decodes a register value.
func ParseHgatp(v uint64) Hgatp {
	return Hgatp{
		Mode: Mode(v >> hgatpModeShift),
		VMID: uint16((v >> hgatpVMIDShift) & hgatpVMIDMask),
		PPN:  v & hgatpPPNMask,
	}
}

func (h Hgatp) String() string {
	return fmt.Sprintf("hgatp{mode=%s vmid=%d ppn=0x%x}", h.Mode, h.VMID, h.PPN)
}
