package machine

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/riscv"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHalted is returned when the hart is asked to run after a halt.
	ErrHalted = errors.New("machine: hart is halted")
	// ErrNotInGuest is returned when a guest exception is raised before the
	// guest has been entered.
	ErrNotInGuest = errors.New("machine: hart is not executing the guest")
)

// Hart models one RISC-V hart with the hypervisor extension, from the point
// of view of HS-mode software. It implements riscv.CPU. Guest execution is
// not interpreted: the guest is "running" after EnterGuest until a trap is
// raised with Exception or an external interrupt arrives.
type Hart struct {
	mem     *physmem.Memory
	line    func() bool
	log     logrus.FieldLogger
	csr     map[riscv.CSR]uint64
	handler riscv.TrapHandler

	// Regs are the general purpose registers saved into the trap frame.
	Regs  [32]uint64
	frame riscv.TrapFrame

	pc      uint64
	virt    bool
	inTrap  bool
	halted  bool
	err     error
	fences  int
	entries int
	traps   int
}

func newHart(mem *physmem.Memory, line func() bool, log logrus.FieldLogger) *Hart {
	return &Hart{
		mem:  mem,
		line: line,
		log:  log,
		csr:  make(map[riscv.CSR]uint64),
		pc:   uint64(mem.Base()),
	}
}

// ReadCSR implements riscv.CPU.
func (h *Hart) ReadCSR(c riscv.CSR) uint64 { return h.csr[c] }

// WriteCSR implements riscv.CPU. hgatp is WARL: an unsupported mode leaves
// the register bare.
func (h *Hart) WriteCSR(c riscv.CSR, v uint64) {
	if c == riscv.CSRHgatp {
		if m := riscv.ParseHgatp(v).Mode; m != riscv.ModeBare && m != riscv.ModeSv39x4 {
			v = 0
		}
	}
	h.csr[c] = v
	if c == riscv.CSRSstatus || c == riscv.CSRSie {
		h.deliver()
	}
}

// SetTrapHandler implements riscv.CPU.
func (h *Hart) SetTrapHandler(t riscv.TrapHandler) { h.handler = t }

// FenceGVMA implements riscv.CPU.
func (h *Hart) FenceGVMA() { h.fences++ }

// Fences returns the number of G-stage fences executed.
func (h *Hart) Fences() int { return h.fences }

// EnterGuest implements riscv.CPU. It performs sret with SPV set: the hart
// switches to VS-mode at sepc with the translation configured in hgatp.
func (h *Hart) EnterGuest() error {
	if h.halted {
		return ErrHalted
	}
	hgatp := riscv.ParseHgatp(h.csr[riscv.CSRHgatp])
	if hgatp.Mode != riscv.ModeSv39x4 {
		return fmt.Errorf("machine: guest entry with hgatp mode %s", hgatp.Mode)
	}
	if h.csr[riscv.CSRHstatus]&riscv.HstatusSPV == 0 {
		return errors.New("machine: sret with hstatus.SPV clear does not enter the guest")
	}
	if h.csr[riscv.CSRSstatus]&riscv.SstatusSPP == 0 {
		return errors.New("machine: sret with sstatus.SPP clear enters VU-mode, not VS-mode")
	}
	h.sret()
	h.entries++
	h.log.WithFields(logrus.Fields{
		"pc":    fmt.Sprintf("0x%016x", h.pc),
		"hgatp": hgatp,
	}).Debug("hart: entered guest")
	h.deliver()
	return h.err
}

// Halt implements riscv.CPU.
func (h *Hart) Halt() { h.halted = true }

// Halted reports whether the hart has been parked.
func (h *Hart) Halted() bool { return h.halted }

// InGuest reports whether the hart is executing in VS-mode.
func (h *Hart) InGuest() bool { return h.virt && !h.halted }

// PC returns the current program counter.
func (h *Hart) PC() uint64 { return h.pc }

// Entries returns the number of guest entries.
func (h *Hart) Entries() int { return h.entries }

// Traps returns the number of traps taken.
func (h *Hart) Traps() int { return h.traps }

// Err returns the error returned by the last failed trap handler.
func (h *Hart) Err() error { return h.err }

// Exception raises a synchronous exception in the running guest at the
// current PC, as if the guest had executed a faulting instruction.
func (h *Hart) Exception(code, stval uint64) error {
	if h.halted {
		return ErrHalted
	}
	if !h.virt {
		return ErrNotInGuest
	}
	h.trap(riscv.ExceptionCause(code), stval)
	h.deliver()
	return h.err
}

// interruptsEnabled follows the HS-mode rule: while V=1, supervisor
// interrupts are enabled regardless of sstatus.SIE.
func (h *Hart) interruptsEnabled() bool {
	if h.csr[riscv.CSRSie]&riscv.SieSEIE == 0 {
		return false
	}
	return h.virt || h.csr[riscv.CSRSstatus]&riscv.SstatusSIE != 0
}

// deliver takes external interrupt traps while the line is high and the hart
// can accept them. Traps are not nested: an interrupt raised inside a
// handler is taken after the handler returns.
func (h *Hart) deliver() {
	for !h.inTrap && !h.halted && h.handler != nil && h.interruptsEnabled() && h.line() {
		h.trap(riscv.InterruptCause(riscv.IntSupervisorExternal), 0)
	}
}

func (h *Hart) trap(cause riscv.Cause, stval uint64) {
	h.inTrap = true
	defer func() { h.inTrap = false }()
	h.traps++

	sstatus := h.csr[riscv.CSRSstatus]
	if sstatus&riscv.SstatusSIE != 0 {
		sstatus |= riscv.SstatusSPIE
	} else {
		sstatus &^= riscv.SstatusSPIE
	}
	sstatus = sstatus&^riscv.SstatusSIE | riscv.SstatusSPP
	h.csr[riscv.CSRSstatus] = sstatus
	if h.virt {
		h.csr[riscv.CSRHstatus] |= riscv.HstatusSPV
	} else {
		h.csr[riscv.CSRHstatus] &^= riscv.HstatusSPV
	}
	h.csr[riscv.CSRSepc] = h.pc
	h.csr[riscv.CSRScause] = uint64(cause)
	h.csr[riscv.CSRStval] = stval
	h.virt = false

	h.frame.Regs = h.Regs
	h.frame.PC = h.pc
	h.saveFrame()

	info := riscv.TrapInfo{
		Sepc:    h.pc,
		Stval:   stval,
		Scause:  cause,
		Sstatus: sstatus,
		Frame:   &h.frame,
	}
	if h.handler == nil {
		h.err = &riscv.UnhandledCauseError{Cause: cause, PC: h.pc}
		h.halted = true
		return
	}
	resume, err := h.handler.HandleTrap(info)
	if err != nil {
		h.err = err
		h.halted = true
		return
	}
	if h.halted {
		return
	}
	h.csr[riscv.CSRSepc] = resume
	h.sret()
}

// sret returns to the privilege and virtualization mode saved in
// sstatus.SPP and hstatus.SPV.
func (h *Hart) sret() {
	sstatus := h.csr[riscv.CSRSstatus]
	if sstatus&riscv.SstatusSPIE != 0 {
		sstatus |= riscv.SstatusSIE
	} else {
		sstatus &^= riscv.SstatusSIE
	}
	sstatus = sstatus&^riscv.SstatusSPP | riscv.SstatusSPIE
	h.csr[riscv.CSRSstatus] = sstatus
	h.virt = h.csr[riscv.CSRHstatus]&riscv.HstatusSPV != 0
	h.pc = h.csr[riscv.CSRSepc]
}

// saveFrame stores the trap frame at sscratch when it points into DRAM.
func (h *Hart) saveFrame() {
	base := physmem.Addr(h.csr[riscv.CSRSscratch])
	if !h.mem.Contains(base, riscv.TrapFrameSize) {
		return
	}
	for i, r := range h.frame.Regs {
		h.mem.WriteUint64(base+physmem.Addr(i*8), r)
	}
	for i, r := range h.frame.FRegs {
		h.mem.WriteUint64(base+physmem.Addr(256+i*8), r)
	}
	h.mem.WriteUint64(base+512, h.frame.PC)
}
