package rvvisor

import (
	"fmt"

	"github.com/blacktop/go-rvvisor/riscv"
)

// SwitchToGuest installs the guest's translation and returns into it: write
// hgatp, fence the G-stage TLB, check the write took, set hstatus.SPV and
// sstatus.SPP so sret lands in VS-mode, point sepc at the guest and enter.
func (h *Hypervisor) SwitchToGuest() error {
	g := h.guest
	if g == nil {
		return ErrNoGuest
	}
	cpu := h.hw.CPU

	want := g.Hgatp.Value()
	cpu.WriteCSR(riscv.CSRHgatp, want)
	cpu.FenceGVMA()
	if got := cpu.ReadCSR(riscv.CSRHgatp); got != want {
		return fmt.Errorf("%w: wrote 0x%016x, read 0x%016x", ErrHgatpReadback, want, got)
	}

	cpu.WriteCSR(riscv.CSRHstatus, cpu.ReadCSR(riscv.CSRHstatus)|riscv.HstatusSPV)
	cpu.WriteCSR(riscv.CSRSstatus, cpu.ReadCSR(riscv.CSRSstatus)|riscv.SstatusSPP)
	cpu.WriteCSR(riscv.CSRSepc, g.Sepc)

	h.log.WithField("hgatp", g.Hgatp).Infof("entering guest %s at 0x%016x", g.Name, g.Sepc)
	recordGuestEntry()
	if err := cpu.EnterGuest(); err != nil {
		return hvErr(err)
	}
	return nil
}
