package rvvisor

import (
	"fmt"

	"github.com/blacktop/go-rvvisor/riscv"
	"github.com/sirupsen/logrus"
)

// InterruptController is the claim/complete side of the PLIC.
type InterruptController interface {
	Claim() (uint32, bool)
	Complete(id uint32)
}

// BlockInterruptHandler drains completions for a virtio device.
type BlockInterruptHandler interface {
	HandleInterrupt(irq uint32) error
}

// ConsoleInterruptHandler services a console receive interrupt.
type ConsoleInterruptHandler interface {
	HandleInterrupt()
}

// Halter parks the hart.
type Halter interface {
	Halt()
}

// Dispatcher classifies every trap and routes it. External interrupts go
// through claim/complete to the block device (sources 1-8) or the console;
// guest environment calls and guest-page faults are logged and halt the
// hart; anything else is an UnhandledCauseError.
//
// The resume address is always the trapping PC.
type Dispatcher struct {
	plic       InterruptController
	block      BlockInterruptHandler
	console    ConsoleInterruptHandler
	cpu        Halter
	consoleIRQ uint32
	log        logrus.FieldLogger
}

// NewDispatcher returns a dispatcher routing source consoleIRQ to console.
func NewDispatcher(ic InterruptController, block BlockInterruptHandler, console ConsoleInterruptHandler, cpu Halter, consoleIRQ uint32, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		plic:       ic,
		block:      block,
		console:    console,
		cpu:        cpu,
		consoleIRQ: consoleIRQ,
		log:        log,
	}
}

// HandleTrap implements riscv.TrapHandler.
func (d *Dispatcher) HandleTrap(info riscv.TrapInfo) (uint64, error) {
	recordTrap()
	d.log.WithFields(logrus.Fields{
		"sepc":    fmt.Sprintf("0x%016x", info.Sepc),
		"stval":   fmt.Sprintf("0x%016x", info.Stval),
		"scause":  fmt.Sprintf("0x%016x", uint64(info.Scause)),
		"sstatus": fmt.Sprintf("0x%016x", info.Sstatus),
	}).Debug("<--------- trap --------->")

	switch kind := riscv.Classify(info.Scause); kind {
	case riscv.TrapExternalInterrupt:
		return info.Sepc, d.external()
	case riscv.TrapEcallFromU, riscv.TrapEcallFromVS,
		riscv.TrapLoadGuestPageFault, riscv.TrapStoreGuestPageFault:
		return info.Sepc, d.halt(kind, info)
	default:
		recordUnhandledTrap()
		return info.Sepc, &riscv.UnhandledCauseError{Cause: info.Scause, PC: info.Sepc}
	}
}

func (d *Dispatcher) external() error {
	id, ok := d.plic.Claim()
	if !ok {
		recordUnhandledTrap()
		return ErrSpuriousInterrupt
	}
	recordClaim()
	d.log.Debugf("interrupt id: %d", id)

	var err error
	switch {
	case id >= VirtioIRQFirst && id <= VirtioIRQLast:
		recordVirtioInterrupt()
		err = d.block.HandleInterrupt(id)
	case id == d.consoleIRQ:
		recordConsoleInterrupt()
		d.console.HandleInterrupt()
	default:
		recordUnhandledTrap()
		return &UnhandledInterruptError{ID: id}
	}
	d.plic.Complete(id)
	return err
}

func (d *Dispatcher) halt(kind riscv.TrapKind, info riscv.TrapInfo) error {
	log := d.log.WithField("stval", fmt.Sprintf("0x%016x", info.Stval))
	if (kind == riscv.TrapEcallFromU || kind == riscv.TrapEcallFromVS) && info.Frame != nil {
		log = log.WithFields(logrus.Fields{
			riscv.RegA7.String(): fmt.Sprintf("0x%x", info.Frame.Reg(riscv.RegA7)),
			riscv.RegA6.String(): fmt.Sprintf("0x%x", info.Frame.Reg(riscv.RegA6)),
			riscv.RegA0.String(): fmt.Sprintf("0x%x", info.Frame.Reg(riscv.RegA0)),
		})
	}
	log.Infof("exception: %s at 0x%016x", kind, info.Sepc)

	d.cpu.Halt()
	recordHalt()
	return &HaltError{Trap: kind, PC: info.Sepc, Stval: info.Stval}
}
