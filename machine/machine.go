// Package machine simulates the parts of a QEMU RISC-V "virt" board the
// hypervisor drives: DRAM, a legacy virtio-mmio block device, a PLIC, an
// NS16550A console and one hart with the hypervisor extension.
//
// Devices complete work synchronously on the register write that starts it
// and raise their interrupt through the PLIC, which the hart delivers as a
// supervisor external interrupt to the installed trap handler.
package machine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/plic"
	"github.com/blacktop/go-rvvisor/uart"
	"github.com/blacktop/go-rvvisor/virtio"
	"github.com/sirupsen/logrus"
)

var le = binary.LittleEndian

// Config is the physical memory map of the board.
type Config struct {
	DRAMBase   physmem.Addr
	DRAMSize   uint64
	UARTBase   physmem.Addr
	VirtioBase physmem.Addr
	PLICBase   physmem.Addr
	VirtioIRQ  uint32
	UARTIRQ    uint32
}

// DefaultConfig returns the QEMU virt memory map with 256 MiB of DRAM.
func DefaultConfig() Config {
	return Config{
		DRAMBase:   0x80000000,
		DRAMSize:   0x10000000,
		UARTBase:   0x10000000,
		VirtioBase: 0x10001000,
		PLICBase:   0x0c000000,
		VirtioIRQ:  plic.VirtioIRQ,
		UARTIRQ:    plic.UARTIRQ,
	}
}

// Machine is one simulated board.
type Machine struct {
	cfg Config

	Mem     *physmem.Memory
	Hart    *Hart
	PLIC    *PLIC
	Block   *BlockDevice
	Console *Console
}

// New builds a board with disk attached to the block device and console
// output going to out. out may be nil.
func New(cfg Config, disk *Disk, out io.Writer, log logrus.FieldLogger) (*Machine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if disk == nil {
		return nil, fmt.Errorf("machine: no disk attached")
	}
	if cfg.VirtioIRQ == 0 || cfg.VirtioIRQ >= plicSources || cfg.UARTIRQ == 0 || cfg.UARTIRQ >= plicSources {
		return nil, fmt.Errorf("machine: invalid interrupt sources virtio=%d uart=%d", cfg.VirtioIRQ, cfg.UARTIRQ)
	}
	mem, err := physmem.New(cfg.DRAMBase, cfg.DRAMSize)
	if err != nil {
		return nil, fmt.Errorf("machine: failed to allocate DRAM: %w", err)
	}

	m := &Machine{
		cfg:     cfg,
		Mem:     mem,
		PLIC:    &PLIC{},
		Block:   newBlockDevice(mem, disk, log.WithField("device", "virtio0")),
		Console: &Console{out: out},
	}
	m.Hart = newHart(mem, m.PLIC.Pending, log.WithField("device", "hart0"))

	m.Block.irq = m.PLIC.Update
	m.Console.irq = m.PLIC.Update
	m.PLIC.Attach(cfg.VirtioIRQ, m.Block.asserted)
	m.PLIC.Attach(cfg.UARTIRQ, m.Console.asserted)
	m.PLIC.notify = m.Hart.deliver
	return m, nil
}

// Config returns the memory map.
func (m *Machine) Config() Config { return m.cfg }

// UARTRegs returns the console register window.
func (m *Machine) UARTRegs() *physmem.MMIO {
	return physmem.NewMMIO(m.cfg.UARTBase, uart.RegionSize, m.Console)
}

// VirtioRegs returns the block device register window.
func (m *Machine) VirtioRegs() *physmem.MMIO {
	return physmem.NewMMIO(m.cfg.VirtioBase, virtio.RegionSize, m.Block)
}

// PLICRegs returns the interrupt controller register window.
func (m *Machine) PLICRegs() *physmem.MMIO {
	return physmem.NewMMIO(m.cfg.PLICBase, plic.RegionSize, m.PLIC)
}

// Close releases DRAM.
func (m *Machine) Close() error {
	return m.Mem.Close()
}
