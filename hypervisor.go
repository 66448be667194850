package rvvisor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/plic"
	"github.com/blacktop/go-rvvisor/riscv"
	"github.com/blacktop/go-rvvisor/uart"
	"github.com/blacktop/go-rvvisor/virtio"
	"github.com/sirupsen/logrus"
)

// Platform is the hardware the hypervisor runs on: the hart, its DRAM and
// the register windows of the devices it drives.
type Platform struct {
	CPU    riscv.CPU
	Memory *physmem.Memory
	UART   *physmem.MMIO
	Virtio *physmem.MMIO
	PLIC   *physmem.MMIO
}

// Hypervisor owns every piece of hypervisor state: the page allocator, the
// device drivers, the trap dispatcher and the one guest. Nothing is global.
//
// A Hypervisor has a single owner; trap handling runs on the same hart,
// between the owner's steps, and never concurrently with them.
type Hypervisor struct {
	cfg Config
	hw  Platform
	log logrus.FieldLogger

	alloc      *paging.Allocator
	console    *uart.UART
	plic       *plic.Controller
	block      *virtio.Block
	dispatcher *Dispatcher
	frame      paging.Page
	guest      *Guest

	initialized bool
	abort       context.CancelCauseFunc
}

// New validates cfg against hw and returns an uninitialized hypervisor.
func New(cfg Config, hw Platform, log logrus.FieldLogger) (*Hypervisor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw.CPU == nil || hw.Memory == nil || hw.UART == nil || hw.Virtio == nil || hw.PLIC == nil {
		return nil, configErr(errors.New("incomplete platform"))
	}
	if uint64(hw.Memory.Base()) != cfg.Hypervisor.DRAMStart || uint64(hw.Memory.End()) != cfg.Hypervisor.DRAMEnd {
		return nil, configErr(fmt.Errorf("DRAM [0x%x, 0x%x) does not match configured [0x%x, 0x%x)",
			hw.Memory.Base(), hw.Memory.End(), cfg.Hypervisor.DRAMStart, cfg.Hypervisor.DRAMEnd))
	}
	return &Hypervisor{
		cfg:     cfg,
		hw:      hw,
		log:     log,
		alloc:   paging.NewAllocator(hw.Memory, log.WithField("component", "paging")),
		console: uart.New(hw.UART),
		plic:    plic.New(hw.PLIC),
	}, nil
}

// Config returns the configuration.
func (h *Hypervisor) Config() Config { return h.cfg }

// Allocator returns the page allocator.
func (h *Hypervisor) Allocator() *paging.Allocator { return h.alloc }

// Console returns the console driver. It is an io.Writer and can carry log
// output.
func (h *Hypervisor) Console() io.Writer { return h.console }

// Guest returns the guest, or nil before CreateGuest.
func (h *Hypervisor) Guest() *Guest { return h.guest }

// Init brings up the allocator and devices, delegates guest traps and
// interrupts, installs the trap handler and enables external interrupts.
func (h *Hypervisor) Init() error {
	if h.initialized {
		return nil
	}
	h.alloc.Init(physmem.Addr(h.cfg.Hypervisor.ImageEnd))
	h.console.Init()

	blk, err := virtio.NewBlock(h.hw.Virtio, h.hw.Memory, h.alloc, h.log.WithField("component", "virtio"))
	if err != nil {
		return hvErr(err)
	}
	h.block = blk
	h.dispatcher = NewDispatcher(h.plic, h.block, h.console, h.hw.CPU, h.cfg.Devices.UARTIRQ, h.log.WithField("component", "trap"))

	cpu := h.hw.CPU
	cpu.WriteCSR(riscv.CSRHedeleg, riscv.HedelegDefault)
	cpu.WriteCSR(riscv.CSRHideleg, riscv.HidelegVSEIP|riscv.HidelegVSTIP|riscv.HidelegVSSIP)
	cpu.WriteCSR(riscv.CSRHvip, 0)
	cpu.SetTrapHandler(h)

	frame, err := h.alloc.Alloc()
	if err != nil {
		return hvErr(err)
	}
	h.frame = frame
	cpu.WriteCSR(riscv.CSRSscratch, uint64(frame.Addr()))
	h.log.Infof("sscratch: 0x%016x", cpu.ReadCSR(riscv.CSRSscratch))

	if err := h.plic.Enable(h.cfg.Devices.VirtioIRQ, h.cfg.Devices.UARTIRQ); err != nil {
		return configErr(err)
	}
	cpu.WriteCSR(riscv.CSRSie, cpu.ReadCSR(riscv.CSRSie)|riscv.SieSEIE)
	cpu.WriteCSR(riscv.CSRSstatus, cpu.ReadCSR(riscv.CSRSstatus)|riscv.SstatusSIE)

	h.initialized = true
	h.log.Info("succeeded in initializing the hypervisor")
	return nil
}

// CreateGuest builds the one guest this hypervisor runs.
func (h *Hypervisor) CreateGuest() (*Guest, error) {
	if !h.initialized {
		return nil, ErrNotInitialized
	}
	if h.guest != nil {
		return nil, ErrGuestExists
	}
	h.log.Infof("a new guest instance: %s", h.cfg.Guest.Name)
	g, err := NewGuest(h.cfg.Guest, physmem.Addr(h.cfg.Devices.UARTBase), h.hw.Memory, h.alloc, h.log)
	if err != nil {
		return nil, hvErr(err)
	}
	h.guest = g
	return g, nil
}

// LoadGuest loads the guest image off the block device. A fatal trap taken
// while waiting for the disk aborts the load with the trap's error.
func (h *Hypervisor) LoadGuest(ctx context.Context) error {
	if h.guest == nil {
		return ErrNoGuest
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.abort = cancel
	defer func() { h.abort = nil }()

	h.log.Info("-> load the guest image")
	if err := h.guest.LoadFromDisk(ctx, h.block); err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
			err = cause
		}
		return hvErr(err)
	}
	return nil
}

// Boot runs the whole sequence: Init, CreateGuest, LoadGuest and the switch
// into the guest. On hardware it does not return on success; on the
// simulated hart it returns once the guest is running.
func (h *Hypervisor) Boot(ctx context.Context) error {
	h.log.Info("hypervisor started")
	if err := h.Init(); err != nil {
		return err
	}
	if _, err := h.CreateGuest(); err != nil {
		return err
	}
	if err := h.LoadGuest(ctx); err != nil {
		return err
	}
	h.log.Info("switch to guest")
	return h.SwitchToGuest()
}

// HandleTrap implements riscv.TrapHandler. It defers to the dispatcher and
// logs fatal errors; a fatal trap during LoadGuest also aborts the load.
func (h *Hypervisor) HandleTrap(info riscv.TrapInfo) (uint64, error) {
	resume, err := h.dispatcher.HandleTrap(info)
	if err == nil {
		return resume, nil
	}
	err = hvErr(err)
	if errors.Is(err, ErrGuestHalted) {
		h.log.WithError(err).Warn("guest halted")
		return resume, err
	}
	h.log.WithError(err).Error("fatal trap")
	if h.abort != nil {
		h.abort(err)
	}
	return resume, err
}
