package rvvisor

import (
	"fmt"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/riscv"
	"github.com/sirupsen/logrus"
)

// Guest is one virtual machine: its G-stage page table, the hgatp word that
// selects it and the address it resumes at.
type Guest struct {
	Name string
	// Hgatp selects the guest's translation: Sv39x4, VMID 0, root frame.
	Hgatp riscv.Hgatp
	// Sepc is the guest-physical address the guest resumes at.
	Sepc uint64

	cfg   GuestConfig
	mem   *physmem.Memory
	alloc *paging.Allocator
	table *paging.Table
	log   logrus.FieldLogger
}

// NewGuest builds the guest-physical address space described by cfg. The
// console page at cfg.UARTBase is mapped onto the host UART page at hostUART
// and every page of [cfg.DRAMStart, cfg.DRAMEnd] onto a fresh frame. All
// pages are mapped R|W|X|U.
func NewGuest(cfg GuestConfig, hostUART physmem.Addr, mem *physmem.Memory, alloc *paging.Allocator, log logrus.FieldLogger) (*Guest, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("guest", cfg.Name)

	root, err := alloc.Alloc16()
	if err != nil {
		return nil, fmt.Errorf("rvvisor: failed to allocate G-stage root: %w", err)
	}
	g := &Guest{
		Name:  cfg.Name,
		Sepc:  cfg.DRAMStart,
		cfg:   cfg,
		mem:   mem,
		alloc: alloc,
		table: paging.NewTable(mem, alloc, root),
		log:   log,
		Hgatp: riscv.Hgatp{
			Mode: riscv.ModeSv39x4,
			VMID: 0,
			PPN:  uint64(root.Frame()),
		},
	}

	if err := g.table.Map(paging.GuestAddr(cfg.UARTBase), paging.PageAt(hostUART), paging.PermAll); err != nil {
		return nil, fmt.Errorf("rvvisor: failed to map guest uart: %w", err)
	}
	for a := cfg.DRAMStart; a <= cfg.DRAMEnd; a += paging.PageSize {
		page, err := alloc.Alloc()
		if err != nil {
			return nil, fmt.Errorf("rvvisor: failed to back guest page 0x%016x: %w", a, err)
		}
		if err := g.table.Map(paging.GuestAddr(a), page, paging.PermAll); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"hgatp": g.Hgatp,
		"pages": cfg.GuestPages(),
	}).Info("-> guest address space ready")
	recordGuestCreate()
	return g, nil
}

// Table returns the G-stage page table.
func (g *Guest) Table() *paging.Table { return g.table }

// Translate resolves a guest-physical address to the host-physical address
// backing it.
func (g *Guest) Translate(gpa uint64) (physmem.Addr, error) {
	return g.table.Resolve(paging.GuestAddr(gpa))
}

// ReadAt reads guest-physical memory at gpa into p, crossing pages as
// needed.
func (g *Guest) ReadAt(p []byte, gpa uint64) (int, error) {
	n := 0
	for n < len(p) {
		va := paging.GuestAddr(gpa + uint64(n))
		pa, err := g.table.Resolve(va)
		if err != nil {
			return n, err
		}
		chunk := min(uint64(len(p)-n), paging.PageSize-va.Offset())
		src, err := g.mem.Slice(pa, chunk)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], src)
	}
	return n, nil
}
