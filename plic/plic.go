// Package plic drives the supervisor context of a platform-level interrupt
// controller: source enable, claim and complete.
package plic

import (
	"fmt"

	"github.com/blacktop/go-rvvisor/physmem"
)

// Register offsets for hart 0's supervisor context.
const (
	PriorityBase = 0x000000 // one 32-bit priority word per source
	EnableBase   = 0x002080
	Threshold    = 0x201000
	Claim        = 0x201004 // read claims, write completes

	// RegionSize is the size of the register window.
	RegionSize = 0x400000
)

// Interrupt source ids on the virt platform.
const (
	VirtioIRQ = 1
	UARTIRQ   = 10
)

// MaxSource is the highest source id whose enable bit fits in the first
// enable word.
const MaxSource = 31

// Controller is a handle on the PLIC registers.
type Controller struct {
	regs *physmem.MMIO
}

// New returns a controller over regs.
func New(regs *physmem.MMIO) *Controller {
	return &Controller{regs: regs}
}

// Enable sets priority 1 for each source, enables them all for the
// supervisor context and drops the threshold to 0 so every enabled source
// with a nonzero priority is delivered.
func (c *Controller) Enable(sources ...uint32) error {
	var mask uint32
	for _, id := range sources {
		if id == 0 || id > MaxSource {
			return fmt.Errorf("plic: invalid interrupt source %d", id)
		}
		c.regs.Write32(PriorityBase+4*uint64(id), 1)
		mask |= 1 << id
	}
	c.regs.Write32(EnableBase, mask)
	c.regs.Write32(Threshold, 0)
	return nil
}

// Claim returns the highest-priority pending source. It returns false when
// nothing is pending.
func (c *Controller) Claim() (uint32, bool) {
	id := c.regs.Read32(Claim)
	if id == 0 {
		return 0, false
	}
	return id, true
}

// Complete signals that the claimed source id has been serviced.
func (c *Controller) Complete(id uint32) {
	c.regs.Write32(Claim, id)
}
