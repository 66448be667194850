// Package uart is a polled driver for an NS16550A-compatible serial port.
package uart

import (
	"github.com/blacktop/go-rvvisor/physmem"
)

// Register offsets.
const (
	THR = 0 // transmit holding register (W)
	RBR = 0 // receive buffer register (R)
	IER = 1 // interrupt enable
	FCR = 2 // FIFO control (W)
	LCR = 3 // line control
	LSR = 5 // line status (R)

	// RegionSize is the size of the register window.
	RegionSize = 0x100
)

// Register bits.
const (
	IERReceiveData = 1 << 0
	FCREnable      = 1 << 0
	LCRWordLen8    = 1<<0 | 1<<1
	LSRDataReady   = 1 << 0
	LSRTHREmpty    = 1 << 5
)

const (
	backspace = 8
	lineFeed  = 10
	carriage  = 13
)

// UART is a handle on one serial port.
type UART struct {
	regs *physmem.MMIO
}

// New returns a driver for the port behind regs. Call Init before use.
func New(regs *physmem.MMIO) *UART {
	return &UART{regs: regs}
}

// Init enables the receive interrupt and the FIFO and selects 8-bit words.
func (u *UART) Init() {
	u.regs.Write8(IER, IERReceiveData)
	u.regs.Write8(FCR, FCREnable)
	u.regs.Write8(LCR, LCRWordLen8)
}

// Put transmits c, spinning until the holding register is empty.
func (u *UART) Put(c byte) {
	for u.regs.Read8(LSR)&LSRTHREmpty == 0 {
	}
	u.regs.Write8(THR, c)
}

// Get returns the next received byte, if any.
func (u *UART) Get() (byte, bool) {
	if u.regs.Read8(LSR)&LSRDataReady == 0 {
		return 0, false
	}
	return u.regs.Read8(RBR), true
}

// Write transmits p, expanding each "\n" to "\r\n". It never fails.
func (u *UART) Write(p []byte) (int, error) {
	for _, c := range p {
		if c == lineFeed {
			u.Put(carriage)
		}
		u.Put(c)
	}
	return len(p), nil
}

// HandleInterrupt echoes one received byte back to the port. Backspace
// erases the previous character and either line ending becomes CRLF.
func (u *UART) HandleInterrupt() {
	c, ok := u.Get()
	if !ok {
		return
	}
	switch c {
	case backspace:
		u.Put(backspace)
		u.Put(' ')
		u.Put(backspace)
	case lineFeed, carriage:
		u.Put(carriage)
		u.Put(lineFeed)
	default:
		u.Put(c)
	}
}
