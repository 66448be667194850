package machine

import (
	"io"

	"github.com/blacktop/go-rvvisor/uart"
)

// Console models an NS16550A with an unbounded receive FIFO. Transmitted
// bytes go to out; the transmitter is always ready.
type Console struct {
	out io.Writer
	in  []byte
	ier uint8
	fcr uint8
	lcr uint8
	irq func()
}

// Feed queues input bytes as if typed on the line.
func (c *Console) Feed(p []byte) {
	c.in = append(c.in, p...)
	if c.irq != nil {
		c.irq()
	}
}

// asserted is the level of the receive-data interrupt line.
func (c *Console) asserted() bool {
	return c.ier&uart.IERReceiveData != 0 && len(c.in) > 0
}

// Load implements physmem.Device.
func (c *Console) Load(off uint64, width int) uint64 {
	switch off {
	case uart.RBR:
		if len(c.in) == 0 {
			return 0
		}
		b := c.in[0]
		c.in = c.in[1:]
		return uint64(b)
	case uart.IER:
		return uint64(c.ier)
	case uart.LCR:
		return uint64(c.lcr)
	case uart.LSR:
		lsr := uint64(uart.LSRTHREmpty | 1<<6)
		if len(c.in) > 0 {
			lsr |= uart.LSRDataReady
		}
		return lsr
	}
	return 0
}

// Store implements physmem.Device.
func (c *Console) Store(off uint64, width int, v uint64) {
	switch off {
	case uart.THR:
		if c.out != nil {
			c.out.Write([]byte{byte(v)})
		}
	case uart.IER:
		c.ier = uint8(v)
		if c.irq != nil {
			c.irq()
		}
	case uart.FCR:
		c.fcr = uint8(v)
	case uart.LCR:
		c.lcr = uint8(v)
	}
}
