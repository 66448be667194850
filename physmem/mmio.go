package physmem

import "fmt"

// Device is the register file behind a memory-mapped I/O window. Offsets are
// relative to the window base; width is 1, 2, 4 or 8 bytes.
type Device interface {
	Load(off uint64, width int) uint64
	Store(off uint64, width int, v uint64)
}

// OffsetError describes a register access outside its window or misaligned
// for its width. Register offsets are constants in the drivers, so an
// OffsetError is a programming error and accessors panic with it.
type OffsetError struct {
	Base  Addr
	Off   uint64
	Width int
	Size  uint64
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("physmem: invalid %d-byte register access at 0x%x+0x%x (window size 0x%x)", e.Width, e.Base, e.Off, e.Size)
}

// MMIO is a typed accessor for one device register window.
type MMIO struct {
	base Addr
	size uint64
	dev  Device
}

// NewMMIO returns an accessor for the window [base, base+size) served by dev.
func NewMMIO(base Addr, size uint64, dev Device) *MMIO {
	return &MMIO{base: base, size: size, dev: dev}
}

// Base returns the physical base address of the window.
func (r *MMIO) Base() Addr { return r.base }

// Size returns the window size in bytes.
func (r *MMIO) Size() uint64 { return r.size }

// Check validates an access of the given width at off.
func (r *MMIO) Check(off uint64, width int) error {
	w := uint64(width)
	if width != 1 && width != 2 && width != 4 && width != 8 {
		return &OffsetError{Base: r.base, Off: off, Width: width, Size: r.size}
	}
	if off%w != 0 || off > r.size || w > r.size-off {
		return &OffsetError{Base: r.base, Off: off, Width: width, Size: r.size}
	}
	return nil
}

func (r *MMIO) mustCheck(off uint64, width int) {
	if err := r.Check(off, width); err != nil {
		panic(err)
	}
}

// Read8 reads an 8-bit register.
func (r *MMIO) Read8(off uint64) uint8 {
	r.mustCheck(off, 1)
	return uint8(r.dev.Load(off, 1))
}

// Write8 writes an 8-bit register.
func (r *MMIO) Write8(off uint64, v uint8) {
	r.mustCheck(off, 1)
	r.dev.Store(off, 1, uint64(v))
}

// Read32 reads a 32-bit register.
func (r *MMIO) Read32(off uint64) uint32 {
	r.mustCheck(off, 4)
	return uint32(r.dev.Load(off, 4))
}

// Write32 writes a 32-bit register.
func (r *MMIO) Write32(off uint64, v uint32) {
	r.mustCheck(off, 4)
	r.dev.Store(off, 4, uint64(v))
}
