// Package physmem models the machine's physical address space: a DRAM arena
// addressed by physical address, and typed accessors for memory-mapped
// device registers.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Addr is a physical address.
type Addr uint64

// PageSize is the size of one physical frame.
const PageSize = 4096

var (
	// ErrOutOfRange is returned when an access falls outside the arena.
	ErrOutOfRange = errors.New("physmem: address out of range")
	// ErrClosed is returned when the arena has been released.
	ErrClosed = errors.New("physmem: memory is closed")
)

var le = binary.LittleEndian

// IsPageAligned reports whether a is aligned to PageSize.
func IsPageAligned(a Addr) bool {
	return a&(PageSize-1) == 0
}

// Memory is a contiguous range of physical memory [base, base+size).
//
// Memory is not safe for concurrent use. The hypervisor runs on a single
// hart and only one execution context touches memory at a time.
type Memory struct {
	base    Addr
	data    []byte
	release func([]byte) error
}

// New allocates a zeroed arena covering [base, base+size). Both base and size
// must be page-aligned.
func New(base Addr, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: size must be non-zero")
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("physmem: size too large: %d", size)
	}
	if uint64(base) > math.MaxUint64-size {
		return nil, fmt.Errorf("physmem: range 0x%x+0x%x would overflow", base, size)
	}
	if !IsPageAligned(base) {
		return nil, fmt.Errorf("physmem: base not page-aligned: 0x%x", base)
	}
	if !IsPageAligned(Addr(size)) {
		return nil, fmt.Errorf("physmem: size not page multiple: %d", size)
	}
	data, release, err := allocArena(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: failed to allocate %d bytes: %w", size, err)
	}
	return &Memory{base: base, data: data, release: release}, nil
}

// Close releases the backing storage. Idempotent.
func (m *Memory) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if m.release != nil {
		return m.release(data)
	}
	return nil
}

// Base returns the first address of the arena.
func (m *Memory) Base() Addr { return m.base }

// End returns the first address past the arena.
func (m *Memory) End() Addr { return m.base + Addr(len(m.data)) }

// Size returns the arena size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Contains reports whether [a, a+n) lies inside the arena.
func (m *Memory) Contains(a Addr, n uint64) bool {
	if m.data == nil || a < m.base {
		return false
	}
	off := uint64(a - m.base)
	return off <= uint64(len(m.data)) && n <= uint64(len(m.data))-off
}

// Slice returns the n bytes starting at a. The slice aliases the arena.
func (m *Memory) Slice(a Addr, n uint64) ([]byte, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !m.Contains(a, n) {
		return nil, fmt.Errorf("%w: 0x%x+0x%x not in [0x%x, 0x%x)", ErrOutOfRange, a, n, m.base, m.End())
	}
	off := uint64(a - m.base)
	return m.data[off : off+n : off+n], nil
}

// Zero clears n bytes starting at a.
func (m *Memory) Zero(a Addr, n uint64) error {
	b, err := m.Slice(a, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// CopyIn copies src into memory at a.
func (m *Memory) CopyIn(a Addr, src []byte) error {
	b, err := m.Slice(a, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// ReadUint8 reads the byte at a.
func (m *Memory) ReadUint8(a Addr) (uint8, error) {
	b, err := m.Slice(a, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint8 writes the byte at a.
func (m *Memory) WriteUint8(a Addr, v uint8) error {
	b, err := m.Slice(a, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// ReadUint16 reads a little-endian uint16 at a.
func (m *Memory) ReadUint16(a Addr) (uint16, error) {
	b, err := m.Slice(a, 2)
	if err != nil {
		return 0, err
	}
	return le.Uint16(b), nil
}

// WriteUint16 writes a little-endian uint16 at a.
func (m *Memory) WriteUint16(a Addr, v uint16) error {
	b, err := m.Slice(a, 2)
	if err != nil {
		return err
	}
	le.PutUint16(b, v)
	return nil
}

// ReadUint32 reads a little-endian uint32 at a.
func (m *Memory) ReadUint32(a Addr) (uint32, error) {
	b, err := m.Slice(a, 4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(b), nil
}

// WriteUint32 writes a little-endian uint32 at a.
func (m *Memory) WriteUint32(a Addr, v uint32) error {
	b, err := m.Slice(a, 4)
	if err != nil {
		return err
	}
	le.PutUint32(b, v)
	return nil
}

// ReadUint64 reads a little-endian uint64 at a.
func (m *Memory) ReadUint64(a Addr) (uint64, error) {
	b, err := m.Slice(a, 8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(b), nil
}

// WriteUint64 writes a little-endian uint64 at a.
func (m *Memory) WriteUint64(a Addr, v uint64) error {
	b, err := m.Slice(a, 8)
	if err != nil {
		return err
	}
	le.PutUint64(b, v)
	return nil
}
