// Package paging implements the physical page allocator and the three-level
// guest-physical (G-stage) page table.
package paging

import "github.com/blacktop/go-rvvisor/physmem"

const (
	// PageSize is the size of one frame and of one page-table node.
	PageSize = physmem.PageSize
	// PageShift is log2(PageSize).
	PageShift = 12
	// Levels is the number of page-table levels.
	Levels = 3
	// EntriesPerTable is the number of entries in one page-table node.
	EntriesPerTable = 512

	indexBits  = 9
	indexMask  = 1<<indexBits - 1
	offsetMask = PageSize - 1
)

// GuestAddr is an address translated by the page table: three 9-bit table
// indices above a 12-bit page offset. No canonicality check is applied.
type GuestAddr uint64

// Index returns the table index used at level (0 is the leaf level).
func (a GuestAddr) Index(level int) uint64 {
	return (uint64(a) >> (PageShift + uint(level)*indexBits)) & indexMask
}

// Indices returns the table indices for levels 0, 1 and 2.
func (a GuestAddr) Indices() [Levels]uint64 {
	return [Levels]uint64{a.Index(0), a.Index(1), a.Index(2)}
}

// Offset returns the byte offset within the page.
func (a GuestAddr) Offset() uint64 {
	return uint64(a) & offsetMask
}

// PageBase rounds a down to its page boundary.
func (a GuestAddr) PageBase() GuestAddr {
	return a &^ offsetMask
}

// Frame is a physical frame number: a physical address shifted right by
// PageShift.
type Frame uint64

// FrameOf returns the frame containing a.
func FrameOf(a physmem.Addr) Frame {
	return Frame(uint64(a) >> PageShift)
}

// Addr returns the first physical address of the frame.
func (f Frame) Addr() physmem.Addr {
	return physmem.Addr(uint64(f) << PageShift)
}

// Page is a handle to one page-aligned physical frame. Pages handed out by
// the Allocator live for the life of the arena and are never freed.
type Page struct {
	frame Frame
}

// PageAt returns a handle for the frame containing a. It is used for frames
// the allocator does not own, such as device MMIO pages.
func PageAt(a physmem.Addr) Page {
	return Page{frame: FrameOf(a)}
}

// Frame returns the page's frame number.
func (p Page) Frame() Frame { return p.frame }

// Addr returns the page's physical base address.
func (p Page) Addr() physmem.Addr { return p.frame.Addr() }
