package paging

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-rvvisor/physmem"
)

// Flags are the low permission/status bits of a page-table entry.
type Flags uint16

const (
	FlagValid   Flags = 1 << 0
	FlagRead    Flags = 1 << 1
	FlagWrite   Flags = 1 << 2
	FlagExecute Flags = 1 << 3
	FlagUser    Flags = 1 << 4
	FlagGlobal  Flags = 1 << 5
	FlagAccess  Flags = 1 << 6
	FlagDirty   Flags = 1 << 7

	// FlagRWX are the bits that make a valid entry a leaf.
	FlagRWX = FlagRead | FlagWrite | FlagExecute
	// PermAll is read/write/execute/user, the permission every guest page
	// is mapped with.
	PermAll = FlagRWX | FlagUser

	flagsMask = 0x1ff
	ppnShift  = 10
)

// ErrTranslation is returned when a walk reaches an invalid entry.
var ErrTranslation = errors.New("paging: translation fault")

// TranslationError records where a walk failed.
type TranslationError struct {
	Addr  GuestAddr
	Level int
	Entry PTE
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("paging: failed to resolve 0x%016x at level %d (entry 0x%016x)", uint64(e.Addr), e.Level, uint64(e.Entry))
}

func (e *TranslationError) Unwrap() error { return ErrTranslation }

// PTE is a packed page-table entry: flag bits in [0, 9) and the frame number
// split into three sub-fields starting at bit 10.
type PTE uint64

// NewPTE builds an entry pointing at frame f.
func NewPTE(f Frame, flags Flags) PTE {
	return PTE(uint64(f)<<ppnShift | uint64(flags))
}

// Flags returns the entry's flag bits.
func (e PTE) Flags() Flags { return Flags(uint64(e) & flagsMask) }

// Valid reports whether the valid bit is set.
func (e PTE) Valid() bool { return e.Flags()&FlagValid != 0 }

// Leaf reports whether the entry maps a frame rather than the next level.
func (e PTE) Leaf() bool { return e.Valid() && e.Flags()&FlagRWX != 0 }

// PPN returns the frame number sub-fields PPN[0], PPN[1] and PPN[2].
func (e PTE) PPN() [Levels]uint64 {
	v := uint64(e)
	return [Levels]uint64{
		(v >> 10) & 0x1ff,
		(v >> 19) & 0x1ff,
		(v >> 28) & 0x3ffffff,
	}
}

// Frame reassembles the frame number from its sub-fields.
func (e PTE) Frame() Frame {
	ppn := e.PPN()
	return Frame(ppn[2]<<18 | ppn[1]<<9 | ppn[0])
}

// Table is a three-level page table whose nodes are allocator-owned frames.
// Child nodes are reachable only through entry frame numbers; nothing is
// reference counted and nothing is freed.
type Table struct {
	mem   *physmem.Memory
	alloc *Allocator
	root  Page
}

// NewTable wraps the node at root. The root page must already be zeroed.
func NewTable(mem *physmem.Memory, alloc *Allocator, root Page) *Table {
	return &Table{mem: mem, alloc: alloc, root: root}
}

// Root returns the root node.
func (t *Table) Root() Page { return t.root }

func (t *Table) entryAddr(node Frame, idx uint64) physmem.Addr {
	return node.Addr() + physmem.Addr(idx*8)
}

func (t *Table) entry(node Frame, idx uint64) (PTE, error) {
	v, err := t.mem.ReadUint64(t.entryAddr(node, idx))
	return PTE(v), err
}

func (t *Table) setEntry(node Frame, idx uint64, e PTE) error {
	return t.mem.WriteUint64(t.entryAddr(node, idx), uint64(e))
}

// Map installs a leaf for va pointing at page, with perm plus valid,
// accessed and dirty. Missing intermediate nodes are allocated on the way
// down. An existing leaf for va is replaced.
func (t *Table) Map(va GuestAddr, page Page, perm Flags) error {
	if perm&FlagRWX == 0 {
		return fmt.Errorf("paging: leaf for 0x%016x needs at least one of R/W/X (perm 0x%x)", uint64(va), perm)
	}
	node := t.root.Frame()
	for level := Levels - 1; level > 0; level-- {
		idx := va.Index(level)
		e, err := t.entry(node, idx)
		if err != nil {
			return err
		}
		switch {
		case !e.Valid():
			next, err := t.alloc.Alloc()
			if err != nil {
				return fmt.Errorf("paging: failed to allocate level %d node for 0x%016x: %w", level-1, uint64(va), err)
			}
			if err := t.setEntry(node, idx, NewPTE(next.Frame(), FlagValid)); err != nil {
				return err
			}
			node = next.Frame()
		case e.Leaf():
			return &TranslationError{Addr: va, Level: level, Entry: e}
		default:
			node = e.Frame()
		}
	}
	leaf := NewPTE(page.Frame(), perm|FlagValid|FlagAccess|FlagDirty)
	return t.setEntry(node, va.Index(0), leaf)
}

// Resolve walks the table read-only and returns the physical address va maps
// to: the leaf's frame base OR-ed with va's page offset.
func (t *Table) Resolve(va GuestAddr) (physmem.Addr, error) {
	node := t.root.Frame()
	for level := Levels - 1; level >= 0; level-- {
		e, err := t.entry(node, va.Index(level))
		if err != nil {
			return 0, err
		}
		if !e.Valid() {
			return 0, &TranslationError{Addr: va, Level: level, Entry: e}
		}
		if level == 0 {
			return e.Frame().Addr() | physmem.Addr(va.Offset()), nil
		}
		if e.Leaf() {
			return 0, &TranslationError{Addr: va, Level: level, Entry: e}
		}
		node = e.Frame()
	}
	panic("unreachable")
}
