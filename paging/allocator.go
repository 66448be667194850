package paging

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/sirupsen/logrus"
)

var (
	// ErrExhausted is returned when the next frame would not fit below the
	// allocator's upper bound.
	ErrExhausted = errors.New("paging: physical memory exhausted")
	// ErrNotInitialized is returned by allocations before Init.
	ErrNotInitialized = errors.New("paging: allocator used before initialization")
)

const align16K = 4 * PageSize

// Allocator is a bump allocator over a reserved range of the DRAM arena. It
// hands out zeroed frames in strictly increasing order and never reclaims
// them.
//
// An Allocator has a single owner. It is not safe for concurrent use.
type Allocator struct {
	mem   *physmem.Memory
	next  physmem.Addr
	end   physmem.Addr
	count uint64
	ready bool
	log   logrus.FieldLogger
}

// NewAllocator returns an allocator over mem. It must be initialized with
// Init before use.
func NewAllocator(mem *physmem.Memory, log logrus.FieldLogger) *Allocator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Allocator{mem: mem, end: mem.End(), log: log}
}

// Init places the cursor on the first page boundary after imageEnd, the end
// of the hypervisor's own image.
func (a *Allocator) Init(imageEnd physmem.Addr) {
	a.next = (imageEnd &^ (PageSize - 1)) + PageSize
	a.count = 0
	a.ready = true
	a.log.WithField("base", fmt.Sprintf("0x%016x", uint64(a.next))).Debug("page allocator initialized")
}

// SetBase relocates the cursor to addr.
func (a *Allocator) SetBase(addr physmem.Addr) error {
	if !physmem.IsPageAligned(addr) {
		return fmt.Errorf("paging: allocation base not page-aligned: 0x%x", addr)
	}
	if addr < a.mem.Base() || addr > a.end {
		return fmt.Errorf("paging: allocation base 0x%x outside [0x%x, 0x%x]", addr, a.mem.Base(), a.end)
	}
	a.next = addr
	return nil
}

// Next returns the address the next Alloc will hand out.
func (a *Allocator) Next() physmem.Addr { return a.next }

// Allocated returns the number of frames handed out since Init.
func (a *Allocator) Allocated() uint64 { return a.count }

// Alloc returns one zeroed page and advances the cursor by one page.
func (a *Allocator) Alloc() (Page, error) {
	if !a.ready {
		return Page{}, ErrNotInitialized
	}
	addr := a.next
	if addr < a.mem.Base() || addr > a.end || PageSize > uint64(a.end-addr) {
		return Page{}, fmt.Errorf("%w: 0x%016x", ErrExhausted, uint64(addr))
	}
	if err := a.mem.Zero(addr, PageSize); err != nil {
		return Page{}, err
	}
	a.next += PageSize
	a.count++
	return PageAt(addr), nil
}

// AllocContinuous allocates n consecutive pages and returns the first.
func (a *Allocator) AllocContinuous(n int) (Page, error) {
	if n <= 0 {
		return Page{}, fmt.Errorf("paging: invalid page count for continuous allocation: %d", n)
	}
	first, err := a.Alloc()
	if err != nil {
		return Page{}, err
	}
	for i := 1; i < n; i++ {
		if _, err := a.Alloc(); err != nil {
			return Page{}, err
		}
	}
	return first, nil
}

// Alloc16 returns the head of a 16 KiB-aligned, 16 KiB block. Candidates
// that are not 16 KiB-aligned are discarded but stay consumed.
func (a *Allocator) Alloc16() (Page, error) {
	head, err := a.Alloc()
	if err != nil {
		return Page{}, err
	}
	for head.Addr()&(align16K-1) != 0 {
		a.log.Debugf("a page 0x%016x was allocated, but it does not follow 16KiB boundary. drop.", uint64(head.Addr()))
		if head, err = a.Alloc(); err != nil {
			return Page{}, err
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := a.Alloc(); err != nil {
			return Page{}, err
		}
	}
	return head, nil
}
