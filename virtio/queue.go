package virtio

import (
	"errors"
	"math/bits"

	"github.com/blacktop/go-rvvisor/physmem"
)

// QueueSize is the number of descriptors in the queue.
const QueueSize = 8

// chainLen is the number of descriptors in one block request: header, data
// buffer and status byte.
const chainLen = 3

// maxInFlight is the number of request chains allowed at once. Requests are
// strictly one at a time; the slot bitmap below would allow more.
const maxInFlight = 1

// The queue occupies two pages. The legacy layout places the used ring on
// the first page boundary after the descriptor table and available ring;
// driver-private request headers and status bytes follow it.
const (
	descSize     = 16
	descTableOff = 0
	availOff     = descTableOff + QueueSize*descSize // 128
	availFlags   = availOff
	availIdx     = availOff + 2
	availRing    = availOff + 4
	usedOff      = physmem.PageSize
	usedFlags    = usedOff
	usedIdx      = usedOff + 2
	usedRing     = usedOff + 4
	usedElemSize = 8
	headerOff    = usedOff + 256
	headerSize   = 16
	statusOff    = headerOff + QueueSize*headerSize
	queuePages   = 2
)

// ErrQueueBusy is returned when a request would exceed the outstanding
// request limit or no free descriptors remain.
var ErrQueueBusy = errors.New("virtio: no free descriptor chain")

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one entry of the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// RequestHeader is the block request header referenced by descriptor 0 of a
// chain.
type RequestHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Layout gives the physical addresses of the queue structures for a queue
// placed at base. Both the driver and device models use it.
type Layout struct {
	Base physmem.Addr
}

// Desc returns the address of descriptor i.
func (l Layout) Desc(i uint16) physmem.Addr {
	return l.Base + descTableOff + physmem.Addr(i%QueueSize)*descSize
}

// AvailIdx returns the address of the available ring index.
func (l Layout) AvailIdx() physmem.Addr { return l.Base + availIdx }

// AvailRing returns the address of available ring slot i.
func (l Layout) AvailRing(i uint16) physmem.Addr {
	return l.Base + availRing + physmem.Addr(i%QueueSize)*2
}

// UsedIdx returns the address of the used ring index.
func (l Layout) UsedIdx() physmem.Addr { return l.Base + usedIdx }

// UsedRing returns the address of used ring slot i.
func (l Layout) UsedRing(i uint16) physmem.Addr {
	return l.Base + usedRing + physmem.Addr(i%QueueSize)*usedElemSize
}

// Header returns the address of the request header for chain head i.
func (l Layout) Header(i uint16) physmem.Addr {
	return l.Base + headerOff + physmem.Addr(i%QueueSize)*headerSize
}

// Status returns the address of the status byte for chain head i.
func (l Layout) Status(i uint16) physmem.Addr {
	return l.Base + statusOff + physmem.Addr(i%QueueSize)
}

// ReadDesc reads descriptor i from mem.
func (l Layout) ReadDesc(mem *physmem.Memory, i uint16) (Descriptor, error) {
	b, err := mem.Slice(l.Desc(i), descSize)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  le.Uint64(b[0:]),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}, nil
}

// WriteDesc writes descriptor i to mem.
func (l Layout) WriteDesc(mem *physmem.Memory, i uint16, d Descriptor) error {
	b, err := mem.Slice(l.Desc(i), descSize)
	if err != nil {
		return err
	}
	le.PutUint64(b[0:], d.Addr)
	le.PutUint32(b[8:], d.Len)
	le.PutUint16(b[12:], d.Flags)
	le.PutUint16(b[14:], d.Next)
	return nil
}

// ReadUsed reads used ring slot i from mem.
func (l Layout) ReadUsed(mem *physmem.Memory, i uint16) (UsedElem, error) {
	b, err := mem.Slice(l.UsedRing(i), usedElemSize)
	if err != nil {
		return UsedElem{}, err
	}
	return UsedElem{ID: le.Uint32(b[0:]), Len: le.Uint32(b[4:])}, nil
}

// WriteUsed writes used ring slot i to mem.
func (l Layout) WriteUsed(mem *physmem.Memory, i uint16, e UsedElem) error {
	b, err := mem.Slice(l.UsedRing(i), usedElemSize)
	if err != nil {
		return err
	}
	le.PutUint32(b[0:], e.ID)
	le.PutUint32(b[4:], e.Len)
	return nil
}

// ReadHeader reads a request header at a.
func ReadHeader(mem *physmem.Memory, a physmem.Addr) (RequestHeader, error) {
	b, err := mem.Slice(a, headerSize)
	if err != nil {
		return RequestHeader{}, err
	}
	return RequestHeader{
		Type:     le.Uint32(b[0:]),
		Reserved: le.Uint32(b[4:]),
		Sector:   le.Uint64(b[8:]),
	}, nil
}

func writeHeader(mem *physmem.Memory, a physmem.Addr, h RequestHeader) error {
	b, err := mem.Slice(a, headerSize)
	if err != nil {
		return err
	}
	le.PutUint32(b[0:], h.Type)
	le.PutUint32(b[4:], h.Reserved)
	le.PutUint64(b[8:], h.Sector)
	return nil
}

// slotSet is an occupancy bitmap over the descriptor table.
type slotSet uint8

// acquire claims the n lowest free descriptors.
func (s *slotSet) acquire(n int) ([]uint16, bool) {
	if bits.OnesCount8(uint8(^*s)) < n {
		return nil, false
	}
	out := make([]uint16, 0, n)
	for i := uint16(0); i < QueueSize && len(out) < n; i++ {
		if *s&(1<<i) == 0 {
			*s |= 1 << i
			out = append(out, i)
		}
	}
	return out, true
}

// release frees the given descriptors.
func (s *slotSet) release(idx []uint16) {
	for _, i := range idx {
		*s &^= 1 << i
	}
}

// inUse returns the number of occupied descriptors.
func (s slotSet) inUse() int {
	return bits.OnesCount8(uint8(s))
}
