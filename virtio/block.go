package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

var le = binary.LittleEndian

var (
	// ErrDevice is the sentinel behind DeviceError.
	ErrDevice = errors.New("virtio: device protocol error")
	// ErrIO is returned when the device completes a request with a non-OK
	// status byte.
	ErrIO = errors.New("virtio: request failed")
)

// DeviceError describes a probe or negotiation failure.
type DeviceError struct {
	Field string
	Got   uint32
	Want  uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("virtio: invalid %s: 0x%x (expected: 0x%x)", e.Field, e.Got, e.Want)
}

func (e *DeviceError) Unwrap() error { return ErrDevice }

// Probe validates the magic value, version, vendor and device id of the
// device behind regs.
func Probe(regs *physmem.MMIO, deviceID uint32) error {
	if v := regs.Read32(RegMagicValue); v != Magic {
		return &DeviceError{Field: "magic number", Got: v, Want: Magic}
	}
	if v := regs.Read32(RegVersion); v != LegacyVersion {
		return &DeviceError{Field: "version", Got: v, Want: LegacyVersion}
	}
	if v := regs.Read32(RegVendorID); v != Vendor {
		return &DeviceError{Field: "vendor id", Got: v, Want: Vendor}
	}
	if v := regs.Read32(RegDeviceID); v != deviceID {
		return &DeviceError{Field: "device id", Got: v, Want: deviceID}
	}
	return nil
}

// Block is the driver for one virtio block device and its single queue.
//
// Block has a single owner: the boot path issues requests and the trap
// dispatcher drains completions, never at the same time. It holds no lock.
type Block struct {
	regs    *physmem.MMIO
	mem     *physmem.Memory
	queue   Layout
	usedIdx uint16
	done    [QueueSize]bool
	slots   slotSet
	chains  int
	log     logrus.FieldLogger

	// abandoned holds chains whose caller gave up while the head was still
	// published in the available ring.
	abandoned [QueueSize][]uint16
}

// NewBlock probes the device behind regs, allocates its queue from alloc and
// brings the device to DRIVER_OK.
func NewBlock(regs *physmem.MMIO, mem *physmem.Memory, alloc *paging.Allocator, log logrus.FieldLogger) (*Block, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := Probe(regs, DeviceBlock); err != nil {
		return nil, err
	}
	log.Info("a block device found")

	page, err := alloc.AllocContinuous(queuePages)
	if err != nil {
		return nil, fmt.Errorf("virtio: failed to allocate queue: %w", err)
	}
	log.Infof("-> allocated queue object: 0x%016x", uint64(page.Addr()))

	b := &Block{
		regs:  regs,
		mem:   mem,
		queue: Layout{Base: page.Addr()},
		log:   log,
	}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

// Queue returns the queue layout.
func (b *Block) Queue() Layout { return b.queue }

func (b *Block) init() error {
	var status uint32

	status |= StatusAcknowledge
	b.regs.Write32(RegStatus, status)

	status |= StatusDriver
	b.regs.Write32(RegStatus, status)

	features := b.regs.Read32(RegHostFeatures)
	features &^= unsupportedFeatures
	b.regs.Write32(RegGuestFeatures, features)

	status |= StatusFeaturesOK
	b.regs.Write32(RegStatus, status)

	status |= StatusDriverOK
	b.regs.Write32(RegStatus, status)

	b.regs.Write32(RegGuestPageSize, physmem.PageSize)

	b.regs.Write32(RegQueueSel, 0)
	max := b.regs.Read32(RegQueueNumMax)
	if QueueSize > max {
		b.regs.Write32(RegStatus, status|StatusFailed)
		return &DeviceError{Field: "queue max", Got: max, Want: QueueSize}
	}
	b.regs.Write32(RegQueueNum, QueueSize)
	b.regs.Write32(RegQueueAlign, physmem.PageSize)
	b.regs.Write32(RegQueuePFN, uint32(uint64(b.queue.Base)>>paging.PageShift))

	b.log.WithField("features", fmt.Sprintf("0x%08x", features)).Debug("virtio block device ready")
	return nil
}

// Read reads one sector into the SectorSize bytes of physical memory at buf
// and returns once the device has completed the request.
func (b *Block) Read(ctx context.Context, sector uint64, buf physmem.Addr) error {
	return b.do(ctx, sector, buf, false)
}

// Write writes the SectorSize bytes at buf to sector and returns once the
// device has completed the request.
func (b *Block) Write(ctx context.Context, sector uint64, buf physmem.Addr) error {
	return b.do(ctx, sector, buf, true)
}

func (b *Block) do(ctx context.Context, sector uint64, buf physmem.Addr, write bool) error {
	chain, err := b.request(sector, buf, write)
	if err != nil {
		return err
	}
	head := chain[0]

	b.log.Debugf("request was sent. watching id: %d", head)
	if err := b.wait(ctx, head); err != nil {
		b.abandon(chain)
		return err
	}
	defer b.finish(chain)
	b.log.Debugf("request was handled: %d", head)

	st, err := b.mem.ReadUint8(b.queue.Status(head))
	if err != nil {
		return err
	}
	if st != BlkSOK {
		return fmt.Errorf("%w: sector %d status %d", ErrIO, sector, st)
	}
	return nil
}

// request builds the header/data/status chain, publishes its head in the
// available ring and notifies the device. The chain is complete and the
// available index advanced before the notify write.
func (b *Block) request(sector uint64, buf physmem.Addr, write bool) ([]uint16, error) {
	if b.chains >= maxInFlight {
		return nil, ErrQueueBusy
	}
	idx, ok := b.slots.acquire(chainLen)
	if !ok {
		return nil, ErrQueueBusy
	}
	b.chains++
	head := idx[0]

	hdr := RequestHeader{Type: BlkTIn, Sector: sector}
	dataFlags := uint16(DescFNext | DescFWrite)
	if write {
		hdr.Type = BlkTOut
		dataFlags = DescFNext
	}
	descs := []Descriptor{
		{Addr: uint64(b.queue.Header(head)), Len: headerSize, Flags: DescFNext, Next: idx[1]},
		{Addr: uint64(buf), Len: SectorSize, Flags: dataFlags, Next: idx[2]},
		{Addr: uint64(b.queue.Status(head)), Len: 1, Flags: DescFWrite, Next: 0},
	}
	if err := b.publish(head, hdr, idx, descs); err != nil {
		b.finish(idx)
		return nil, err
	}

	b.done[head] = false
	b.regs.Write32(RegQueueNotify, 0)
	return idx, nil
}

func (b *Block) publish(head uint16, hdr RequestHeader, idx []uint16, descs []Descriptor) error {
	if err := writeHeader(b.mem, b.queue.Header(head), hdr); err != nil {
		return err
	}
	if err := b.mem.WriteUint8(b.queue.Status(head), 0xff); err != nil {
		return err
	}
	for i, d := range descs {
		if err := b.queue.WriteDesc(b.mem, idx[i], d); err != nil {
			return err
		}
	}
	avail, err := b.mem.ReadUint16(b.queue.AvailIdx())
	if err != nil {
		return err
	}
	if err := b.mem.WriteUint16(b.queue.AvailRing(avail), head); err != nil {
		return err
	}
	return b.mem.WriteUint16(b.queue.AvailIdx(), avail+1)
}

func (b *Block) finish(idx []uint16) {
	b.slots.release(idx)
	b.chains--
}

// abandon keeps the descriptors of a chain the device has not returned yet.
// They stay reserved, so no new request can reuse them, until the used ring
// hands the head back.
func (b *Block) abandon(chain []uint16) {
	head := chain[0]
	b.abandoned[head] = chain
	b.log.Warnf("abandoned request %d; descriptors held until the device returns it", head)
}

var errPending = errors.New("virtio: request pending")

// wait polls the completion flag for head until it is set or ctx is done.
// With a background context it never gives up, matching the hardware
// contract of a synchronous request.
func (b *Block) wait(ctx context.Context, head uint16) error {
	op := func() error {
		if b.done[head] {
			return nil
		}
		return errPending
	}
	if err := backoff.Retry(op, backoff.WithContext(&backoff.ZeroBackOff{}, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("virtio: waiting for descriptor %d: %w", head, ctxErr)
		}
		return err
	}
	return nil
}

// Completed reports whether the chain headed by id has been completed.
func (b *Block) Completed(id uint16) bool {
	return b.done[id%QueueSize]
}

// HandleInterrupt acknowledges the device interrupt and marks every chain
// the device has returned through the used ring since the last call. An
// interrupt without new used entries changes nothing.
func (b *Block) HandleInterrupt(irq uint32) error {
	if irq != 1 {
		return &DeviceError{Field: "interrupt source", Got: irq, Want: 1}
	}
	if st := b.regs.Read32(RegInterruptStatus); st != 0 {
		b.regs.Write32(RegInterruptAck, st)
	}

	for {
		devIdx, err := b.mem.ReadUint16(b.queue.UsedIdx())
		if err != nil {
			return err
		}
		if b.usedIdx%QueueSize == devIdx%QueueSize {
			return nil
		}
		elem, err := b.queue.ReadUsed(b.mem, b.usedIdx)
		if err != nil {
			return err
		}
		b.log.Debugf("used_elem: id=%d, len=%d", elem.ID, elem.Len)
		if elem.ID >= QueueSize {
			return &DeviceError{Field: "used element id", Got: elem.ID, Want: QueueSize - 1}
		}
		b.done[elem.ID] = true
		b.usedIdx++
		if chain := b.abandoned[elem.ID]; chain != nil {
			b.abandoned[elem.ID] = nil
			b.done[elem.ID] = false
			b.finish(chain)
			b.log.Debugf("abandoned request %d returned by the device", elem.ID)
		}
	}
}
