package machine

import (
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/virtio"
	"github.com/sirupsen/logrus"
)

var (
	errReadOnly    = errors.New("machine: disk is read-only")
	errSectorRange = errors.New("machine: sector out of range")
)

// Disk is the backing store of a block device. Reads past the end of the
// backing data, up to the rounded capacity, return zeros.
type Disk struct {
	r    io.ReaderAt
	w    io.WriterAt
	size int64
}

// NewDisk returns a disk of size bytes read from r. If r also implements
// io.WriterAt the disk is writable.
func NewDisk(r io.ReaderAt, size int64) *Disk {
	w, _ := r.(io.WriterAt)
	return &Disk{r: r, w: w, size: size}
}

// Sectors returns the capacity in sectors.
func (d *Disk) Sectors() uint64 {
	return uint64((d.size + virtio.SectorSize - 1) / virtio.SectorSize)
}

func (d *Disk) readSector(sector uint64, p []byte) error {
	if sector >= d.Sectors() {
		return errSectorRange
	}
	n, err := d.r.ReadAt(p, int64(sector)*virtio.SectorSize)
	if err == io.EOF {
		err = nil
	}
	clear(p[n:])
	return err
}

func (d *Disk) writeSector(sector uint64, p []byte) error {
	if d.w == nil {
		return errReadOnly
	}
	if sector >= d.Sectors() {
		return errSectorRange
	}
	_, err := d.w.WriteAt(p, int64(sector)*virtio.SectorSize)
	return err
}

// hostFeatures is what the device offers. The driver must refuse the ones it
// does not implement.
const hostFeatures = 1<<2 | 1<<6 | 1<<9 | virtio.BlkFConfigWCE | virtio.FAnyLayout |
	virtio.RingFIndirectDesc | virtio.RingFEventIdx

// queueNumMax is the largest queue the device accepts.
const queueNumMax = 1024

// BlockDevice models a legacy virtio-mmio block device. Requests are served
// synchronously on the notify write.
type BlockDevice struct {
	mem  *physmem.Memory
	disk *Disk
	log  logrus.FieldLogger
	irq  func()

	status        uint32
	guestFeatures uint32
	pageSize      uint32
	queueSel      uint32
	queueNum      uint32
	queueAlign    uint32
	queuePFN      uint32
	intStatus     uint32

	lastAvail uint16
	usedIdx   uint16

	// Requests counts served requests.
	Requests uint64
}

func newBlockDevice(mem *physmem.Memory, disk *Disk, log logrus.FieldLogger) *BlockDevice {
	return &BlockDevice{mem: mem, disk: disk, log: log}
}

// GuestFeatures returns the feature word the driver accepted.
func (d *BlockDevice) GuestFeatures() uint32 { return d.guestFeatures }

// Status returns the device status register.
func (d *BlockDevice) Status() uint32 { return d.status }

func (d *BlockDevice) asserted() bool { return d.intStatus != 0 }

func (d *BlockDevice) reset() {
	*d = BlockDevice{mem: d.mem, disk: d.disk, log: d.log, irq: d.irq, Requests: d.Requests}
}

// Load implements physmem.Device.
func (d *BlockDevice) Load(off uint64, width int) uint64 {
	switch off {
	case virtio.RegMagicValue:
		return virtio.Magic
	case virtio.RegVersion:
		return virtio.LegacyVersion
	case virtio.RegDeviceID:
		return virtio.DeviceBlock
	case virtio.RegVendorID:
		return virtio.Vendor
	case virtio.RegHostFeatures:
		return hostFeatures
	case virtio.RegQueueNumMax:
		if d.queueSel != 0 {
			return 0
		}
		return queueNumMax
	case virtio.RegQueuePFN:
		return uint64(d.queuePFN)
	case virtio.RegInterruptStatus:
		return uint64(d.intStatus)
	case virtio.RegStatus:
		return uint64(d.status)
	case virtio.RegConfig:
		return d.disk.Sectors() & 0xffffffff
	case virtio.RegConfig + 4:
		return d.disk.Sectors() >> 32
	}
	return 0
}

// Store implements physmem.Device.
func (d *BlockDevice) Store(off uint64, width int, v uint64) {
	switch off {
	case virtio.RegStatus:
		if v == 0 {
			d.reset()
			d.irq()
			return
		}
		d.status = uint32(v)
		if d.status&virtio.StatusFeaturesOK != 0 && d.guestFeatures&^hostFeatures != 0 {
			d.status &^= virtio.StatusFeaturesOK
		}
	case virtio.RegGuestFeatures:
		d.guestFeatures = uint32(v)
	case virtio.RegGuestPageSize:
		d.pageSize = uint32(v)
	case virtio.RegQueueSel:
		d.queueSel = uint32(v)
	case virtio.RegQueueNum:
		d.queueNum = uint32(v)
	case virtio.RegQueueAlign:
		d.queueAlign = uint32(v)
	case virtio.RegQueuePFN:
		d.queuePFN = uint32(v)
	case virtio.RegQueueNotify:
		if v == 0 {
			d.notify()
		}
	case virtio.RegInterruptAck:
		d.intStatus &^= uint32(v)
		d.irq()
	}
}

// queue describes the legacy split-ring layout the driver registered.
type queue struct {
	desc  physmem.Addr
	avail physmem.Addr
	used  physmem.Addr
	num   uint16
}

func (d *BlockDevice) layout() (queue, error) {
	if d.status&virtio.StatusDriverOK == 0 {
		return queue{}, fmt.Errorf("notify before DRIVER_OK (status 0x%x)", d.status)
	}
	if d.queuePFN == 0 || d.pageSize == 0 || d.queueAlign == 0 {
		return queue{}, errors.New("queue not configured")
	}
	if d.queueNum == 0 || d.queueNum > queueNumMax {
		return queue{}, fmt.Errorf("invalid queue size %d", d.queueNum)
	}
	num := uint64(d.queueNum)
	align := uint64(d.queueAlign)
	base := uint64(d.queuePFN) * uint64(d.pageSize)
	availEnd := base + 16*num + 6 + 2*num
	return queue{
		desc:  physmem.Addr(base),
		avail: physmem.Addr(base + 16*num),
		used:  physmem.Addr((availEnd + align - 1) &^ (align - 1)),
		num:   uint16(num),
	}, nil
}

func (d *BlockDevice) notify() {
	q, err := d.layout()
	if err != nil {
		d.log.WithError(err).Warn("virtio-blk: ignoring notify")
		d.status |= virtio.StatusDeviceNeedsReset
		return
	}
	availIdx, err := d.mem.ReadUint16(q.avail + 2)
	if err != nil {
		d.fail(err)
		return
	}
	for d.lastAvail != availIdx {
		head, err := d.mem.ReadUint16(q.avail + 4 + physmem.Addr(d.lastAvail%q.num)*2)
		if err != nil {
			d.fail(err)
			return
		}
		d.lastAvail++

		written, err := d.serve(q, head)
		if err != nil {
			d.fail(err)
			return
		}
		slot := q.used + 4 + physmem.Addr(d.usedIdx%q.num)*8
		if err := d.mem.WriteUint32(slot, uint32(head)); err != nil {
			d.fail(err)
			return
		}
		if err := d.mem.WriteUint32(slot+4, written); err != nil {
			d.fail(err)
			return
		}
		d.usedIdx++
		if err := d.mem.WriteUint16(q.used+2, d.usedIdx); err != nil {
			d.fail(err)
			return
		}
		d.Requests++
	}
	d.intStatus |= virtio.IntUsedBuffer
	d.irq()
}

func (d *BlockDevice) fail(err error) {
	d.log.WithError(err).Error("virtio-blk: device error")
	d.status |= virtio.StatusDeviceNeedsReset
	d.intStatus |= virtio.IntConfigChange
	d.irq()
}

func (d *BlockDevice) readDesc(q queue, i uint16) (virtio.Descriptor, error) {
	if i >= q.num {
		return virtio.Descriptor{}, fmt.Errorf("descriptor index %d out of range", i)
	}
	b, err := d.mem.Slice(q.desc+physmem.Addr(i)*16, 16)
	if err != nil {
		return virtio.Descriptor{}, err
	}
	return virtio.Descriptor{
		Addr:  le.Uint64(b[0:]),
		Len:   le.Uint32(b[8:]),
		Flags: le.Uint16(b[12:]),
		Next:  le.Uint16(b[14:]),
	}, nil
}

// serve executes the request chain starting at head and returns the number
// of bytes written into device-writable buffers.
func (d *BlockDevice) serve(q queue, head uint16) (uint32, error) {
	var chain []virtio.Descriptor
	for i, n := head, uint16(0); ; n++ {
		if n >= q.num {
			return 0, fmt.Errorf("descriptor chain at %d loops", head)
		}
		desc, err := d.readDesc(q, i)
		if err != nil {
			return 0, err
		}
		chain = append(chain, desc)
		if desc.Flags&virtio.DescFNext == 0 {
			break
		}
		i = desc.Next
	}
	if len(chain) < 2 {
		return 0, fmt.Errorf("chain at %d too short: %d descriptors", head, len(chain))
	}
	hdrDesc, statusDesc := chain[0], chain[len(chain)-1]
	if hdrDesc.Len < 16 || statusDesc.Flags&virtio.DescFWrite == 0 || statusDesc.Len < 1 {
		return 0, fmt.Errorf("malformed request chain at %d", head)
	}
	hdr, err := virtio.ReadHeader(d.mem, physmem.Addr(hdrDesc.Addr))
	if err != nil {
		return 0, err
	}

	status := uint8(virtio.BlkSOK)
	var written uint32
	sector := hdr.Sector
	for _, desc := range chain[1 : len(chain)-1] {
		if status != virtio.BlkSOK {
			break
		}
		buf, err := d.mem.Slice(physmem.Addr(desc.Addr), uint64(desc.Len))
		if err != nil {
			return 0, err
		}
		for off := 0; off+virtio.SectorSize <= len(buf); off += virtio.SectorSize {
			p := buf[off : off+virtio.SectorSize]
			var ioErr error
			switch {
			case hdr.Type == virtio.BlkTIn && desc.Flags&virtio.DescFWrite != 0:
				ioErr = d.disk.readSector(sector, p)
				written += virtio.SectorSize
			case hdr.Type == virtio.BlkTOut && desc.Flags&virtio.DescFWrite == 0:
				ioErr = d.disk.writeSector(sector, p)
			default:
				status = virtio.BlkSUnsupp
			}
			if status != virtio.BlkSOK {
				break
			}
			if ioErr != nil {
				d.log.WithError(ioErr).WithField("sector", sector).Debug("virtio-blk: request failed")
				status = virtio.BlkSIOErr
				break
			}
			sector++
		}
	}
	if err := d.mem.WriteUint8(physmem.Addr(statusDesc.Addr), status); err != nil {
		return 0, err
	}
	return written + 1, nil
}
