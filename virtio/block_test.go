package virtio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blacktop/go-rvvisor/paging"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const (
	testBase   = physmem.Addr(0x80000000)
	testMMIO   = physmem.Addr(0x10001000)
	testSector = 3
)

// stubDevice is a minimal legacy block device. On every notify it consumes
// the new available entries, serves them from disk, posts used entries and
// then calls interrupt, if set.
type stubDevice struct {
	mem       *physmem.Memory
	regs      map[uint64]uint64
	disk      []byte
	seen      uint16
	used      uint16
	chains    [][]Descriptor
	headers   []RequestHeader
	status    uint8
	silent    bool
	interrupt func()
}

func newStubDevice(mem *physmem.Memory) *stubDevice {
	d := &stubDevice{
		mem:  mem,
		regs: map[uint64]uint64{},
		disk: make([]byte, 8*SectorSize),
	}
	for i := range d.disk {
		d.disk[i] = byte(i / SectorSize)
	}
	d.regs[RegMagicValue] = Magic
	d.regs[RegVersion] = LegacyVersion
	d.regs[RegVendorID] = Vendor
	d.regs[RegDeviceID] = DeviceBlock
	d.regs[RegQueueNumMax] = QueueSize
	d.regs[RegHostFeatures] = BlkFReadOnly | FAnyLayout | 1<<9
	return d
}

func (d *stubDevice) Load(off uint64, width int) uint64 { return d.regs[off] }

func (d *stubDevice) Store(off uint64, width int, v uint64) {
	switch off {
	case RegInterruptAck:
		d.regs[RegInterruptStatus] &^= v
	case RegQueueNotify:
		d.notify()
	default:
		d.regs[off] = v
	}
}

func (d *stubDevice) layout() Layout {
	return Layout{Base: physmem.Addr(d.regs[RegQueuePFN] * d.regs[RegGuestPageSize])}
}

func (d *stubDevice) notify() {
	if d.silent {
		return
	}
	q := d.layout()
	avail, _ := d.mem.ReadUint16(q.AvailIdx())
	for d.seen != avail {
		head, _ := d.mem.ReadUint16(q.AvailRing(d.seen))
		d.seen++

		var chain []Descriptor
		for i := head; ; {
			desc, _ := q.ReadDesc(d.mem, i)
			chain = append(chain, desc)
			if desc.Flags&DescFNext == 0 {
				break
			}
			i = desc.Next
		}
		d.chains = append(d.chains, chain)

		hdr, _ := ReadHeader(d.mem, physmem.Addr(chain[0].Addr))
		d.headers = append(d.headers, hdr)
		data := d.disk[hdr.Sector*SectorSize : (hdr.Sector+1)*SectorSize]
		buf, _ := d.mem.Slice(physmem.Addr(chain[1].Addr), SectorSize)
		if hdr.Type == BlkTIn {
			copy(buf, data)
		} else {
			copy(data, buf)
		}
		d.mem.WriteUint8(physmem.Addr(chain[2].Addr), d.status)

		q.WriteUsed(d.mem, d.used, UsedElem{ID: uint32(head), Len: SectorSize})
		d.used++
		d.mem.WriteUint16(q.UsedIdx(), d.used)
	}
	d.regs[RegInterruptStatus] |= IntUsedBuffer
	if d.interrupt != nil {
		d.interrupt()
	}
}

func newTestBlock(t *testing.T) (*Block, *stubDevice, *physmem.Memory) {
	t.Helper()
	mem, err := physmem.New(testBase, 16*physmem.PageSize)
	if err != nil {
		t.Fatalf("physmem.New() failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	alloc := paging.NewAllocator(mem, log)
	alloc.Init(testBase)

	dev := newStubDevice(mem)
	blk, err := NewBlock(physmem.NewMMIO(testMMIO, RegionSize, dev), mem, alloc, log)
	if err != nil {
		t.Fatalf("NewBlock() failed: %v", err)
	}
	dev.interrupt = func() {
		if err := blk.HandleInterrupt(1); err != nil {
			t.Errorf("HandleInterrupt(1) failed: %v", err)
		}
	}
	return blk, dev, mem
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name  string
		reg   uint64
		value uint64
		field string
	}{
		{"bad magic", RegMagicValue, 0x12345678, "magic number"},
		{"modern version", RegVersion, 2, "version"},
		{"other vendor", RegVendorID, 0x1af4, "vendor id"},
		{"network device", RegDeviceID, 1, "device id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newStubDevice(nil)
			dev.regs[tt.reg] = tt.value
			err := Probe(physmem.NewMMIO(testMMIO, RegionSize, dev), DeviceBlock)
			if !errors.Is(err, ErrDevice) {
				t.Fatalf("Probe() error = %v, want ErrDevice", err)
			}
			var derr *DeviceError
			if !errors.As(err, &derr) || derr.Field != tt.field {
				t.Errorf("Probe() error = %v, want field %q", err, tt.field)
			}
		})
	}
}

func TestNewBlockNegotiation(t *testing.T) {
	blk, dev, _ := newTestBlock(t)

	if got, want := dev.regs[RegStatus], uint64(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK); got != want {
		t.Errorf("status = 0x%x, want 0x%x", got, want)
	}
	if got := dev.regs[RegGuestFeatures]; got != 1<<9 {
		t.Errorf("guest features = 0x%x, want 0x%x", got, 1<<9)
	}
	if got := dev.regs[RegQueueNum]; got != QueueSize {
		t.Errorf("queue num = %d, want %d", got, QueueSize)
	}
	if got := dev.regs[RegGuestPageSize]; got != physmem.PageSize {
		t.Errorf("guest page size = %d, want %d", got, physmem.PageSize)
	}
	if got, want := dev.regs[RegQueuePFN], uint64(blk.Queue().Base)/physmem.PageSize; got != want {
		t.Errorf("queue pfn = 0x%x, want 0x%x", got, want)
	}
	if !physmem.IsPageAligned(blk.Queue().Base) {
		t.Errorf("queue base 0x%x is not page aligned", blk.Queue().Base)
	}
}

func TestNewBlockQueueTooSmall(t *testing.T) {
	mem, err := physmem.New(testBase, 4*physmem.PageSize)
	if err != nil {
		t.Fatalf("physmem.New() failed: %v", err)
	}
	defer mem.Close()
	alloc := paging.NewAllocator(mem, nil)
	alloc.Init(testBase)

	dev := newStubDevice(mem)
	dev.regs[RegQueueNumMax] = 4
	if _, err := NewBlock(physmem.NewMMIO(testMMIO, RegionSize, dev), mem, alloc, nil); !errors.Is(err, ErrDevice) {
		t.Fatalf("NewBlock() error = %v, want ErrDevice", err)
	}
	if dev.regs[RegStatus]&StatusFailed == 0 {
		t.Errorf("status = 0x%x, want FAILED set", dev.regs[RegStatus])
	}
}

func TestReadSector(t *testing.T) {
	blk, dev, mem := newTestBlock(t)
	buf := testBase + 12*physmem.PageSize

	before, _ := mem.ReadUint16(blk.Queue().AvailIdx())
	if err := blk.Read(context.Background(), testSector, buf); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	after, _ := mem.ReadUint16(blk.Queue().AvailIdx())
	if after != before+1 {
		t.Errorf("avail idx = %d, want %d", after, before+1)
	}

	if len(dev.chains) != 1 {
		t.Fatalf("device saw %d chains, want 1", len(dev.chains))
	}
	q := blk.Queue()
	want := []Descriptor{
		{Addr: uint64(q.Header(0)), Len: headerSize, Flags: DescFNext, Next: 1},
		{Addr: uint64(buf), Len: SectorSize, Flags: DescFNext | DescFWrite, Next: 2},
		{Addr: uint64(q.Status(0)), Len: 1, Flags: DescFWrite},
	}
	if diff := cmp.Diff(want, dev.chains[0]); diff != "" {
		t.Errorf("descriptor chain mismatch (-want +got):\n%s", diff)
	}

	got, _ := mem.Slice(buf, SectorSize)
	for i, b := range got {
		if b != testSector {
			t.Fatalf("buf[%d] = %d, want %d", i, b, testSector)
		}
	}
	if blk.slots.inUse() != 0 || blk.chains != 0 {
		t.Errorf("descriptors still held after completion: slots=%d chains=%d", blk.slots.inUse(), blk.chains)
	}
}

func TestWriteSector(t *testing.T) {
	blk, dev, mem := newTestBlock(t)
	buf := testBase + 12*physmem.PageSize
	data, _ := mem.Slice(buf, SectorSize)
	for i := range data {
		data[i] = 0xa5
	}
	if err := blk.Write(context.Background(), 5, buf); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if diff := cmp.Diff(data, dev.disk[5*SectorSize:6*SectorSize]); diff != "" {
		t.Errorf("disk contents mismatch (-want +got):\n%s", diff)
	}
	hdr, _ := ReadHeader(mem, blk.Queue().Header(0))
	if hdr.Type != BlkTOut || hdr.Sector != 5 {
		t.Errorf("header = %+v, want type %d sector 5", hdr, BlkTOut)
	}
	if dev.chains[0][1].Flags&DescFWrite != 0 {
		t.Errorf("data descriptor of a write request is device-writable")
	}
}

func TestSequentialReadsWrapRing(t *testing.T) {
	blk, dev, mem := newTestBlock(t)
	buf := testBase + 12*physmem.PageSize
	for i := 0; i < 3*QueueSize; i++ {
		sector := uint64(i % 8)
		if err := blk.Read(context.Background(), sector, buf); err != nil {
			t.Fatalf("Read(%d) #%d failed: %v", sector, i, err)
		}
		b, _ := mem.ReadUint8(buf)
		if uint64(b) != sector {
			t.Fatalf("Read(%d) #%d: buf[0] = %d", sector, i, b)
		}
	}
	if got := len(dev.chains); got != 3*QueueSize {
		t.Errorf("device saw %d chains, want %d", got, 3*QueueSize)
	}
	if blk.usedIdx != dev.used {
		t.Errorf("driver used idx = %d, device used idx = %d", blk.usedIdx, dev.used)
	}
}

func TestReadDeviceError(t *testing.T) {
	blk, dev, _ := newTestBlock(t)
	dev.status = BlkSIOErr
	if err := blk.Read(context.Background(), 0, testBase+12*physmem.PageSize); !errors.Is(err, ErrIO) {
		t.Fatalf("Read() error = %v, want ErrIO", err)
	}
	if blk.slots.inUse() != 0 {
		t.Errorf("descriptors still held after failed request")
	}
}

func TestReadTimeout(t *testing.T) {
	blk, dev, _ := newTestBlock(t)
	dev.silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := blk.Read(ctx, 0, testBase+12*physmem.PageSize)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read() error = %v, want context.DeadlineExceeded", err)
	}
	if blk.slots.inUse() != chainLen || blk.chains != 1 {
		t.Errorf("cancelled request released its descriptors: slots=%d chains=%d", blk.slots.inUse(), blk.chains)
	}
}

func TestCancelledRequestNotReplayed(t *testing.T) {
	blk, dev, mem := newTestBlock(t)
	dev.silent = true
	buf := testBase + 12*physmem.PageSize

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := blk.Read(ctx, 2, buf); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read() error = %v, want context.Canceled", err)
	}

	// The head is still in the available ring: its descriptors must not be
	// handed to another request.
	if err := blk.Write(context.Background(), 5, buf); !errors.Is(err, ErrQueueBusy) {
		t.Fatalf("Write() while the read is outstanding: err = %v, want ErrQueueBusy", err)
	}
	if avail, _ := mem.ReadUint16(blk.Queue().AvailIdx()); avail != 1 {
		t.Fatalf("avail idx = %d, want 1", avail)
	}

	// The device catches up and returns the abandoned chain.
	dev.silent = false
	dev.notify()
	if blk.slots.inUse() != 0 || blk.chains != 0 {
		t.Fatalf("descriptors still held after the device returned them: slots=%d chains=%d", blk.slots.inUse(), blk.chains)
	}
	if blk.Completed(0) {
		t.Errorf("abandoned chain left marked completed")
	}

	data, _ := mem.Slice(buf, SectorSize)
	for i := range data {
		data[i] = 0x5a
	}
	if err := blk.Write(context.Background(), 5, buf); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	want := []RequestHeader{
		{Type: BlkTIn, Sector: 2},
		{Type: BlkTOut, Sector: 5},
	}
	if diff := cmp.Diff(want, dev.headers); diff != "" {
		t.Errorf("requests served by the device mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(data, dev.disk[5*SectorSize:6*SectorSize]); diff != "" {
		t.Errorf("disk contents mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueBusy(t *testing.T) {
	blk, _, _ := newTestBlock(t)
	if _, err := blk.request(0, testBase+12*physmem.PageSize, false); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := blk.request(1, testBase+13*physmem.PageSize, false); !errors.Is(err, ErrQueueBusy) {
		t.Fatalf("second request error = %v, want ErrQueueBusy", err)
	}
}

func TestHandleInterrupt(t *testing.T) {
	blk, dev, _ := newTestBlock(t)

	if err := blk.HandleInterrupt(2); err == nil {
		t.Errorf("HandleInterrupt(2) succeeded, want error")
	}
	if err := blk.HandleInterrupt(0); err == nil {
		t.Errorf("HandleInterrupt(0) succeeded, want error")
	}

	// No new used entries: nothing changes.
	if err := blk.HandleInterrupt(1); err != nil {
		t.Fatalf("HandleInterrupt(1) failed: %v", err)
	}
	if blk.usedIdx != 0 {
		t.Errorf("usedIdx = %d after spurious interrupt, want 0", blk.usedIdx)
	}

	dev.interrupt = nil
	if _, err := blk.request(0, testBase+12*physmem.PageSize, false); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if blk.Completed(0) {
		t.Fatalf("chain 0 completed before interrupt")
	}
	if dev.regs[RegInterruptStatus] == 0 {
		t.Fatalf("device did not raise interrupt status")
	}
	if err := blk.HandleInterrupt(1); err != nil {
		t.Fatalf("HandleInterrupt(1) failed: %v", err)
	}
	if !blk.Completed(0) {
		t.Errorf("chain 0 not completed after interrupt")
	}
	if dev.regs[RegInterruptStatus] != 0 {
		t.Errorf("interrupt status = 0x%x after ack, want 0", dev.regs[RegInterruptStatus])
	}
}

func TestHandleInterruptBadID(t *testing.T) {
	blk, dev, mem := newTestBlock(t)
	q := blk.Queue()
	q.WriteUsed(mem, 0, UsedElem{ID: QueueSize + 1})
	mem.WriteUint16(q.UsedIdx(), 1)
	dev.regs[RegInterruptStatus] = IntUsedBuffer
	if err := blk.HandleInterrupt(1); !errors.Is(err, ErrDevice) {
		t.Fatalf("HandleInterrupt() error = %v, want ErrDevice", err)
	}
}

func TestSlotSet(t *testing.T) {
	var s slotSet
	a, ok := s.acquire(3)
	if !ok {
		t.Fatal("acquire(3) on empty set failed")
	}
	if diff := cmp.Diff([]uint16{0, 1, 2}, a); diff != "" {
		t.Errorf("acquire(3) mismatch (-want +got):\n%s", diff)
	}
	b, _ := s.acquire(3)
	s.release(a)
	c, _ := s.acquire(3)
	if diff := cmp.Diff([]uint16{0, 1, 2}, c); diff != "" {
		t.Errorf("acquire(3) after release mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.acquire(3); ok {
		t.Errorf("acquire(3) with %d in use succeeded", s.inUse())
	}
	s.release(b)
	s.release(c)
	if s.inUse() != 0 {
		t.Errorf("inUse() = %d after releasing everything", s.inUse())
	}
}
