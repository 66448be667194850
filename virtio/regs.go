// Package virtio implements a legacy virtio-mmio block device driver with a
// single eight-slot virtqueue.
package virtio

// mmio register offsets

const (
	RegMagicValue       = 0x000 // always 0x74726976 "virt" (R)
	RegVersion          = 0x004 // legacy interface: 1 (R)
	RegDeviceID         = 0x008 // virtio subsystem device id (R)
	RegVendorID         = 0x00c // virtio subsystem vendor id (R)
	RegHostFeatures     = 0x010 // device feature bits (R)
	RegHostFeaturesSel  = 0x014 // word selection for RegHostFeatures (W)
	RegGuestFeatures    = 0x020 // feature bits accepted by the driver (W)
	RegGuestFeaturesSel = 0x024 // word selection for RegGuestFeatures (W)
	RegGuestPageSize    = 0x028 // driver page size, used for queue pfn (W)
	RegQueueSel         = 0x030 // virtual queue index (W)
	RegQueueNumMax      = 0x034 // maximum virtual queue size (R)
	RegQueueNum         = 0x038 // virtual queue size (W)
	RegQueueAlign       = 0x03c // used ring alignment (W)
	RegQueuePFN         = 0x040 // queue page frame number (RW)
	RegQueueNotify      = 0x050 // queue notifier (W)
	RegInterruptStatus  = 0x060 // interrupt status (R)
	RegInterruptAck     = 0x064 // interrupt acknowledge (W)
	RegStatus           = 0x070 // device status (RW)
	RegConfig           = 0x100 // device specific configuration space (RW)

	// RegionSize is the size of one virtio-mmio register window.
	RegionSize = 0x1000
)

const (
	// Magic is the value of RegMagicValue, "virt" little-endian.
	Magic = 0x74726976
	// Vendor is the QEMU vendor id, "QEMU" little-endian.
	Vendor = 0x554d4551
	// LegacyVersion is the only interface version this driver speaks.
	LegacyVersion = 1
	// DeviceBlock is the device id of a block device.
	DeviceBlock = 2
)

// device status bits

const (
	StatusAcknowledge      = 1
	StatusDriver           = 2
	StatusDriverOK         = 4
	StatusFeaturesOK       = 8
	StatusDeviceNeedsReset = 64
	StatusFailed           = 128
)

// feature bits the driver refuses

const (
	BlkFReadOnly        = 1 << 5
	BlkFSCSI            = 1 << 7
	BlkFConfigWCE       = 1 << 11
	BlkFMQ              = 1 << 12
	FAnyLayout          = 1 << 27
	RingFIndirectDesc   = 1 << 28
	RingFEventIdx       = 1 << 29
	unsupportedFeatures = BlkFReadOnly | BlkFSCSI | BlkFConfigWCE | BlkFMQ | FAnyLayout | RingFIndirectDesc | RingFEventIdx
)

// interrupt status bits

const (
	IntUsedBuffer   = 1 << 0
	IntConfigChange = 1 << 1
)

// descriptor flags

const (
	DescFNext  = 1 << 0 // buffer continues via the next field
	DescFWrite = 1 << 1 // buffer is device-writable
)

// block request types and status values

const (
	BlkTIn  = 0 // read
	BlkTOut = 1 // write

	BlkSOK     = 0
	BlkSIOErr  = 1
	BlkSUnsupp = 2
)

// SectorSize is the block device sector size.
const SectorSize = 512
