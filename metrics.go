package rvvisor

import (
	"sync/atomic"
	"time"
)

// Boot and trap metrics.
var (
	// Operation counters
	guestCreateCount  uint64
	guestEntryCount   uint64
	imageLoadCount    uint64
	sectorsRead       uint64
	sectionsLoaded    uint64
	bytesCopied       uint64
	trapsHandled      uint64
	interruptsClaimed uint64
	virtioInterrupts  uint64
	consoleInterrupts uint64

	// Timing metrics (nanoseconds)
	totalImageLoadTime uint64

	// Error counters
	guestHalts     uint64
	unhandledTraps uint64
)

// Metrics provides access to boot and trap metrics
type Metrics struct {
	GuestsCreated      uint64 `json:"guests_created"`
	GuestEntries       uint64 `json:"guest_entries"`
	ImagesLoaded       uint64 `json:"images_loaded"`
	SectorsRead        uint64 `json:"sectors_read"`
	SectionsLoaded     uint64 `json:"sections_loaded"`
	BytesCopied        uint64 `json:"bytes_copied"`
	TrapsHandled       uint64 `json:"traps_handled"`
	InterruptsClaimed  uint64 `json:"interrupts_claimed"`
	VirtioInterrupts   uint64 `json:"virtio_interrupts"`
	ConsoleInterrupts  uint64 `json:"console_interrupts"`
	AvgImageLoadTimeNs uint64 `json:"avg_image_load_time_ns"`
	GuestHalts         uint64 `json:"guest_halts"`
	UnhandledTraps     uint64 `json:"unhandled_traps"`
}

// GetMetrics returns current metrics
func GetMetrics() Metrics {
	loads := atomic.LoadUint64(&imageLoadCount)

	var avgLoad uint64
	if loads > 0 {
		avgLoad = atomic.LoadUint64(&totalImageLoadTime) / loads
	}

	return Metrics{
		GuestsCreated:      atomic.LoadUint64(&guestCreateCount),
		GuestEntries:       atomic.LoadUint64(&guestEntryCount),
		ImagesLoaded:       loads,
		SectorsRead:        atomic.LoadUint64(&sectorsRead),
		SectionsLoaded:     atomic.LoadUint64(&sectionsLoaded),
		BytesCopied:        atomic.LoadUint64(&bytesCopied),
		TrapsHandled:       atomic.LoadUint64(&trapsHandled),
		InterruptsClaimed:  atomic.LoadUint64(&interruptsClaimed),
		VirtioInterrupts:   atomic.LoadUint64(&virtioInterrupts),
		ConsoleInterrupts:  atomic.LoadUint64(&consoleInterrupts),
		AvgImageLoadTimeNs: avgLoad,
		GuestHalts:         atomic.LoadUint64(&guestHalts),
		UnhandledTraps:     atomic.LoadUint64(&unhandledTraps),
	}
}

// ResetMetrics clears all metrics
func ResetMetrics() {
	atomic.StoreUint64(&guestCreateCount, 0)
	atomic.StoreUint64(&guestEntryCount, 0)
	atomic.StoreUint64(&imageLoadCount, 0)
	atomic.StoreUint64(&sectorsRead, 0)
	atomic.StoreUint64(&sectionsLoaded, 0)
	atomic.StoreUint64(&bytesCopied, 0)
	atomic.StoreUint64(&trapsHandled, 0)
	atomic.StoreUint64(&interruptsClaimed, 0)
	atomic.StoreUint64(&virtioInterrupts, 0)
	atomic.StoreUint64(&consoleInterrupts, 0)
	atomic.StoreUint64(&totalImageLoadTime, 0)
	atomic.StoreUint64(&guestHalts, 0)
	atomic.StoreUint64(&unhandledTraps, 0)
}

// Internal metric recording functions
func recordGuestCreate() {
	atomic.AddUint64(&guestCreateCount, 1)
}

func recordGuestEntry() {
	atomic.AddUint64(&guestEntryCount, 1)
}

func recordImageLoad(duration time.Duration) {
	atomic.AddUint64(&imageLoadCount, 1)
	atomic.AddUint64(&totalImageLoadTime, uint64(duration.Nanoseconds()))
}

func recordSectorRead() {
	atomic.AddUint64(&sectorsRead, 1)
}

func recordSectionLoad(n uint64) {
	atomic.AddUint64(&sectionsLoaded, 1)
	atomic.AddUint64(&bytesCopied, n)
}

func recordTrap() {
	atomic.AddUint64(&trapsHandled, 1)
}

func recordClaim() {
	atomic.AddUint64(&interruptsClaimed, 1)
}

func recordVirtioInterrupt() {
	atomic.AddUint64(&virtioInterrupts, 1)
}

func recordConsoleInterrupt() {
	atomic.AddUint64(&consoleInterrupts, 1)
}

func recordHalt() {
	atomic.AddUint64(&guestHalts, 1)
}

func recordUnhandledTrap() {
	atomic.AddUint64(&unhandledTraps, 1)
}
