//go:build unix

package physmem

import (
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedHostPageSize int
	hostPageSizeOnce   sync.Once
)

// hostPageSize returns the host page size, cached.
func hostPageSize() int {
	hostPageSizeOnce.Do(func() {
		cachedHostPageSize = unix.Getpagesize()
	})
	return cachedHostPageSize
}

// allocArena backs the arena with an anonymous private mapping so large
// DRAM ranges are committed lazily by the host.
func allocArena(size int) ([]byte, func([]byte) error, error) {
	page := hostPageSize()
	length := (size + page - 1) / page * page
	mapped, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	release := func([]byte) error {
		return unix.Munmap(mapped)
	}
	return mapped[:size:size], release, nil
}
