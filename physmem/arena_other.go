//go:build !unix

package physmem

// allocArena falls back to a heap allocation on platforms without mmap.
func allocArena(size int) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
