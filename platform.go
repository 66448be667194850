//go:build unix

package rvvisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Supported reports whether this host can back the simulated DRAM of cfg:
// the address space limit must leave room for the whole arena.
func Supported(cfg Config) (bool, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &lim); err != nil {
		return false, fmt.Errorf("rvvisor: getrlimit: %w", err)
	}
	return fitsLimit(int64(lim.Cur), cfg.Hypervisor.DRAMEnd-cfg.Hypervisor.DRAMStart), nil
}

// fitsLimit reports whether size bytes fit under the soft limit cur.
// Rlimit.Cur is uint64 on linux and int64 on the BSDs; both arrive here as
// int64, and a negative value is the linux spelling of RLIM_INFINITY.
func fitsLimit(cur int64, size uint64) bool {
	if cur == unix.RLIM_INFINITY || cur < 0 {
		return true
	}
	return uint64(cur) >= size
}
