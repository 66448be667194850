//go:build !unix

package rvvisor

// Supported reports whether this host can back the simulated DRAM of cfg.
// Without mmap the arena comes from the Go heap, so only an empty DRAM
// range is refused.
func Supported(cfg Config) (bool, error) {
	return cfg.Hypervisor.DRAMEnd > cfg.Hypervisor.DRAMStart, nil
}
