package rvvisor

import (
	"errors"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/blacktop/go-rvvisor/virtio"
)

// Virtio devices occupy PLIC sources 1 through 8 on the virt board.
const (
	VirtioIRQFirst = 1
	VirtioIRQLast  = 8
)

// Config is the physical memory map the hypervisor runs against and the
// shape of the guest it builds.
type Config struct {
	Hypervisor HostConfig   `toml:"hypervisor"`
	Devices    DeviceConfig `toml:"devices"`
	Guest      GuestConfig  `toml:"guest"`
}

// HostConfig describes the DRAM the hypervisor owns.
type HostConfig struct {
	DRAMStart uint64 `toml:"dram_start"`
	DRAMEnd   uint64 `toml:"dram_end"`
	// ImageEnd is the end of the hypervisor's own image. Page allocation
	// starts on the page after it.
	ImageEnd uint64 `toml:"image_end"`
}

// DeviceConfig holds MMIO bases and interrupt sources.
type DeviceConfig struct {
	UARTBase   uint64 `toml:"uart_base"`
	VirtioBase uint64 `toml:"virtio_base"`
	PLICBase   uint64 `toml:"plic_base"`
	VirtioIRQ  uint32 `toml:"virtio_irq"`
	UARTIRQ    uint32 `toml:"uart_irq"`
}

// GuestConfig describes the guest-physical address space and image load.
type GuestConfig struct {
	Name      string `toml:"name"`
	UARTBase  uint64 `toml:"uart_base"`
	DRAMStart uint64 `toml:"dram_start"`
	// DRAMEnd is inclusive: the page at DRAMEnd is mapped too.
	DRAMEnd          uint64 `toml:"dram_end"`
	LoadSize         uint64 `toml:"load_size"`
	ProgressInterval uint64 `toml:"progress_interval"`
}

// DefaultConfig returns the QEMU virt layout.
func DefaultConfig() Config {
	return Config{
		Hypervisor: HostConfig{
			DRAMStart: 0x80000000,
			DRAMEnd:   0x90000000,
			ImageEnd:  0x80200000,
		},
		Devices: DeviceConfig{
			UARTBase:   0x10000000,
			VirtioBase: 0x10001000,
			PLICBase:   0x0c000000,
			VirtioIRQ:  1,
			UARTIRQ:    10,
		},
		Guest: GuestConfig{
			Name:             "guest01",
			UARTBase:         0x10000000,
			DRAMStart:        0x80000000,
			DRAMEnd:          0x82000000,
			LoadSize:         2 << 20,
			ProgressInterval: 10,
		},
	}
}

// LoadConfig decodes the TOML file at path over DefaultConfig and validates
// the result. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, configErr(fmt.Errorf("failed to decode %s: %w", path, err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, configErr(fmt.Errorf("unknown keys in %s: %v", path, undecoded))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func aligned(v uint64) bool { return physmem.IsPageAligned(physmem.Addr(v)) }

// Validate checks alignment, ordering and interrupt routing.
func (c Config) Validate() error {
	var errs []error
	h, d, g := c.Hypervisor, c.Devices, c.Guest

	if !aligned(h.DRAMStart) || !aligned(h.DRAMEnd) || h.DRAMStart >= h.DRAMEnd {
		errs = append(errs, fmt.Errorf("hypervisor DRAM [0x%x, 0x%x) must be non-empty and page-aligned", h.DRAMStart, h.DRAMEnd))
	}
	if h.ImageEnd < h.DRAMStart || h.ImageEnd >= h.DRAMEnd {
		errs = append(errs, fmt.Errorf("hypervisor image end 0x%x outside DRAM", h.ImageEnd))
	}
	for _, r := range []struct {
		name string
		base uint64
	}{
		{"uart", d.UARTBase},
		{"virtio", d.VirtioBase},
		{"plic", d.PLICBase},
		{"guest uart", g.UARTBase},
	} {
		if !aligned(r.base) {
			errs = append(errs, fmt.Errorf("%s base 0x%x not page-aligned", r.name, r.base))
		}
	}
	if d.VirtioIRQ < VirtioIRQFirst || d.VirtioIRQ > VirtioIRQLast {
		errs = append(errs, fmt.Errorf("virtio irq %d outside [%d, %d]", d.VirtioIRQ, VirtioIRQFirst, VirtioIRQLast))
	}
	if d.UARTIRQ == 0 || d.UARTIRQ > 31 || (d.UARTIRQ >= VirtioIRQFirst && d.UARTIRQ <= VirtioIRQLast) {
		errs = append(errs, fmt.Errorf("uart irq %d must be in [1, 31] and outside the virtio range", d.UARTIRQ))
	}
	if g.Name == "" {
		errs = append(errs, errors.New("guest name is empty"))
	}
	if !aligned(g.DRAMStart) || !aligned(g.DRAMEnd) || g.DRAMStart > g.DRAMEnd {
		errs = append(errs, fmt.Errorf("guest DRAM [0x%x, 0x%x] must be page-aligned and ordered", g.DRAMStart, g.DRAMEnd))
	}
	if g.LoadSize == 0 || g.LoadSize%virtio.SectorSize != 0 {
		errs = append(errs, fmt.Errorf("load size %d must be a positive multiple of %d", g.LoadSize, virtio.SectorSize))
	}
	if g.ProgressInterval == 0 {
		errs = append(errs, errors.New("progress interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return configErr(err)
	}
	return nil
}

// GuestPages returns the number of guest DRAM pages NewGuest maps.
func (g GuestConfig) GuestPages() uint64 {
	return (g.DRAMEnd-g.DRAMStart)/physmem.PageSize + 1
}
