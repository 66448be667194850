// Package rvvisor is a minimal type-1 hypervisor for RISC-V harts with the
// hypervisor extension. It runs one guest on a QEMU virt style board.
//
// Boots a single guest: builds its G-stage page table, loads a 64-bit ELF
// image off a virtio block device, installs the trap dispatcher and returns
// into the guest in VS-mode.
//
// # Hardware
//
// The hypervisor drives the hardware through a Platform: a riscv.CPU for
// CSR access, fences and sret, the DRAM it owns and the register windows of
// the UART, the virtio-mmio block device and the PLIC. Package machine
// provides a simulated board for each of them.
//
// # Basic Usage
//
// Check that the host can back the board:
//
//	cfg := rvvisor.DefaultConfig()
//	if ok, err := rvvisor.Supported(cfg); err != nil || !ok {
//		log.Fatal("cannot back the configured DRAM")
//	}
//
// Build the board and boot:
//
//	m, err := machine.New(boardConfig, machine.NewDisk(image, size), os.Stdout, logger)
//	if err != nil {
//		log.Fatal("Failed to build machine:", err)
//	}
//	defer m.Close()
//
//	hv, err := rvvisor.New(cfg, rvvisor.Platform{
//		CPU:    m.Hart,
//		Memory: m.Mem,
//		UART:   m.UARTRegs(),
//		Virtio: m.VirtioRegs(),
//		PLIC:   m.PLICRegs(),
//	}, logger)
//	if err != nil {
//		log.Fatal("Failed to create hypervisor:", err)
//	}
//	if err := hv.Boot(ctx); err != nil {
//		log.Fatal("Boot failed:", err)
//	}
//
// Boot runs Init, CreateGuest, LoadGuest and SwitchToGuest in order; each
// step can also be called on its own.
//
// # Traps
//
// Every trap reaches the Dispatcher. Supervisor external interrupts are
// claimed from the PLIC and routed to the block driver (sources 1 to 8) or
// the console, then completed. Guest environment calls and guest-page
// faults halt the hart. Any other cause is fatal and reported as a
// riscv.UnhandledCauseError.
//
// # Error Handling
//
// All errors implement the standard Go error interface. Errors returned by
// the Hypervisor are wrapped in HVError with a Kind; Classify recovers the
// Kind from any error. Set RVVISOR_ENV=production to get sanitized
// messages.
//
// # Configuration
//
// Config is read from TOML with LoadConfig:
//
//	[hypervisor]
//	dram_start = 0x80000000
//	dram_end   = 0x90000000
//	image_end  = 0x80200000
//
//	[guest]
//	name      = "guest01"
//	dram_end  = 0x82000000
//	load_size = 2097152
package rvvisor
