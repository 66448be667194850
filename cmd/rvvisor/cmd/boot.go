/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/blacktop/go-rvvisor"
	"github.com/blacktop/go-rvvisor/cmd/rvvisor/cmd/utils"
	"github.com/blacktop/go-rvvisor/machine"
	"github.com/blacktop/go-rvvisor/physmem"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	timeout     time.Duration
	showMetrics bool
	dumpBytes   int
	interactive bool
	logConsole  bool
)

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Abort the boot after this long (0 = no limit)")
	bootCmd.Flags().BoolVarP(&showMetrics, "metrics", "m", false, "Print boot metrics as JSON")
	bootCmd.Flags().IntVarP(&dumpBytes, "dump", "d", 0, "Hex dump this many bytes of guest memory at the entry point")
	bootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Forward stdin to the guest console after boot")
	bootCmd.Flags().BoolVar(&logConsole, "log-console", false, "Send hypervisor logs through the board's UART")
}

var bootCmd = &cobra.Command{
	Use:   "boot [DISK]",
	Short: "Load a 64-bit ELF guest off a disk image and enter it",
	Long: `Build the simulated board, attach DISK as the virtio block device and
boot: the hypervisor reads the first load_size bytes of the disk, loads the
ELF image into a fresh guest address space and enters it in VS-mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runBoot,
}

// boardConfig is the simulated board matching cfg.
func boardConfig(cfg rvvisor.Config) machine.Config {
	return machine.Config{
		DRAMBase:   physmem.Addr(cfg.Hypervisor.DRAMStart),
		DRAMSize:   cfg.Hypervisor.DRAMEnd - cfg.Hypervisor.DRAMStart,
		UARTBase:   physmem.Addr(cfg.Devices.UARTBase),
		VirtioBase: physmem.Addr(cfg.Devices.VirtioBase),
		PLICBase:   physmem.Addr(cfg.Devices.PLICBase),
		VirtioIRQ:  cfg.Devices.VirtioIRQ,
		UARTIRQ:    cfg.Devices.UARTIRQ,
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if ok, err := rvvisor.Supported(cfg); err != nil || !ok {
		return fmt.Errorf("host cannot back %d MiB of DRAM: %v", (cfg.Hypervisor.DRAMEnd-cfg.Hypervisor.DRAMStart)>>20, err)
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open disk image: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	// The loader always reads load_size bytes; a short image reads as zeros.
	size := max(fi.Size(), int64(cfg.Guest.LoadSize))

	m, err := machine.New(boardConfig(cfg), machine.NewDisk(f, size), os.Stdout, log.WithField("board", "virt"))
	if err != nil {
		return err
	}
	defer m.Close()

	hv, err := rvvisor.New(cfg, rvvisor.Platform{
		CPU:    m.Hart,
		Memory: m.Mem,
		UART:   m.UARTRegs(),
		Virtio: m.VirtioRegs(),
		PLIC:   m.PLICRegs(),
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if logConsole {
		if err := hv.Init(); err != nil {
			return err
		}
		log.SetOutput(hv.Console())
		defer log.SetOutput(os.Stderr)
	}

	if err := hv.Boot(ctx); err != nil {
		return fmt.Errorf("boot failed (%s): %w", rvvisor.Classify(err), err)
	}

	g := hv.Guest()
	fmt.Fprintf(os.Stderr, "%s %s entered at %s (hgatp %s)\n",
		color.GreenString("guest"), color.New(color.Bold).Sprint(g.Name),
		color.HiBlueString("0x%016x", m.Hart.PC()), g.Hgatp)

	if dumpBytes > 0 {
		buf := make([]byte, dumpBytes)
		n, err := g.ReadAt(buf, g.Sepc)
		if err != nil {
			log.WithError(err).Warnf("dump stopped after %d bytes", n)
		}
		fmt.Fprint(os.Stderr, utils.HexDump(buf[:n], g.Sepc))
	}

	if interactive {
		forwardConsole(ctx, m, os.Stdin)
	}

	if showMetrics {
		out, err := json.MarshalIndent(rvvisor.GetMetrics(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	if err := m.Hart.Err(); err != nil {
		return fmt.Errorf("guest stopped (%s): %w", rvvisor.Classify(err), err)
	}
	return nil
}

// forwardConsole feeds stdin to the console until EOF, cancellation or the
// hart halts. The hart is only touched from this goroutine.
func forwardConsole(ctx context.Context, m *machine.Machine, in io.Reader) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			m.Console.Feed(line)
			if m.Hart.Halted() {
				return
			}
		}
	}
}
