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
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var tomlOnly bool

func init() {
	rootCmd.AddCommand(layoutCmd)
	layoutCmd.Flags().BoolVarP(&tomlOnly, "toml", "t", false, "Print only the effective config as TOML")
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the physical and guest-physical memory map",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if tomlOnly {
			return cfg.Encode(os.Stdout)
		}

		h, d, g := cfg.Hypervisor, cfg.Devices, cfg.Guest
		title := color.New(color.Bold).SprintFunc()
		addr := color.New(color.FgHiBlue).SprintfFunc()

		fmt.Println(title("Host"))
		fmt.Printf("  PLIC    %s (irq virtio=%d uart=%d)\n", addr("0x%016x", d.PLICBase), d.VirtioIRQ, d.UARTIRQ)
		fmt.Printf("  UART    %s\n", addr("0x%016x", d.UARTBase))
		fmt.Printf("  virtio  %s\n", addr("0x%016x", d.VirtioBase))
		fmt.Printf("  DRAM    %s - %s\n", addr("0x%016x", h.DRAMStart), addr("0x%016x", h.DRAMEnd))
		fmt.Printf("  image   %s - %s\n", addr("0x%016x", h.DRAMStart), addr("0x%016x", h.ImageEnd))

		fmt.Println(title("Guest " + g.Name))
		fmt.Printf("  UART    %s\n", addr("0x%016x", g.UARTBase))
		fmt.Printf("  DRAM    %s - %s (%d pages)\n", addr("0x%016x", g.DRAMStart), addr("0x%016x", g.DRAMEnd), g.GuestPages())
		fmt.Printf("  image   first %d bytes of the disk\n", g.LoadSize)
		return nil
	},
}
