package utils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

var (
	addrColor  = color.New(color.FgHiBlue).SprintfFunc()
	zeroColor  = color.New(color.Faint).SprintFunc()
	asciiColor = color.New(color.FgGreen).SprintFunc()
)

// HexDump formats data 16 bytes per line with addresses starting at base.
func HexDump(data []byte, base uint64) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]
		sb.WriteString(addrColor("%08x", base+uint64(off)))
		sb.WriteString(": ")
		for i := range 16 {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if i >= len(line) {
				sb.WriteString("   ")
				continue
			}
			h := fmt.Sprintf("%02x ", line[i])
			if line[i] == 0 {
				h = zeroColor(h)
			}
			sb.WriteString(h)
		}
		sb.WriteString(" ")
		sb.WriteString(asciiColor(printable(line)))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func printable(p []byte) string {
	b := make([]byte, len(p))
	for i, c := range p {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b[i] = c
	}
	return string(b)
}
