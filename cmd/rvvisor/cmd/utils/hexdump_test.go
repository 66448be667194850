package utils

import (
	"testing"

	"github.com/fatih/color"
)

func TestHexDump(t *testing.T) {
	color.NoColor = true
	tests := []struct {
		name string
		data []byte
		base uint64
		want string
	}{
		{
			name: "partial line",
			data: []byte("hi\x00"),
			base: 0x80000000,
			want: "80000000: 68 69 00                                          hi.\n",
		},
		{
			name: "two lines",
			data: []byte("0123456789abcdefXY"),
			base: 0x10,
			want: "00000010: 30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  0123456789abcdef\n" +
				"00000020: 58 59                                             XY\n",
		},
		{"empty", nil, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexDump(tt.data, tt.base); got != tt.want {
				t.Errorf("HexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}
