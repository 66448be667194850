package riscv

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHgatp(t *testing.T) {
	tests := []struct {
		name  string
		h     Hgatp
		value uint64
	}{
		{"sv39x4 root", Hgatp{Mode: ModeSv39x4, VMID: 0, PPN: 0x80204}, 0x8000000000080204},
		{"bare", Hgatp{Mode: ModeBare}, 0},
		{"vmid", Hgatp{Mode: ModeSv48x4, VMID: 0x12, PPN: 0x1}, 0x9000000000000000 | 0x12<<44 | 0x1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h.Value(); got != tt.value {
				t.Errorf("Value() = 0x%016x, want 0x%016x", got, tt.value)
			}
			if diff := cmp.Diff(tt.h, ParseHgatp(tt.value)); diff != "" {
				t.Errorf("ParseHgatp() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		cause Cause
		want  TrapKind
	}{
		{0x8000000000000009, TrapExternalInterrupt},
		{InterruptCause(IntSupervisorTimer), TrapUnhandled},
		{InterruptCause(IntSupervisorSoftware), TrapUnhandled},
		{8, TrapEcallFromU},
		{10, TrapEcallFromVS},
		{21, TrapLoadGuestPageFault},
		{23, TrapStoreGuestPageFault},
		{2, TrapUnhandled},
		{ExceptionCause(0x1015), TrapLoadGuestPageFault},
	}
	for _, tt := range tests {
		if got := Classify(tt.cause); got != tt.want {
			t.Errorf("Classify(0x%x) = %v, want %v", uint64(tt.cause), got, tt.want)
		}
	}
}

func TestCause(t *testing.T) {
	c := Cause(0x8000000000000009)
	if !c.Interrupt() || c.Code() != 9 {
		t.Errorf("Cause(0x%x): Interrupt=%v Code=%d, want true/9", uint64(c), c.Interrupt(), c.Code())
	}
	if e := Cause(21); e.Interrupt() || e.Code() != 21 {
		t.Errorf("Cause(21): Interrupt=%v Code=%d, want false/21", e.Interrupt(), e.Code())
	}
}

func TestUnhandledCauseError(t *testing.T) {
	var err error = &UnhandledCauseError{Cause: InterruptCause(5), PC: 0x80000000}
	if !errors.Is(err, ErrUnhandledCause) {
		t.Errorf("errors.Is(%v, ErrUnhandledCause) = false", err)
	}
	want := "riscv: unhandled interrupt code 5 (scause 0x8000000000000005) at 0x0000000080000000"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestCSRString(t *testing.T) {
	if got := CSRHgatp.String(); got != "hgatp" {
		t.Errorf("CSRHgatp.String() = %q, want %q", got, "hgatp")
	}
	if got := CSR(0x7b0).String(); got != "csr(0x7b0)" {
		t.Errorf("CSR(0x7b0).String() = %q, want %q", got, "csr(0x7b0)")
	}
}

func TestGPR(t *testing.T) {
	tests := []struct {
		reg  GPR
		name string
	}{
		{RegZero, "zero"},
		{RegSP, "sp"},
		{RegA0, "a0"},
		{RegA7, "a7"},
		{RegS11, "s11"},
		{RegT6, "t6"},
		{GPR(32), "x32?"},
	}
	for _, tt := range tests {
		if got := tt.reg.String(); got != tt.name {
			t.Errorf("GPR(%d).String() = %q, want %q", int(tt.reg), got, tt.name)
		}
	}

	var f TrapFrame
	f.Regs[RegZero] = 0xbad
	f.Regs[RegA7] = 0x54494d45
	if got := f.Reg(RegA7); got != 0x54494d45 {
		t.Errorf("Reg(a7) = 0x%x, want 0x54494d45", got)
	}
	if got := f.Reg(RegZero); got != 0 {
		t.Errorf("Reg(zero) = 0x%x, want 0", got)
	}
}
