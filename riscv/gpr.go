package riscv

import "fmt"

// GPR is a general purpose register index, as laid out in TrapFrame.Regs.
type GPR int

const (
	RegZero GPR = iota
	RegRA
	RegSP
	RegGP
	RegTP
	RegT0
	RegT1
	RegT2
	RegS0 // frame pointer
	RegS1
	RegA0
	RegA1
	RegA2
	RegA3
	RegA4
	RegA5
	RegA6
	RegA7
	RegS2
	RegS3
	RegS4
	RegS5
	RegS6
	RegS7
	RegS8
	RegS9
	RegS10
	RegS11
	RegT3
	RegT4
	RegT5
	RegT6
)

var gprNames = [...]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// String returns the ABI name.
func (r GPR) String() string {
	if r < RegZero || r > RegT6 {
		return fmt.Sprintf("x%d?", int(r))
	}
	return gprNames[r]
}

// Reg returns the saved value of r.
func (f *TrapFrame) Reg(r GPR) uint64 {
	if r <= RegZero || r > RegT6 {
		return 0
	}
	return f.Regs[r]
}
