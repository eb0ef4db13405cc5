// Package arm64 is the AArch64 backend: register conventions, a macro
// assembler encoding through golang-asm, and the target object.
package arm64

import (
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
)

// X returns general purpose register n, V returns vector register n.
func X(n uint8) reg.Reg { return reg.GPR(n) }
func V(n uint8) reg.Reg { return reg.FPR(n) }

var (
	// scratch and scratch2 are the intra-procedure-call registers; the
	// code generator may use them between instructions.
	scratch  = X(16)
	scratch2 = X(17)
	// tmp is private to the macro assembler: constants and memory to
	// memory copies. R27 is golang-asm's own temporary.
	tmp = X(15)
	// fscratch holds popcount and constant intermediates.
	fscratch = V(31)
)

func xs(from, to uint8) []reg.Reg {
	out := make([]reg.Reg, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, X(n))
	}
	return out
}

func vs(from, to uint8) []reg.Reg {
	out := make([]reg.Reg, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, V(n))
	}
	return out
}

func aapcs(cc abi.CallConv) abi.Convention {
	return abi.Convention{
		CallConv:     cc,
		IntArgs:      xs(0, 7),
		FloatArgs:    vs(0, 7),
		IntResults:   []reg.Reg{X(0)},
		FloatResults: []reg.Reg{V(0)},
		StackAlign:   16,
		SlotSize:     8,
		ArgBase:      16,
	}
}

// AAPCS64 is the standard procedure call standard.
func AAPCS64() abi.Convention { return aapcs(abi.AAPCS64) }

// AppleAarch64 is the Darwin variant. Darwin packs stack arguments at
// their natural size; compiled code and adapters here both use 8-byte
// slots instead, so only calls between them are compatible.
func AppleAarch64() abi.Convention { return aapcs(abi.AppleAarch64) }

// Convention returns the register pools for cc.
func Convention(cc abi.CallConv) abi.Convention {
	if cc == abi.AppleAarch64 {
		return AppleAarch64()
	}
	return AAPCS64()
}

// Allocatable returns the registers the code generator may hand out. V8-V15
// are callee-saved in their low halves and stay untouched.
func Allocatable() regalloc.RegSet {
	regs := xs(0, 14)
	regs = append(regs, vs(0, 7)...)
	regs = append(regs, vs(16, 30)...)
	return regalloc.NewRegSet(regs...)
}

// Scratch returns the registers reserved for the macro assembler.
func Scratch() regalloc.RegSet { return regalloc.NewRegSet(scratch, scratch2, tmp, fscratch) }

func regNum(r reg.Reg) int16 {
	if r.IsFloat() {
		return arm64.REG_F0 + int16(r.HW)
	}
	return arm64.REG_R0 + int16(r.HW)
}

func vregNum(r reg.Reg) int16 { return arm64.REG_V0 + int16(r.HW) }
