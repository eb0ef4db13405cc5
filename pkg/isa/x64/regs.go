// Package x64 is the x86-64 backend: register conventions, a macro
// assembler encoding through golang-asm, and the target object.
package x64

import (
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
)

// Hardware encodings of the general purpose registers.
const (
	rax uint8 = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

var (
	RAX = reg.GPR(rax)
	RCX = reg.GPR(rcx)
	RDX = reg.GPR(rdx)
	RSI = reg.GPR(rsi)
	RDI = reg.GPR(rdi)
	R8  = reg.GPR(r8)
	R9  = reg.GPR(r9)

	// scratch is used by the macro assembler for immediates and
	// memory-to-memory moves; scratch2 by multi-step sequences.
	scratch  = reg.GPR(r11)
	scratch2 = reg.GPR(r10)
	// fscratch holds float masks.
	fscratch = reg.FPR(15)
)

func xmm(n uint8) reg.Reg { return reg.FPR(n) }

func xmms(from, to uint8) []reg.Reg {
	out := make([]reg.Reg, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, xmm(n))
	}
	return out
}

// SystemV is the System V AMD64 calling convention.
func SystemV() abi.Convention {
	return abi.Convention{
		CallConv:     abi.SystemV,
		IntArgs:      []reg.Reg{RDI, RSI, RDX, RCX, R8, R9},
		FloatArgs:    xmms(0, 7),
		IntResults:   []reg.Reg{RAX},
		FloatResults: []reg.Reg{xmm(0)},
		StackAlign:   16,
		SlotSize:     8,
		ArgBase:      16,
	}
}

// WindowsFastcall is the Microsoft x64 calling convention.
func WindowsFastcall() abi.Convention {
	return abi.Convention{
		CallConv:     abi.WindowsFastcall,
		IntArgs:      []reg.Reg{RCX, RDX, R8, R9},
		FloatArgs:    xmms(0, 3),
		IntResults:   []reg.Reg{RAX},
		FloatResults: []reg.Reg{xmm(0)},
		StackAlign:   16,
		SlotSize:     8,
		ShadowSpace:  32,
		Positional:   true,
		ArgBase:      16,
	}
}

// Convention returns the register pools for cc.
func Convention(cc abi.CallConv) abi.Convention {
	if cc == abi.WindowsFastcall {
		return WindowsFastcall()
	}
	return SystemV()
}

// Allocatable returns the registers the code generator may hand out under
// cc. Only caller-saved registers are used, so compiled functions never
// need to save anything for their caller.
func Allocatable(cc abi.CallConv) regalloc.RegSet {
	if cc == abi.WindowsFastcall {
		return regalloc.NewRegSet(append([]reg.Reg{RAX, RCX, RDX, R8, R9}, xmms(0, 5)...)...)
	}
	return regalloc.NewRegSet(append([]reg.Reg{RAX, RCX, RDX, RSI, RDI, R8, R9}, xmms(0, 14)...)...)
}

// Scratch returns the registers reserved for the macro assembler.
func Scratch() regalloc.RegSet { return regalloc.NewRegSet(scratch, scratch2, fscratch) }

func regNum(r reg.Reg) int16 {
	if r.IsFloat() {
		return x86.REG_X0 + int16(r.HW)
	}
	return x86.REG_AX + int16(r.HW)
}
