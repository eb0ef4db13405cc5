// Package reg names physical registers independently of any instruction set.
package reg

import (
	"fmt"

	"github.com/raymyers/wasmbc/pkg/wasm"
)

// Class is a register file.
type Class uint8

const (
	Int   Class = iota // general purpose
	Float              // floating point / vector
)

func (c Class) String() string {
	if c == Float {
		return "float"
	}
	return "int"
}

// ClassOf returns the register class values of type t live in.
func ClassOf(t wasm.ValType) Class {
	if wasm.IsFloat(t) {
		return Float
	}
	return Int
}

// Reg is a physical register: its class and hardware encoding.
type Reg struct {
	Class Class
	HW    uint8
}

// GPR returns the general purpose register with hardware encoding hw.
func GPR(hw uint8) Reg { return Reg{Class: Int, HW: hw} }

// FPR returns the floating point register with hardware encoding hw.
func FPR(hw uint8) Reg { return Reg{Class: Float, HW: hw} }

func (r Reg) IsInt() bool   { return r.Class == Int }
func (r Reg) IsFloat() bool { return r.Class == Float }

func (r Reg) String() string {
	if r.Class == Float {
		return fmt.Sprintf("f%d", r.HW)
	}
	return fmt.Sprintf("r%d", r.HW)
}
