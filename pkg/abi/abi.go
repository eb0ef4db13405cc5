// Package abi classifies function signatures against a calling convention:
// every parameter and the result get a register or a stack slot, and the
// outgoing stack-argument area gets a size.
package abi

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

var (
	// ErrNoResultRegisters is returned when a signature has results but the
	// convention has no register of the result's class to return it in.
	ErrNoResultRegisters = errors.New("calling convention has no result registers")
	// ErrMultiValue is returned for signatures with more than one result.
	ErrMultiValue = errors.New("multiple result values are not supported")
)

// CallConv names a calling convention.
type CallConv uint8

const (
	SystemV CallConv = iota
	WindowsFastcall
	AppleAarch64
	AAPCS64
)

func (c CallConv) String() string {
	switch c {
	case SystemV:
		return "system_v"
	case WindowsFastcall:
		return "windows_fastcall"
	case AppleAarch64:
		return "apple_aarch64"
	case AAPCS64:
		return "aapcs64"
	}
	return fmt.Sprintf("callconv(%d)", uint8(c))
}

// DefaultCallConv is the native convention of a target triple.
func DefaultCallConv(t triple.Triple) CallConv {
	switch t.Arch {
	case triple.Aarch64:
		if t.OS == triple.Darwin {
			return AppleAarch64
		}
		return AAPCS64
	default:
		if t.OS == triple.Windows {
			return WindowsFastcall
		}
		return SystemV
	}
}

// Convention is the register pools and stack rules of one calling
// convention on one architecture.
type Convention struct {
	CallConv     CallConv
	IntArgs      []reg.Reg
	FloatArgs    []reg.Reg
	IntResults   []reg.Reg
	FloatResults []reg.Reg
	// StackAlign is the required stack alignment at a call instruction.
	StackAlign uint32
	// SlotSize is the size of one stack argument slot, the pointer width.
	SlotSize uint32
	// ShadowSpace is caller-reserved space below the first stack argument.
	ShadowSpace uint32
	// Positional conventions consume one register of every class per
	// parameter, so parameter i can only use register i of its class.
	Positional bool
	// ArgBase is the distance from the callee's frame pointer to the
	// caller's outgoing argument area.
	ArgBase uint32
}

// Arg is the location of one parameter or result: a RegArg or a StackArg.
type Arg interface {
	Type() wasm.ValType
	implArg()
}

// RegArg is passed in a register.
type RegArg struct {
	Reg reg.Reg
	Ty  wasm.ValType
}

// StackArg is passed in the outgoing argument area at Offset from the stack
// pointer at the call.
type StackArg struct {
	Offset uint32
	Ty     wasm.ValType
}

func (a RegArg) Type() wasm.ValType   { return a.Ty }
func (a StackArg) Type() wasm.ValType { return a.Ty }
func (RegArg) implArg()               {}
func (StackArg) implArg()             {}

func (a RegArg) String() string   { return fmt.Sprintf("%s:%s", a.Reg, wasm.TypeName(a.Ty)) }
func (a StackArg) String() string { return fmt.Sprintf("[sp+%d]:%s", a.Offset, wasm.TypeName(a.Ty)) }

// Sig is a signature classified for one convention.
type Sig struct {
	Params []Arg
	// Result is nil for functions without a result.
	Result Arg
	// StackBytes is the outgoing argument area size, a multiple of Align.
	StackBytes uint32
	Align      uint32
}

// HasResult reports whether the function returns a value.
func (s Sig) HasResult() bool { return s.Result != nil }

// ResultReg returns the register holding the result.
func (s Sig) ResultReg() (reg.Reg, bool) {
	r, ok := s.Result.(RegArg)
	return r.Reg, ok
}

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// Classify assigns locations to the parameters and result of ty. Parameters
// are taken left to right from the pool of their class. The first parameter
// that finds its pool empty, and every parameter after it whatever its
// class, goes to consecutive pointer-aligned stack slots.
func Classify(ty wasm.FuncType, conv Convention) (Sig, error) {
	if len(ty.Results) > 1 {
		return Sig{}, fmt.Errorf("%w: %s", ErrMultiValue, ty)
	}
	slot := conv.SlotSize
	if slot == 0 {
		slot = 8
	}
	sig := Sig{Params: make([]Arg, 0, len(ty.Params)), Align: conv.StackAlign}
	var nextInt, nextFloat int
	onStack := false
	cursor := conv.ShadowSpace
	for i, p := range ty.Params {
		pool, next := conv.IntArgs, &nextInt
		if wasm.IsFloat(p) {
			pool, next = conv.FloatArgs, &nextFloat
		}
		if conv.Positional {
			nextInt, nextFloat = i, i
		}
		if !onStack && *next < len(pool) {
			sig.Params = append(sig.Params, RegArg{Reg: pool[*next], Ty: p})
			*next++
			continue
		}
		onStack = true
		cursor = alignUp(cursor, slot)
		sig.Params = append(sig.Params, StackArg{Offset: cursor, Ty: p})
		cursor += slot
	}
	sig.StackBytes = alignUp(cursor, conv.StackAlign)

	if len(ty.Results) == 1 {
		t := ty.Results[0]
		pool := conv.IntResults
		if wasm.IsFloat(t) {
			pool = conv.FloatResults
		}
		if len(pool) == 0 {
			return Sig{}, fmt.Errorf("%w: %s result in %s", ErrNoResultRegisters, wasm.TypeName(t), conv.CallConv)
		}
		sig.Result = RegArg{Reg: pool[0], Ty: t}
	}
	return sig, nil
}
