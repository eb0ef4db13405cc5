// Package masm is the instruction-set-agnostic macro assembler surface the
// code generator and trampoline generator emit through. Each backend owns
// its encoder and its register conventions; callers only ever see reg.Reg
// values and the operand types defined here.
package masm

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// ErrUnsupported is returned for operations the target cannot encode with
// its enabled features.
var ErrUnsupported = errors.New("unsupported on this target")

// OperandSize is the width of an operation.
type OperandSize uint8

const (
	S32 OperandSize = 4
	S64 OperandSize = 8
)

// SizeOf is the operand size of values of type t.
func SizeOf(t wasm.ValType) OperandSize {
	if wasm.Is64(t) {
		return S64
	}
	return S32
}

// Bits is the width in bits.
func (s OperandSize) Bits() uint32 { return uint32(s) * 8 }

func (s OperandSize) String() string { return fmt.Sprintf("s%d", s.Bits()) }

// RegImm is a register or an immediate operand.
type RegImm struct {
	Reg   reg.Reg
	Imm   uint64
	IsImm bool
	// Float marks an immediate holding float bits.
	Float bool
}

// R wraps a register operand.
func R(r reg.Reg) RegImm { return RegImm{Reg: r} }

// I wraps an integer immediate.
func I(v uint64) RegImm { return RegImm{Imm: v, IsImm: true} }

// F wraps the bit pattern of a float immediate.
func F(bits uint64) RegImm { return RegImm{Imm: bits, IsImm: true, Float: true} }

func (o RegImm) String() string {
	if o.IsImm {
		return fmt.Sprintf("$%#x", o.Imm)
	}
	return o.Reg.String()
}

// Base selects the register an Address is relative to.
type Base uint8

const (
	// FP addresses the current frame: locals and spill slots sit below
	// the frame pointer, incoming stack arguments above it.
	FP Base = iota
	// SP addresses the outgoing argument area at a call.
	SP
	// Register addresses memory relative to Address.Reg.
	Register
)

// Address is a memory operand.
type Address struct {
	Base   Base
	Reg    reg.Reg
	Offset int32
}

// FPAddr is a frame-pointer-relative address.
func FPAddr(offset int32) Address { return Address{Base: FP, Offset: offset} }

// SPAddr is a stack-pointer-relative address.
func SPAddr(offset uint32) Address { return Address{Base: SP, Offset: int32(offset)} }

// RegAddr is an address relative to a general purpose register.
func RegAddr(r reg.Reg, offset int32) Address { return Address{Base: Register, Reg: r, Offset: offset} }

func (a Address) String() string {
	switch a.Base {
	case FP:
		return fmt.Sprintf("[fp%+d]", a.Offset)
	case SP:
		return fmt.Sprintf("[sp%+d]", a.Offset)
	}
	return fmt.Sprintf("[%s%+d]", a.Reg, a.Offset)
}

// Label is a code position that may be referenced before it is bound.
type Label int

// CallKind distinguishes call targets.
type CallKind uint8

const (
	// CallDirect calls a module-local function through a relocation.
	CallDirect CallKind = iota
	// CallLib calls a runtime library routine through a relocation.
	CallLib
	// CallIndirect calls the address held in a register.
	CallIndirect
)

// CallTarget is what a call instruction transfers control to.
type CallTarget struct {
	Kind    CallKind
	Func    uint32
	LibCall compiled.LibCall
	Reg     reg.Reg
}

// IntOp is a two-operand integer instruction: dst = dst op src.
type IntOp uint8

const (
	IntAdd IntOp = iota
	IntSub
	IntMul
	IntAnd
	IntOr
	IntXor
)

// ShiftKind is a shift or rotate.
type ShiftKind uint8

const (
	Shl ShiftKind = iota
	ShrS
	ShrU
	Rotl
	Rotr
)

// DivKind is signed or unsigned division.
type DivKind uint8

const (
	DivS DivKind = iota
	DivU
)

// RemKind is signed or unsigned remainder.
type RemKind uint8

const (
	RemS RemKind = iota
	RemU
)

// UnOp is a one-operand integer instruction.
type UnOp uint8

const (
	Clz UnOp = iota
	Ctz
	Popcnt
)

// FloatOp is a two-operand float instruction: dst = dst op src.
type FloatOp uint8

const (
	FloatAdd FloatOp = iota
	FloatSub
	FloatMul
	FloatDiv
)

// FloatUnOp is a one-operand float instruction.
type FloatUnOp uint8

const (
	FloatNeg FloatUnOp = iota
	FloatAbs
)

// RoundMode selects a float rounding instruction.
type RoundMode uint8

const (
	RoundFloor RoundMode = iota
	RoundCeil
	RoundTrunc
	RoundNearest
)

// IntCmpKind is an integer comparison.
type IntCmpKind uint8

const (
	Eq IntCmpKind = iota
	Ne
	LtS
	LtU
	GtS
	GtU
	LeS
	LeU
	GeS
	GeU
)

// FloatCmpKind is an ordered float comparison; every comparison except Ne
// is false on NaN operands.
type FloatCmpKind uint8

const (
	FEq FloatCmpKind = iota
	FNe
	FLt
	FGt
	FLe
	FGe
)

// ConvKind is a conversion between value types.
type ConvKind uint8

const (
	WrapI64 ConvKind = iota
	ExtendI32S
	ExtendI32U
	DemoteF64
	PromoteF32
	ReinterpretF32AsI32
	ReinterpretF64AsI64
	ReinterpretI32AsF32
	ReinterpretI64AsF64
)

// Constraints lists fixed registers some instructions require. A zero
// value in Has* means the backend has no constraint for that group.
type Constraints struct {
	// ShiftCount must hold a non-immediate shift or rotate amount.
	ShiftCount    reg.Reg
	HasShiftCount bool
	// Dividend must hold the left operand of Div and Rem; the result is
	// left there too. DivClobber is destroyed by the instruction.
	Dividend   reg.Reg
	DivClobber reg.Reg
	HasDivRegs bool
}

// MacroAssembler emits one function. Stack bookkeeping: SPOffset is the
// distance in bytes from the frame pointer down to the stack pointer; the
// prologue leaves it at zero.
type MacroAssembler interface {
	Prologue()
	// Epilogue restores the caller's frame and returns.
	Epilogue()

	// ReserveStack moves the stack pointer down by n bytes.
	ReserveStack(n uint32)
	// FreeStack moves the stack pointer up by n bytes.
	FreeStack(n uint32)
	// ResetStack emits the adjustment that brings the stack pointer to
	// offset and records it.
	ResetStack(offset uint32)
	SPOffset() uint32
	// SetSPOffset changes the recorded offset without emitting code, for
	// positions reached only by jumps from code with a different offset.
	SetSPOffset(offset uint32)
	// Push reserves one stack slot, stores src there and returns its
	// offset below the frame pointer.
	Push(src RegImm, size OperandSize) uint32
	// PushFrom is Push with the value read from memory.
	PushFrom(src Address, size OperandSize) uint32
	// Pop loads the slot at the top of the stack into dst and frees it.
	Pop(dst reg.Reg, size OperandSize)
	// SlotSize is the bytes one Push reserves.
	SlotSize() uint32

	Mov(src RegImm, dst reg.Reg, size OperandSize)
	Load(src Address, dst reg.Reg, size OperandSize)
	Store(src RegImm, dst Address, size OperandSize)
	// Copy moves a value between two memory operands through a scratch
	// register.
	Copy(src, dst Address, size OperandSize)

	IntBinop(op IntOp, dst reg.Reg, src RegImm, size OperandSize)
	Shift(kind ShiftKind, dst reg.Reg, src RegImm, size OperandSize)
	Div(kind DivKind, dst, rhs reg.Reg, size OperandSize)
	Rem(kind RemKind, dst, rhs reg.Reg, size OperandSize)
	Unop(op UnOp, dst, src reg.Reg, size OperandSize) error
	FloatBinop(op FloatOp, dst, src reg.Reg, size OperandSize)
	FloatUnop(op FloatUnOp, dst reg.Reg, size OperandSize)
	// Round emits a native rounding instruction, or reports false when
	// the target needs a library call instead.
	Round(mode RoundMode, dst, src reg.Reg, size OperandSize) bool
	Cmp(kind IntCmpKind, dst, lhs reg.Reg, rhs RegImm, size OperandSize)
	FloatCmp(kind FloatCmpKind, dst, lhs, rhs reg.Reg, size OperandSize)
	Convert(kind ConvKind, dst, src reg.Reg)

	NewLabel() Label
	Bind(l Label)
	Jmp(l Label)
	// BranchIf jumps to l when the comparison of lhs and rhs holds.
	BranchIf(kind IntCmpKind, lhs reg.Reg, rhs RegImm, size OperandSize, l Label)

	Call(target CallTarget)
	// Trap emits an instruction that always faults and records code at it.
	Trap(code compiled.TrapCode)

	Constraints() Constraints
	// Finalize encodes the function. The assembler must not be used after.
	Finalize() (compiled.Function, error)
}
