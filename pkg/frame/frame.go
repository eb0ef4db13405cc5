// Package frame lays out the activation record of one function: where every
// local lives and how much stack the locals need.
package frame

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

const slotSize = 8

// ErrLocalIndex is returned for a local index past the end of the table.
var ErrLocalIndex = errors.New("local index out of range")

// Frame layout (callee's view, stack grows down):
//
//	+---------------------------+
//	| Incoming stack arguments  |  FP + ArgBase + offset
//	| Return address / saved FP |
//	+---------------------------+  <- FP
//	| Register arguments        |  FP - 8, FP - 16, ...
//	| Declared locals           |  zeroed by the prologue
//	| Padding to StackAlign     |
//	+---------------------------+  <- SP after the prologue
//	| Spilled operands          |  pushed and popped during codegen
//	| Outgoing arguments        |  reserved around each call
//	+---------------------------+

// Local is the storage of one local, parameters first.
type Local struct {
	Ty   wasm.ValType
	Addr masm.Address
	// Param is set for function parameters; Arg is where the caller
	// passed them.
	Param bool
	Arg   abi.Arg
}

// Frame is the local table and locals area size of one function.
type Frame struct {
	Locals []Local
	// LocalsSize is the bytes reserved below FP for locals, a multiple of
	// Align.
	LocalsSize uint32
	Align      uint32
	// DefinedStart is the index of the first declared (non-parameter)
	// local.
	DefinedStart int
}

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// New computes the frame for a function with classified signature sig and
// declared locals defined.
func New(sig abi.Sig, defined []wasm.ValType, conv abi.Convention) (*Frame, error) {
	if uint64(len(sig.Params))+uint64(len(defined)) > wasm.MaxLocals {
		return nil, wasm.ErrTooManyLocals
	}
	f := &Frame{
		Locals:       make([]Local, 0, len(sig.Params)+len(defined)),
		Align:        conv.StackAlign,
		DefinedStart: len(sig.Params),
	}
	var used uint32
	next := func() masm.Address {
		used += slotSize
		return masm.FPAddr(-int32(used))
	}
	for _, a := range sig.Params {
		l := Local{Ty: a.Type(), Param: true, Arg: a}
		switch a := a.(type) {
		case abi.RegArg:
			l.Addr = next()
		case abi.StackArg:
			l.Addr = masm.FPAddr(int32(conv.ArgBase + a.Offset))
		}
		f.Locals = append(f.Locals, l)
	}
	for _, t := range defined {
		if !wasm.Valid(t) {
			return nil, fmt.Errorf("declared local %d: invalid type %s", len(f.Locals), wasm.TypeName(t))
		}
		f.Locals = append(f.Locals, Local{Ty: t, Addr: next()})
	}
	f.LocalsSize = alignUp(used, conv.StackAlign)
	return f, nil
}

// Local returns local i.
func (f *Frame) Local(i uint32) (Local, error) {
	if int(i) >= len(f.Locals) {
		return Local{}, fmt.Errorf("%w: %d of %d", ErrLocalIndex, i, len(f.Locals))
	}
	return f.Locals[i], nil
}

// ScanLocals reads the declared locals of body, registering each run with
// the validator, and returns one type per declared local.
func ScanLocals(body wasm.FunctionBody, v wasm.Validator) ([]wasm.ValType, error) {
	var out []wasm.ValType
	for _, d := range body.Locals {
		if v != nil {
			if err := v.DefineLocals(d.Count, d.Type); err != nil {
				return nil, err
			}
		}
		if uint64(len(out))+uint64(d.Count) > wasm.MaxLocals {
			return nil, wasm.ErrTooManyLocals
		}
		for i := uint32(0); i < d.Count; i++ {
			out = append(out, d.Type)
		}
	}
	return out, nil
}

// EmitPrologue saves the caller's frame, reserves the locals area, moves
// register arguments into their slots and zeroes the declared locals.
func (f *Frame) EmitPrologue(m masm.MacroAssembler) {
	m.Prologue()
	if f.LocalsSize > 0 {
		m.ReserveStack(f.LocalsSize)
	}
	for i, l := range f.Locals {
		if i < f.DefinedStart {
			if ra, ok := l.Arg.(abi.RegArg); ok {
				m.Store(masm.R(ra.Reg), l.Addr, masm.SizeOf(l.Ty))
			}
			continue
		}
		// Slots are 8 bytes regardless of type, so zero them whole.
		m.Store(masm.I(0), l.Addr, masm.S64)
	}
}

// EmitEpilogue releases the frame and returns.
func (f *Frame) EmitEpilogue(m masm.MacroAssembler) {
	m.Epilogue()
}
