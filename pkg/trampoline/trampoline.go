// Package trampoline generates host-to-wasm adapters. An adapter has the
// same native signature for every wasm function type:
//
//	adapter(callee, values uintptr)
//
// values points at an array of 16-byte slots. Argument i is read from slot
// i; a result, if any, is written back to slot 0. This lets a host call any
// compiled function without knowing its signature.
//
// An adapter bridges two conventions. The generic one is fixed: callee and
// values arrive in the first two integer argument registers of the native
// convention and every value lives in the slot array. The native one is
// Target.Conv, the convention the callee was compiled with.
package trampoline

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// SlotSize is the width of one value slot, wide enough for any scalar.
const SlotSize = 16

// ErrValuesRegister is returned when Target.Values collides with a
// register the convention uses.
var ErrValuesRegister = errors.New("values register is used by the calling convention")

// Target describes the native side of the adapter. The generic side needs
// no description beyond SlotSize.
type Target struct {
	Conv abi.Convention
	// Values holds the slot array pointer while arguments are loaded and
	// the callee address at the call. The assembler must not use it
	// internally and it must not be an argument or result register.
	Values  reg.Reg
	NewMasm func() (masm.MacroAssembler, error)
}

func (t Target) check() error {
	if len(t.Conv.IntArgs) < 2 {
		return fmt.Errorf("convention %s passes fewer than two integer arguments in registers", t.Conv.CallConv)
	}
	for _, pool := range [][]reg.Reg{t.Conv.IntArgs, t.Conv.FloatArgs, t.Conv.IntResults, t.Conv.FloatResults} {
		for _, r := range pool {
			if r == t.Values {
				return fmt.Errorf("%w: %s", ErrValuesRegister, r)
			}
		}
	}
	return nil
}

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

// Compile emits the adapter for functions of type ty.
func Compile(t Target, ty wasm.FuncType) (compiled.Function, error) {
	if err := t.check(); err != nil {
		return compiled.Function{}, err
	}
	sig, err := abi.Classify(ty, t.Conv)
	if err != nil {
		return compiled.Function{}, err
	}
	m, err := t.NewMasm()
	if err != nil {
		return compiled.Function{}, err
	}
	calleeArg, valuesArg := t.Conv.IntArgs[0], t.Conv.IntArgs[1]

	m.Prologue()
	callee := m.Push(masm.R(calleeArg), masm.S64)
	values := m.Push(masm.R(valuesArg), masm.S64)
	m.Mov(masm.R(valuesArg), t.Values, masm.S64)

	sp := m.SPOffset()
	reserved := alignUp(sp+sig.StackBytes, t.Conv.StackAlign) - sp
	m.ReserveStack(reserved)
	for i, a := range sig.Params {
		src := masm.RegAddr(t.Values, int32(i*SlotSize))
		size := masm.SizeOf(a.Type())
		switch a := a.(type) {
		case abi.RegArg:
			m.Load(src, a.Reg, size)
		case abi.StackArg:
			m.Copy(src, masm.SPAddr(a.Offset), size)
		}
	}
	m.Load(masm.FPAddr(-int32(callee)), t.Values, masm.S64)
	m.Call(masm.CallTarget{Kind: masm.CallIndirect, Reg: t.Values})
	m.FreeStack(reserved)

	if r, ok := sig.ResultReg(); ok {
		m.Load(masm.FPAddr(-int32(values)), t.Values, masm.S64)
		m.Store(masm.R(r), masm.RegAddr(t.Values, 0), masm.SizeOf(ty.Results[0]))
	}
	m.Epilogue()
	return m.Finalize()
}
