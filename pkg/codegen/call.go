package codegen

import (
	"fmt"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/stack"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

func (c *CodeGen) emitCall(op *wasm.Operator) error {
	if int(op.Index) >= len(c.funcs) {
		return fmt.Errorf("%w: call to unknown function %d", wasm.ErrInvalid, op.Index)
	}
	return c.call(c.funcs[op.Index], masm.CallTarget{Kind: masm.CallDirect, Func: op.Index})
}

// call emits a call to a function of type ty whose arguments are the top
// len(ty.Params) operands. Every allocatable register is caller-saved, so
// the whole operand stack is spilled first.
func (c *CodeGen) call(ty wasm.FuncType, target masm.CallTarget) error {
	sig, err := abi.Classify(ty, c.conv)
	if err != nil {
		return err
	}
	n := len(ty.Params)
	if c.Stack.Len() < n {
		return fmt.Errorf("%w: call needs %d arguments, stack holds %d", stack.ErrUnderflow, n, c.Stack.Len())
	}
	if err := c.spillAll(); err != nil {
		return err
	}
	sp := c.Masm.SPOffset()
	reserved := alignUp(sp+sig.StackBytes, c.conv.StackAlign) - sp
	if reserved > 0 {
		c.Masm.ReserveStack(reserved)
	}
	base := c.Stack.Len() - n
	for i, a := range sig.Params {
		v := c.Stack.At(base + i)
		switch a := a.(type) {
		case abi.RegArg:
			err = c.copyInto(v, a.Reg)
		case abi.StackArg:
			err = c.storeTo(v, masm.SPAddr(a.Offset))
		}
		if err != nil {
			return err
		}
	}
	c.Masm.Call(target)
	if reserved > 0 {
		c.Masm.FreeStack(reserved)
	}
	args, err := c.Stack.TruncateTo(base, c.Regs)
	if err != nil {
		return err
	}
	if err := c.releaseSlots(args); err != nil {
		return err
	}
	if r, ok := sig.ResultReg(); ok {
		if err := c.Regs.Take(r); err != nil {
			return err
		}
		c.pushReg(r, ty.Results[0])
	}
	return nil
}
