package codegen

import (
	"errors"

	"github.com/raymyers/wasmbc/pkg/frame"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
	"github.com/raymyers/wasmbc/pkg/stack"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// Context is the per-function state shared by every emitter: the operand
// stack, the register allocator, the frame and the assembler.
//
// The operand stack keeps one ordering rule. Memory entries are pushed to
// the machine stack in stack order, so every KindMem entry sits below every
// KindReg and KindLocal entry, and popping a KindMem entry always pops the
// top slot. Spilling therefore always proceeds bottom up.
type Context struct {
	Masm  masm.MacroAssembler
	Frame *frame.Frame
	Stack *stack.Stack
	Regs  *regalloc.Allocator
}

func sizeOf(v stack.Val) masm.OperandSize { return masm.SizeOf(v.Ty) }

// imm returns the immediate operand of an Imm entry.
func imm(v stack.Val) masm.RegImm {
	if wasm.IsFloat(v.Ty) {
		return masm.F(v.Imm)
	}
	return masm.I(v.Imm)
}

func (c *Context) localAddr(v stack.Val) (masm.Address, error) {
	l, err := c.Frame.Local(v.Local)
	if err != nil {
		return masm.Address{}, err
	}
	return l.Addr, nil
}

func slotAddr(v stack.Val) masm.Address { return masm.FPAddr(-int32(v.Offset)) }

// spillTo moves every Reg and Local entry at index i or below to a stack
// slot, bottom up.
func (c *Context) spillTo(i int) error {
	for j := 0; j <= i; j++ {
		v := c.Stack.At(j)
		switch v.Kind {
		case stack.KindReg:
			off := c.Masm.Push(masm.R(v.Reg), sizeOf(v))
			if err := c.Regs.Free(v.Reg); err != nil {
				return err
			}
			c.Stack.Set(j, stack.MemVal(off, v.Ty))
		case stack.KindLocal:
			addr, err := c.localAddr(v)
			if err != nil {
				return err
			}
			off := c.Masm.PushFrom(addr, sizeOf(v))
			c.Stack.Set(j, stack.MemVal(off, v.Ty))
		}
	}
	return nil
}

func (c *Context) spillAll() error { return c.spillTo(c.Stack.Len() - 1) }

// allocReg hands out a free register of class cl, spilling the oldest
// register-resident entry of that class when none is free.
func (c *Context) allocReg(cl reg.Class) (reg.Reg, error) {
	for {
		r, err := c.Regs.Alloc(cl)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, regalloc.ErrExhausted) {
			return reg.Reg{}, err
		}
		i := c.Stack.OldestReg(cl)
		if i < 0 {
			return reg.Reg{}, invariant("no %s register to spill", cl)
		}
		if err := c.spillTo(i); err != nil {
			return reg.Reg{}, err
		}
	}
}

// reserve claims the fixed register r, spilling the entry that holds it.
func (c *Context) reserve(r reg.Reg) error {
	if c.Regs.IsFree(r) {
		return c.Regs.Take(r)
	}
	i := c.Stack.IndexOfReg(r)
	if i < 0 {
		return invariant("register %s is held outside the operand stack", r)
	}
	if err := c.spillTo(i); err != nil {
		return err
	}
	return c.Regs.Take(r)
}

func (c *Context) free(r reg.Reg) error { return c.Regs.Free(r) }

// popSlot loads the top machine stack slot, which must belong to v.
func (c *Context) popSlot(v stack.Val, dst reg.Reg) error {
	if sp := c.Masm.SPOffset(); v.Offset != sp {
		return invariant("popping slot %d with the stack pointer at %d", v.Offset, sp)
	}
	c.Masm.Pop(dst, sizeOf(v))
	return nil
}

// moveInto places a popped entry in dst, which the caller owns, and
// releases whatever v held.
func (c *Context) moveInto(v stack.Val, dst reg.Reg) error {
	switch v.Kind {
	case stack.KindReg:
		if v.Reg == dst {
			return nil
		}
		c.Masm.Mov(masm.R(v.Reg), dst, sizeOf(v))
		return c.free(v.Reg)
	case stack.KindMem:
		return c.popSlot(v, dst)
	case stack.KindImm:
		c.Masm.Mov(imm(v), dst, sizeOf(v))
	case stack.KindLocal:
		addr, err := c.localAddr(v)
		if err != nil {
			return err
		}
		c.Masm.Load(addr, dst, sizeOf(v))
	}
	return nil
}

// copyInto places the value of a live entry in dst without changing the
// entry or the stack pointer.
func (c *Context) copyInto(v stack.Val, dst reg.Reg) error {
	switch v.Kind {
	case stack.KindReg:
		if v.Reg != dst {
			c.Masm.Mov(masm.R(v.Reg), dst, sizeOf(v))
		}
	case stack.KindMem:
		c.Masm.Load(slotAddr(v), dst, sizeOf(v))
	case stack.KindImm:
		c.Masm.Mov(imm(v), dst, sizeOf(v))
	case stack.KindLocal:
		addr, err := c.localAddr(v)
		if err != nil {
			return err
		}
		c.Masm.Load(addr, dst, sizeOf(v))
	}
	return nil
}

// storeTo writes a live entry to memory without changing the entry.
func (c *Context) storeTo(v stack.Val, dst masm.Address) error {
	switch v.Kind {
	case stack.KindReg:
		c.Masm.Store(masm.R(v.Reg), dst, sizeOf(v))
	case stack.KindMem:
		c.Masm.Copy(slotAddr(v), dst, sizeOf(v))
	case stack.KindImm:
		c.Masm.Store(imm(v), dst, sizeOf(v))
	case stack.KindLocal:
		addr, err := c.localAddr(v)
		if err != nil {
			return err
		}
		c.Masm.Copy(addr, dst, sizeOf(v))
	}
	return nil
}

// popReg pops the top entry into a register the caller then owns.
func (c *Context) popReg(cl reg.Class) (reg.Reg, stack.Val, error) {
	v, err := c.Stack.Pop()
	if err != nil {
		return reg.Reg{}, v, err
	}
	if v.IsReg() {
		return v.Reg, v, nil
	}
	r, err := c.allocReg(cl)
	if err != nil {
		return reg.Reg{}, v, err
	}
	return r, v, c.moveInto(v, r)
}

// popRegImm pops the top entry as an operand, leaving constants
// unmaterialized. The returned release frees the register, if any.
func (c *Context) popRegImm(cl reg.Class) (masm.RegImm, func() error, error) {
	v, err := c.Stack.Peek(0)
	if err != nil {
		return masm.RegImm{}, nil, err
	}
	if v.IsImm() {
		c.Stack.Pop()
		return imm(v), func() error { return nil }, nil
	}
	r, _, err := c.popReg(cl)
	if err != nil {
		return masm.RegImm{}, nil, err
	}
	return masm.R(r), func() error { return c.free(r) }, nil
}

// popToReg pops the top entry into the fixed register r.
func (c *Context) popToReg(r reg.Reg) (stack.Val, error) {
	v, err := c.Stack.Pop()
	if err != nil {
		return v, err
	}
	if v.IsReg() && v.Reg == r {
		return v, nil
	}
	if err := c.reserve(r); err != nil {
		return v, err
	}
	return v, c.moveInto(v, r)
}

// popInto pops the top entry into r, which the caller already reserved.
func (c *Context) popInto(r reg.Reg) (stack.Val, error) {
	v, err := c.Stack.Pop()
	if err != nil {
		return v, err
	}
	return v, c.moveInto(v, r)
}

// release gives back whatever a popped entry still holds.
func (c *Context) release(v stack.Val) error {
	switch v.Kind {
	case stack.KindReg:
		return c.free(v.Reg)
	case stack.KindMem:
		return c.releaseSlots([]stack.Val{v})
	}
	return nil
}

// releaseSlots frees the machine stack slots of entries that were removed
// from the top of the operand stack.
func (c *Context) releaseSlots(vals []stack.Val) error {
	var low, high uint32
	found := false
	for _, v := range vals {
		if !v.IsMem() {
			continue
		}
		if !found || v.Offset < low {
			low = v.Offset
		}
		if !found || v.Offset > high {
			high = v.Offset
		}
		found = true
	}
	if !found {
		return nil
	}
	sp := c.Masm.SPOffset()
	if high != sp {
		return invariant("releasing slots up to %d with the stack pointer at %d", high, sp)
	}
	c.Masm.FreeStack(sp - (low - c.Masm.SlotSize()))
	return nil
}

func (c *Context) push(v stack.Val) { c.Stack.Push(v) }

func (c *Context) pushReg(r reg.Reg, ty wasm.ValType) { c.Stack.Push(stack.RegVal(r, ty)) }
