package codegen

import (
	"fmt"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// Every construct is entered with the operand stack spilled, so the entries
// below a frame's Height are never in registers and a branch only has to
// move its carried value into the merge register and restore SPOffset.

func (c *CodeGen) emitNop(*wasm.Operator) error { return nil }

func (c *CodeGen) emitUnreachable(*wasm.Operator) error {
	c.Masm.Trap(compiled.UnreachableCodeReached)
	return c.setUnreachable()
}

func (c *CodeGen) pushFrame(kind FrameKind, bt wasm.BlockType) *ControlFrame {
	c.control = append(c.control, ControlFrame{
		Kind:     kind,
		Label:    c.Masm.NewLabel(),
		Results:  bt.Results,
		Height:   c.Stack.Len(),
		SPOffset: c.Masm.SPOffset(),
	})
	return c.top()
}

func (c *CodeGen) emitBlock(op *wasm.Operator) error {
	if err := c.spillAll(); err != nil {
		return err
	}
	c.pushFrame(FrameBlock, op.Block)
	return nil
}

func (c *CodeGen) emitLoop(op *wasm.Operator) error {
	if err := c.spillAll(); err != nil {
		return err
	}
	f := c.pushFrame(FrameLoop, op.Block)
	c.Masm.Bind(f.Label)
	return nil
}

func (c *CodeGen) emitIf(op *wasm.Operator) error {
	cond, _, err := c.popReg(intClass)
	if err != nil {
		return err
	}
	if err := c.spillAll(); err != nil {
		return err
	}
	f := c.pushFrame(FrameIf, op.Block)
	f.Else = c.Masm.NewLabel()
	c.Masm.BranchIf(masm.Eq, cond, masm.I(0), masm.S32, f.Else)
	return c.free(cond)
}

// fallthroughInto moves the values the current arm leaves behind into
// place for the merge point of f.
func (c *CodeGen) fallthroughInto(f *ControlFrame) error {
	n := len(f.Results)
	if c.Stack.Len() != f.Height+n {
		return fmt.Errorf("%w: %s leaves %d values, want %d", ErrArity, f.Kind, c.Stack.Len()-f.Height, n)
	}
	if n == 1 {
		r, err := c.mergeReg(f.Results[0])
		if err != nil {
			return err
		}
		if _, err := c.popToReg(r); err != nil {
			return err
		}
		if err := c.free(r); err != nil {
			return err
		}
	}
	c.Masm.ResetStack(f.SPOffset)
	return nil
}

func (c *CodeGen) emitElse(*wasm.Operator) error {
	f := c.top()
	if f.Kind != FrameIf || f.HasElse {
		return fmt.Errorf("%w: else without matching if", wasm.ErrInvalid)
	}
	if !c.unreachable {
		if err := c.fallthroughInto(f); err != nil {
			return err
		}
		c.Masm.Jmp(f.Label)
		f.Reachable = true
	}
	if _, err := c.Stack.TruncateTo(f.Height, c.Regs); err != nil {
		return err
	}
	c.Masm.SetSPOffset(f.SPOffset)
	c.Masm.Bind(f.Else)
	f.HasElse = true
	c.unreachable = false
	return nil
}

func (c *CodeGen) emitEnd(*wasm.Operator) error {
	f := c.top()
	if f.Kind == FrameIf && !f.HasElse && len(f.Results) > 0 {
		return fmt.Errorf("%w: if without else cannot produce a value", ErrArity)
	}
	if !c.unreachable {
		if err := c.fallthroughInto(f); err != nil {
			return err
		}
		f.Reachable = true
	}
	if _, err := c.Stack.TruncateTo(f.Height, c.Regs); err != nil {
		return err
	}
	c.Masm.SetSPOffset(f.SPOffset)
	if f.Kind != FrameLoop {
		c.Masm.Bind(f.Label)
	}
	if f.Kind == FrameIf && !f.HasElse {
		c.Masm.Bind(f.Else)
		f.Reachable = true
	}
	done := *f
	c.control = c.control[:len(c.control)-1]

	if done.Kind == FrameFunction {
		c.Frame.EmitEpilogue(c.Masm)
		c.done = true
		return nil
	}
	c.unreachable = !done.Reachable
	if done.Reachable && len(done.Results) == 1 {
		ty := done.Results[0]
		r, err := c.mergeReg(ty)
		if err != nil {
			return err
		}
		if err := c.Regs.Take(r); err != nil {
			return err
		}
		c.pushReg(r, ty)
	}
	return nil
}

// setUnreachable discards the operands of the innermost frame after an
// unconditional transfer.
func (c *CodeGen) setUnreachable() error {
	if _, err := c.Stack.TruncateTo(c.top().Height, c.Regs); err != nil {
		return err
	}
	c.unreachable = true
	return nil
}

// carry copies the value a branch to f takes with it into the merge
// register without popping it.
func (c *CodeGen) carry(f *ControlFrame) error {
	if f.BranchArity() == 0 {
		return nil
	}
	v, err := c.Stack.Peek(0)
	if err != nil {
		return err
	}
	r, err := c.mergeReg(v.Ty)
	if err != nil {
		return err
	}
	return c.copyInto(v, r)
}

// jumpTo emits the branch to f. The recorded stack pointer offset is left
// as it was for the code after a conditional branch.
func (c *CodeGen) jumpTo(f *ControlFrame) {
	saved := c.Masm.SPOffset()
	c.Masm.ResetStack(f.SPOffset)
	c.Masm.Jmp(f.Label)
	c.Masm.SetSPOffset(saved)
	if f.Kind != FrameLoop {
		f.Reachable = true
	}
}

func (c *CodeGen) emitBr(op *wasm.Operator) error {
	f, err := c.frameAt(op.Index)
	if err != nil {
		return err
	}
	if err := c.carry(f); err != nil {
		return err
	}
	c.jumpTo(f)
	return c.setUnreachable()
}

func (c *CodeGen) emitBrIf(op *wasm.Operator) error {
	f, err := c.frameAt(op.Index)
	if err != nil {
		return err
	}
	cond, _, err := c.popReg(intClass)
	if err != nil {
		return err
	}
	if f.BranchArity() == 1 {
		// The merge register is written on the taken path only, so no
		// live entry other than the carried value may hold it.
		v, err := c.Stack.Peek(0)
		if err != nil {
			return err
		}
		r, err := c.mergeReg(v.Ty)
		if err != nil {
			return err
		}
		if i := c.Stack.IndexOfReg(r); i >= 0 && i != c.Stack.Len()-1 {
			if err := c.spillTo(i); err != nil {
				return err
			}
		}
	}
	skip := c.Masm.NewLabel()
	c.Masm.BranchIf(masm.Eq, cond, masm.I(0), masm.S32, skip)
	if err := c.free(cond); err != nil {
		return err
	}
	if err := c.carry(f); err != nil {
		return err
	}
	c.jumpTo(f)
	c.Masm.Bind(skip)
	return nil
}

func (c *CodeGen) emitBrTable(op *wasm.Operator) error {
	def, err := c.frameAt(op.Default)
	if err != nil {
		return err
	}
	idx, _, err := c.popReg(intClass)
	if err != nil {
		return err
	}
	if def.BranchArity() == 1 {
		v, err := c.Stack.Peek(0)
		if err != nil {
			return err
		}
		r, err := c.mergeReg(v.Ty)
		if err != nil {
			return err
		}
		if idx == r {
			moved, err := c.allocReg(intClass)
			if err != nil {
				return err
			}
			c.Masm.Mov(masm.R(idx), moved, masm.S32)
			if err := c.free(idx); err != nil {
				return err
			}
			idx = moved
		}
		if err := c.copyInto(v, r); err != nil {
			return err
		}
	}
	for i, depth := range op.Targets {
		f, err := c.frameAt(depth)
		if err != nil {
			return err
		}
		if f.BranchArity() != def.BranchArity() {
			return fmt.Errorf("%w: br_table target %d carries %d values, default carries %d", ErrArity, depth, f.BranchArity(), def.BranchArity())
		}
		next := c.Masm.NewLabel()
		c.Masm.BranchIf(masm.Ne, idx, masm.I(uint64(i)), masm.S32, next)
		c.jumpTo(f)
		c.Masm.Bind(next)
	}
	c.jumpTo(def)
	if err := c.free(idx); err != nil {
		return err
	}
	return c.setUnreachable()
}

func (c *CodeGen) emitReturn(*wasm.Operator) error {
	f := &c.control[0]
	if err := c.carry(f); err != nil {
		return err
	}
	c.jumpTo(f)
	return c.setUnreachable()
}
