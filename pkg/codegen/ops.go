package codegen

import (
	ops "github.com/go-interpreter/wagon/wasm/operators"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/stack"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

const (
	intClass   = reg.Int
	floatClass = reg.Float

	canonicalNaN32 = 0x7fc00000
	canonicalNaN64 = 0x7ff8000000000000
)

type emitFunc func(c *CodeGen, op *wasm.Operator) error

// emitters maps every supported opcode to its translation. Opcodes missing
// here are unsupported.
var emitters = buildEmitters()

func buildEmitters() map[byte]emitFunc {
	e := map[byte]emitFunc{
		ops.Unreachable: (*CodeGen).emitUnreachable,
		ops.Nop:         (*CodeGen).emitNop,
		ops.Block:       (*CodeGen).emitBlock,
		ops.Loop:        (*CodeGen).emitLoop,
		ops.If:          (*CodeGen).emitIf,
		ops.Else:        (*CodeGen).emitElse,
		ops.End:         (*CodeGen).emitEnd,
		ops.Br:          (*CodeGen).emitBr,
		ops.BrIf:        (*CodeGen).emitBrIf,
		ops.BrTable:     (*CodeGen).emitBrTable,
		ops.Return:      (*CodeGen).emitReturn,
		ops.Call:        (*CodeGen).emitCall,
		ops.Drop:        (*CodeGen).emitDrop,
		ops.Select:      (*CodeGen).emitSelect,
		ops.GetLocal:    (*CodeGen).emitLocalGet,
		ops.SetLocal:    (*CodeGen).emitLocalSet,
		ops.TeeLocal:    (*CodeGen).emitLocalTee,

		ops.I32Const: constant(wasm.I32),
		ops.I64Const: constant(wasm.I64),
		ops.F32Const: constant(wasm.F32),
		ops.F64Const: constant(wasm.F64),

		ops.I32WrapI64:    convert(masm.WrapI64, wasm.I32),
		ops.I64ExtendSI32: convert(masm.ExtendI32S, wasm.I64),
		ops.I64ExtendUI32: convert(masm.ExtendI32U, wasm.I64),
		ops.F32DemoteF64:  convert(masm.DemoteF64, wasm.F32),
		ops.F64PromoteF32: convert(masm.PromoteF32, wasm.F64),

		ops.I32ReinterpretF32: reinterpret(masm.ReinterpretF32AsI32, wasm.I32),
		ops.I64ReinterpretF64: reinterpret(masm.ReinterpretF64AsI64, wasm.I64),
		ops.F32ReinterpretI32: reinterpret(masm.ReinterpretI32AsF32, wasm.F32),
		ops.F64ReinterpretI64: reinterpret(masm.ReinterpretI64AsF64, wasm.F64),
	}

	type intOps struct {
		ty                                    wasm.ValType
		eqz, eq, ne, ltS, ltU, gtS, gtU       byte
		leS, leU, geS, geU                    byte
		clz, ctz, popcnt                      byte
		add, sub, mul, divS, divU, remS, remU byte
		and, or, xor, shl, shrS, shrU, rl, rr byte
	}
	for _, t := range []intOps{
		{wasm.I32, ops.I32Eqz, ops.I32Eq, ops.I32Ne, ops.I32LtS, ops.I32LtU, ops.I32GtS, ops.I32GtU,
			ops.I32LeS, ops.I32LeU, ops.I32GeS, ops.I32GeU,
			ops.I32Clz, ops.I32Ctz, ops.I32Popcnt,
			ops.I32Add, ops.I32Sub, ops.I32Mul, ops.I32DivS, ops.I32DivU, ops.I32RemS, ops.I32RemU,
			ops.I32And, ops.I32Or, ops.I32Xor, ops.I32Shl, ops.I32ShrS, ops.I32ShrU, ops.I32Rotl, ops.I32Rotr},
		{wasm.I64, ops.I64Eqz, ops.I64Eq, ops.I64Ne, ops.I64LtS, ops.I64LtU, ops.I64GtS, ops.I64GtU,
			ops.I64LeS, ops.I64LeU, ops.I64GeS, ops.I64GeU,
			ops.I64Clz, ops.I64Ctz, ops.I64Popcnt,
			ops.I64Add, ops.I64Sub, ops.I64Mul, ops.I64DivS, ops.I64DivU, ops.I64RemS, ops.I64RemU,
			ops.I64And, ops.I64Or, ops.I64Xor, ops.I64Shl, ops.I64ShrS, ops.I64ShrU, ops.I64Rotl, ops.I64Rotr},
	} {
		e[t.eqz] = eqz(t.ty)
		e[t.eq] = intCmp(masm.Eq, t.ty)
		e[t.ne] = intCmp(masm.Ne, t.ty)
		e[t.ltS] = intCmp(masm.LtS, t.ty)
		e[t.ltU] = intCmp(masm.LtU, t.ty)
		e[t.gtS] = intCmp(masm.GtS, t.ty)
		e[t.gtU] = intCmp(masm.GtU, t.ty)
		e[t.leS] = intCmp(masm.LeS, t.ty)
		e[t.leU] = intCmp(masm.LeU, t.ty)
		e[t.geS] = intCmp(masm.GeS, t.ty)
		e[t.geU] = intCmp(masm.GeU, t.ty)
		e[t.clz] = unop(masm.Clz, t.ty)
		e[t.ctz] = unop(masm.Ctz, t.ty)
		e[t.popcnt] = unop(masm.Popcnt, t.ty)
		e[t.add] = intBinop(masm.IntAdd, t.ty)
		e[t.sub] = intBinop(masm.IntSub, t.ty)
		e[t.mul] = intBinop(masm.IntMul, t.ty)
		e[t.and] = intBinop(masm.IntAnd, t.ty)
		e[t.or] = intBinop(masm.IntOr, t.ty)
		e[t.xor] = intBinop(masm.IntXor, t.ty)
		e[t.divS] = divide(t.ty, func(m masm.MacroAssembler, dst, rhs reg.Reg, s masm.OperandSize) { m.Div(masm.DivS, dst, rhs, s) })
		e[t.divU] = divide(t.ty, func(m masm.MacroAssembler, dst, rhs reg.Reg, s masm.OperandSize) { m.Div(masm.DivU, dst, rhs, s) })
		e[t.remS] = divide(t.ty, func(m masm.MacroAssembler, dst, rhs reg.Reg, s masm.OperandSize) { m.Rem(masm.RemS, dst, rhs, s) })
		e[t.remU] = divide(t.ty, func(m masm.MacroAssembler, dst, rhs reg.Reg, s masm.OperandSize) { m.Rem(masm.RemU, dst, rhs, s) })
		e[t.shl] = shift(masm.Shl, t.ty)
		e[t.shrS] = shift(masm.ShrS, t.ty)
		e[t.shrU] = shift(masm.ShrU, t.ty)
		e[t.rl] = shift(masm.Rotl, t.ty)
		e[t.rr] = shift(masm.Rotr, t.ty)
	}

	type floatOps struct {
		ty                           wasm.ValType
		add, sub, mul, div, neg, abs byte
		floor, ceil, trunc, nearest  byte
		eq, ne, lt, gt, le, ge       byte
	}
	for _, t := range []floatOps{
		{wasm.F32, ops.F32Add, ops.F32Sub, ops.F32Mul, ops.F32Div, ops.F32Neg, ops.F32Abs,
			ops.F32Floor, ops.F32Ceil, ops.F32Trunc, ops.F32Nearest,
			ops.F32Eq, ops.F32Ne, ops.F32Lt, ops.F32Gt, ops.F32Le, ops.F32Ge},
		{wasm.F64, ops.F64Add, ops.F64Sub, ops.F64Mul, ops.F64Div, ops.F64Neg, ops.F64Abs,
			ops.F64Floor, ops.F64Ceil, ops.F64Trunc, ops.F64Nearest,
			ops.F64Eq, ops.F64Ne, ops.F64Lt, ops.F64Gt, ops.F64Le, ops.F64Ge},
	} {
		e[t.add] = floatBinop(masm.FloatAdd, t.ty)
		e[t.sub] = floatBinop(masm.FloatSub, t.ty)
		e[t.mul] = floatBinop(masm.FloatMul, t.ty)
		e[t.div] = floatBinop(masm.FloatDiv, t.ty)
		e[t.neg] = floatUnop(masm.FloatNeg, t.ty)
		e[t.abs] = floatUnop(masm.FloatAbs, t.ty)
		e[t.floor] = round(masm.RoundFloor, t.ty)
		e[t.ceil] = round(masm.RoundCeil, t.ty)
		e[t.trunc] = round(masm.RoundTrunc, t.ty)
		e[t.nearest] = round(masm.RoundNearest, t.ty)
		e[t.eq] = floatCmp(masm.FEq, t.ty)
		e[t.ne] = floatCmp(masm.FNe, t.ty)
		e[t.lt] = floatCmp(masm.FLt, t.ty)
		e[t.gt] = floatCmp(masm.FGt, t.ty)
		e[t.le] = floatCmp(masm.FLe, t.ty)
		e[t.ge] = floatCmp(masm.FGe, t.ty)
	}
	return e
}

func constant(ty wasm.ValType) emitFunc {
	return func(c *CodeGen, op *wasm.Operator) error {
		c.push(stack.ImmVal(op.Imm, ty))
		return nil
	}
}

func (c *CodeGen) emitDrop(*wasm.Operator) error {
	v, err := c.Stack.Pop()
	if err != nil {
		return err
	}
	return c.release(v)
}

func (c *CodeGen) emitSelect(*wasm.Operator) error {
	cond, _, err := c.popReg(intClass)
	if err != nil {
		return err
	}
	top, err := c.Stack.Peek(0)
	if err != nil {
		return err
	}
	ty, cl := top.Ty, top.Class()
	b, _, err := c.popReg(cl)
	if err != nil {
		return err
	}
	a, _, err := c.popReg(cl)
	if err != nil {
		return err
	}
	keep := c.Masm.NewLabel()
	c.Masm.BranchIf(masm.Ne, cond, masm.I(0), masm.S32, keep)
	c.Masm.Mov(masm.R(b), a, masm.SizeOf(ty))
	c.Masm.Bind(keep)
	if err := c.free(cond); err != nil {
		return err
	}
	if err := c.free(b); err != nil {
		return err
	}
	c.pushReg(a, ty)
	return nil
}

func (c *CodeGen) emitLocalGet(op *wasm.Operator) error {
	l, err := c.Frame.Local(op.Index)
	if err != nil {
		return err
	}
	c.push(stack.LocalVal(op.Index, l.Ty))
	return nil
}

// setLocal stores the top entry to local index. With keep, an entry for the
// stored value stays on the stack.
func (c *CodeGen) setLocal(index uint32, keep bool) error {
	l, err := c.Frame.Local(index)
	if err != nil {
		return err
	}
	v, err := c.Stack.Pop()
	if err != nil {
		return err
	}
	// Entries still reading the local must see the old value.
	alias := -1
	for i, e := range c.Stack.Vals() {
		if e.IsLocalIndex(index) {
			alias = i
		}
	}
	if alias >= 0 {
		if err := c.spillTo(alias); err != nil {
			return err
		}
	}
	size := masm.SizeOf(l.Ty)
	switch v.Kind {
	case stack.KindReg:
		c.Masm.Store(masm.R(v.Reg), l.Addr, size)
		if keep {
			c.push(v)
			return nil
		}
		return c.free(v.Reg)
	case stack.KindImm:
		c.Masm.Store(imm(v), l.Addr, size)
		if keep {
			c.push(v)
		}
		return nil
	case stack.KindLocal:
		if v.Local != index {
			src, err := c.localAddr(v)
			if err != nil {
				return err
			}
			c.Masm.Copy(src, l.Addr, size)
		}
	case stack.KindMem:
		c.Masm.Copy(slotAddr(v), l.Addr, size)
		if err := c.releaseSlots([]stack.Val{v}); err != nil {
			return err
		}
	}
	if keep {
		c.push(stack.LocalVal(index, l.Ty))
	}
	return nil
}

func (c *CodeGen) emitLocalSet(op *wasm.Operator) error { return c.setLocal(op.Index, false) }

func (c *CodeGen) emitLocalTee(op *wasm.Operator) error { return c.setLocal(op.Index, true) }

func intBinop(op masm.IntOp, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		return intBinopWith(c, ty, func(lhs reg.Reg, rhs masm.RegImm) {
			c.Masm.IntBinop(op, lhs, rhs, masm.SizeOf(ty))
		})
	}
}

func shift(kind masm.ShiftKind, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		size := masm.SizeOf(ty)
		top, err := c.Stack.Peek(0)
		if err != nil {
			return err
		}
		if top.IsImm() || !c.cons.HasShiftCount {
			return intBinopWith(c, ty, func(lhs reg.Reg, rhs masm.RegImm) {
				c.Masm.Shift(kind, lhs, rhs, size)
			})
		}
		count := c.cons.ShiftCount
		if _, err := c.popToReg(count); err != nil {
			return err
		}
		lhs, _, err := c.popReg(intClass)
		if err != nil {
			return err
		}
		c.Masm.Shift(kind, lhs, masm.R(count), size)
		if err := c.free(count); err != nil {
			return err
		}
		c.pushReg(lhs, ty)
		return nil
	}
}

func intBinopWith(c *CodeGen, ty wasm.ValType, emit func(lhs reg.Reg, rhs masm.RegImm)) error {
	rhs, release, err := c.popRegImm(intClass)
	if err != nil {
		return err
	}
	lhs, _, err := c.popReg(intClass)
	if err != nil {
		return err
	}
	emit(lhs, rhs)
	if err := release(); err != nil {
		return err
	}
	c.pushReg(lhs, ty)
	return nil
}

// divide emits a division or remainder. Backends with fixed dividend
// registers get the left operand there and leave the result there.
func divide(ty wasm.ValType, emit func(m masm.MacroAssembler, dst, rhs reg.Reg, size masm.OperandSize)) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		size := masm.SizeOf(ty)
		if !c.cons.HasDivRegs {
			rhs, _, err := c.popReg(intClass)
			if err != nil {
				return err
			}
			lhs, _, err := c.popReg(intClass)
			if err != nil {
				return err
			}
			emit(c.Masm, lhs, rhs, size)
			if err := c.free(rhs); err != nil {
				return err
			}
			c.pushReg(lhs, ty)
			return nil
		}
		dividend, clobber := c.cons.Dividend, c.cons.DivClobber
		if err := c.reserve(dividend); err != nil {
			return err
		}
		if err := c.reserve(clobber); err != nil {
			return err
		}
		rhs, _, err := c.popReg(intClass)
		if err != nil {
			return err
		}
		if _, err := c.popInto(dividend); err != nil {
			return err
		}
		emit(c.Masm, dividend, rhs, size)
		if err := c.free(rhs); err != nil {
			return err
		}
		if err := c.free(clobber); err != nil {
			return err
		}
		c.pushReg(dividend, ty)
		return nil
	}
}

func unop(op masm.UnOp, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		r, _, err := c.popReg(intClass)
		if err != nil {
			return err
		}
		if err := c.Masm.Unop(op, r, r, masm.SizeOf(ty)); err != nil {
			return err
		}
		c.pushReg(r, ty)
		return nil
	}
}

func intCmp(kind masm.IntCmpKind, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		rhs, release, err := c.popRegImm(intClass)
		if err != nil {
			return err
		}
		lhs, _, err := c.popReg(intClass)
		if err != nil {
			return err
		}
		c.Masm.Cmp(kind, lhs, lhs, rhs, masm.SizeOf(ty))
		if err := release(); err != nil {
			return err
		}
		c.pushReg(lhs, wasm.I32)
		return nil
	}
}

func eqz(ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		r, _, err := c.popReg(intClass)
		if err != nil {
			return err
		}
		c.Masm.Cmp(masm.Eq, r, r, masm.I(0), masm.SizeOf(ty))
		c.pushReg(r, wasm.I32)
		return nil
	}
}

// canonicalizeNaN replaces a NaN in r with the canonical quiet NaN when
// enable_nan_canonicalization is set.
func (c *CodeGen) canonicalizeNaN(r reg.Reg, ty wasm.ValType) error {
	if !c.shared.NaNCanonicalization() {
		return nil
	}
	size := masm.SizeOf(ty)
	ordered, err := c.allocReg(intClass)
	if err != nil {
		return err
	}
	c.Masm.FloatCmp(masm.FEq, ordered, r, r, size)
	done := c.Masm.NewLabel()
	c.Masm.BranchIf(masm.Ne, ordered, masm.I(0), masm.S32, done)
	nan := uint64(canonicalNaN32)
	if size == masm.S64 {
		nan = canonicalNaN64
	}
	c.Masm.Mov(masm.F(nan), r, size)
	c.Masm.Bind(done)
	return c.free(ordered)
}

func floatBinop(op masm.FloatOp, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		rhs, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		lhs, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		c.Masm.FloatBinop(op, lhs, rhs, masm.SizeOf(ty))
		if err := c.free(rhs); err != nil {
			return err
		}
		if err := c.canonicalizeNaN(lhs, ty); err != nil {
			return err
		}
		c.pushReg(lhs, ty)
		return nil
	}
}

func floatUnop(op masm.FloatUnOp, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		r, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		c.Masm.FloatUnop(op, r, masm.SizeOf(ty))
		c.pushReg(r, ty)
		return nil
	}
}

func floatCmp(kind masm.FloatCmpKind, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		rhs, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		lhs, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		dst, err := c.allocReg(intClass)
		if err != nil {
			return err
		}
		c.Masm.FloatCmp(kind, dst, lhs, rhs, masm.SizeOf(ty))
		if err := c.free(lhs); err != nil {
			return err
		}
		if err := c.free(rhs); err != nil {
			return err
		}
		c.pushReg(dst, wasm.I32)
		return nil
	}
}

// roundLibCall is the runtime routine used when the target has no rounding
// instruction.
func roundLibCall(mode masm.RoundMode, ty wasm.ValType) compiled.LibCall {
	l := compiled.LibCall(mode) * 2
	if ty == wasm.F64 {
		l++
	}
	return l
}

func round(mode masm.RoundMode, ty wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		r, _, err := c.popReg(floatClass)
		if err != nil {
			return err
		}
		if c.Masm.Round(mode, r, r, masm.SizeOf(ty)) {
			if err := c.canonicalizeNaN(r, ty); err != nil {
				return err
			}
			c.pushReg(r, ty)
			return nil
		}
		c.pushReg(r, ty)
		return c.call(wasm.Sig([]wasm.ValType{ty}, ty), masm.CallTarget{Kind: masm.CallLib, LibCall: roundLibCall(mode, ty)})
	}
}

func convert(kind masm.ConvKind, to wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		v, err := c.Stack.Peek(0)
		if err != nil {
			return err
		}
		if v.IsImm() {
			if folded, ok := foldConvert(kind, v.Imm); ok {
				c.Stack.Pop()
				c.push(stack.ImmVal(folded, to))
				return nil
			}
		}
		r, _, err := c.popReg(v.Class())
		if err != nil {
			return err
		}
		c.Masm.Convert(kind, r, r)
		if wasm.IsFloat(to) {
			if err := c.canonicalizeNaN(r, to); err != nil {
				return err
			}
		}
		c.pushReg(r, to)
		return nil
	}
}

func foldConvert(kind masm.ConvKind, bits uint64) (uint64, bool) {
	switch kind {
	case masm.WrapI64, masm.ExtendI32U:
		return uint64(uint32(bits)), true
	case masm.ExtendI32S:
		return uint64(int64(int32(uint32(bits)))), true
	}
	return 0, false
}

// reinterpret keeps values that live in memory or as constants where they
// are and only moves register values across register classes.
func reinterpret(kind masm.ConvKind, to wasm.ValType) emitFunc {
	return func(c *CodeGen, _ *wasm.Operator) error {
		v, err := c.Stack.Peek(0)
		if err != nil {
			return err
		}
		if !v.IsReg() {
			return c.Stack.Retype(to)
		}
		c.Stack.Pop()
		dst, err := c.allocReg(reg.ClassOf(to))
		if err != nil {
			return err
		}
		c.Masm.Convert(kind, dst, v.Reg)
		if err := c.free(v.Reg); err != nil {
			return err
		}
		c.pushReg(dst, to)
		return nil
	}
}
