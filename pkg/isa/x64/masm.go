package x64

import (
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/isa/internal/progs"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/settings"
)

const (
	functionAlignment = 16
	slotSize          = 8
)

// features are the ISA flags the macro assembler consults.
type features struct {
	popcnt bool
	lzcnt  bool
	bmi1   bool
	sse41  bool
}

// MacroAssembler implements masm.MacroAssembler for x86-64.
type MacroAssembler struct {
	buf    *progs.Buffer
	sp     uint32
	shared settings.Shared
	isa    features
}

var _ masm.MacroAssembler = (*MacroAssembler)(nil)

// NewMacroAssembler creates an assembler for one function. The caller must
// hold progs.Lock until Finalize returns.
func NewMacroAssembler(shared settings.Shared, isaFlags settings.Flags) (*MacroAssembler, error) {
	buf, err := progs.New("amd64", functionAlignment)
	if err != nil {
		return nil, err
	}
	return &MacroAssembler{
		buf:    buf,
		shared: shared,
		isa: features{
			popcnt: isaFlags.Bool("has_popcnt"),
			lzcnt:  isaFlags.Bool("has_lzcnt"),
			bmi1:   isaFlags.Bool("has_bmi1"),
			sse41:  isaFlags.Bool("has_sse41"),
		},
	}, nil
}

func regAddr(r reg.Reg) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: regNum(r)} }

func hwAddr(n int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: n} }

func constAddr(v int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: v} }

func memAddr(a masm.Address) obj.Addr {
	m := obj.Addr{Type: obj.TYPE_MEM, Offset: int64(a.Offset)}
	switch a.Base {
	case masm.FP:
		m.Reg = x86.REG_BP
	case masm.SP:
		m.Reg = x86.REG_SP
	default:
		m.Reg = regNum(a.Reg)
	}
	return m
}

func (m *MacroAssembler) emit(as obj.As, from, to obj.Addr) *obj.Prog {
	return m.buf.Emit(as, func(p *obj.Prog) {
		p.From = from
		p.To = to
	})
}

func pick(size masm.OperandSize, as32, as64 obj.As) obj.As {
	if size == masm.S64 {
		return as64
	}
	return as32
}

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// immOperand returns an operand for imm, loading it into scratch when the
// instruction cannot encode it.
func (m *MacroAssembler) immOperand(imm uint64, size masm.OperandSize) obj.Addr {
	if size == masm.S32 {
		return constAddr(int64(int32(uint32(imm))))
	}
	if fitsInt32(int64(imm)) {
		return constAddr(int64(imm))
	}
	m.emit(x86.AMOVQ, constAddr(int64(imm)), regAddr(scratch))
	return regAddr(scratch)
}

func (m *MacroAssembler) operand(src masm.RegImm, size masm.OperandSize) obj.Addr {
	if src.IsImm {
		return m.immOperand(src.Imm, size)
	}
	return regAddr(src.Reg)
}

func (m *MacroAssembler) Prologue() {
	m.emit(x86.APUSHQ, hwAddr(x86.REG_BP), obj.Addr{})
	m.emit(x86.AMOVQ, hwAddr(x86.REG_SP), hwAddr(x86.REG_BP))
	m.sp = 0
}

func (m *MacroAssembler) Epilogue() {
	m.emit(x86.AMOVQ, hwAddr(x86.REG_BP), hwAddr(x86.REG_SP))
	m.emit(x86.APOPQ, obj.Addr{}, hwAddr(x86.REG_BP))
	m.emit(obj.ARET, obj.Addr{}, obj.Addr{})
}

func (m *MacroAssembler) ReserveStack(n uint32) {
	if n == 0 {
		return
	}
	m.emit(x86.ASUBQ, constAddr(int64(n)), hwAddr(x86.REG_SP))
	m.sp += n
}

func (m *MacroAssembler) FreeStack(n uint32) {
	if n == 0 {
		return
	}
	m.emit(x86.AADDQ, constAddr(int64(n)), hwAddr(x86.REG_SP))
	m.sp -= n
}

func (m *MacroAssembler) ResetStack(offset uint32) {
	switch {
	case offset > m.sp:
		m.ReserveStack(offset - m.sp)
	case offset < m.sp:
		m.FreeStack(m.sp - offset)
	}
}

func (m *MacroAssembler) SPOffset() uint32          { return m.sp }
func (m *MacroAssembler) SetSPOffset(offset uint32) { m.sp = offset }
func (m *MacroAssembler) SlotSize() uint32          { return slotSize }

func (m *MacroAssembler) Push(src masm.RegImm, size masm.OperandSize) uint32 {
	m.ReserveStack(slotSize)
	m.Store(src, masm.FPAddr(-int32(m.sp)), size)
	return m.sp
}

func (m *MacroAssembler) PushFrom(src masm.Address, size masm.OperandSize) uint32 {
	m.ReserveStack(slotSize)
	m.Copy(src, masm.FPAddr(-int32(m.sp)), size)
	return m.sp
}

func (m *MacroAssembler) Pop(dst reg.Reg, size masm.OperandSize) {
	m.Load(masm.FPAddr(-int32(m.sp)), dst, size)
	m.FreeStack(slotSize)
}

func (m *MacroAssembler) Mov(src masm.RegImm, dst reg.Reg, size masm.OperandSize) {
	if dst.IsFloat() {
		switch {
		case src.IsImm && src.Imm == 0:
			m.emit(x86.AXORPS, regAddr(dst), regAddr(dst))
		case src.IsImm:
			m.emit(x86.AMOVQ, constAddr(int64(src.Imm)), regAddr(scratch))
			m.emit(x86.AMOVQ, regAddr(scratch), regAddr(dst))
		case src.Reg.IsInt():
			m.emit(x86.AMOVQ, regAddr(src.Reg), regAddr(dst))
		case src.Reg != dst:
			m.emit(x86.AMOVAPS, regAddr(src.Reg), regAddr(dst))
		}
		return
	}
	switch {
	case src.IsImm && size == masm.S32:
		m.emit(x86.AMOVL, constAddr(int64(int32(uint32(src.Imm)))), regAddr(dst))
	case src.IsImm:
		m.emit(x86.AMOVQ, constAddr(int64(src.Imm)), regAddr(dst))
	case src.Reg.IsFloat():
		m.emit(x86.AMOVQ, regAddr(src.Reg), regAddr(dst))
	case src.Reg != dst:
		m.emit(pick(size, x86.AMOVL, x86.AMOVQ), regAddr(src.Reg), regAddr(dst))
	}
}

func loadOp(r reg.Reg, size masm.OperandSize) obj.As {
	if r.IsFloat() {
		return pick(size, x86.AMOVSS, x86.AMOVSD)
	}
	return pick(size, x86.AMOVL, x86.AMOVQ)
}

func (m *MacroAssembler) Load(src masm.Address, dst reg.Reg, size masm.OperandSize) {
	m.emit(loadOp(dst, size), memAddr(src), regAddr(dst))
}

func (m *MacroAssembler) Store(src masm.RegImm, dst masm.Address, size masm.OperandSize) {
	if !src.IsImm {
		m.emit(loadOp(src.Reg, size), regAddr(src.Reg), memAddr(dst))
		return
	}
	m.emit(pick(size, x86.AMOVL, x86.AMOVQ), m.immOperand(src.Imm, size), memAddr(dst))
}

func (m *MacroAssembler) Copy(src, dst masm.Address, size masm.OperandSize) {
	mov := pick(size, x86.AMOVL, x86.AMOVQ)
	m.emit(mov, memAddr(src), regAddr(scratch))
	m.emit(mov, regAddr(scratch), memAddr(dst))
}

var intOps = [...][2]obj.As{
	masm.IntAdd: {x86.AADDL, x86.AADDQ},
	masm.IntSub: {x86.ASUBL, x86.ASUBQ},
	masm.IntMul: {x86.AIMULL, x86.AIMULQ},
	masm.IntAnd: {x86.AANDL, x86.AANDQ},
	masm.IntOr:  {x86.AORL, x86.AORQ},
	masm.IntXor: {x86.AXORL, x86.AXORQ},
}

func (m *MacroAssembler) IntBinop(op masm.IntOp, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	as := pick(size, intOps[op][0], intOps[op][1])
	from := m.operand(src, size)
	if op == masm.IntMul && from.Type == obj.TYPE_CONST {
		m.emit(pick(size, x86.AMOVL, x86.AMOVQ), from, regAddr(scratch))
		from = regAddr(scratch)
	}
	m.emit(as, from, regAddr(dst))
}

var shiftOps = [...][2]obj.As{
	masm.Shl:  {x86.ASHLL, x86.ASHLQ},
	masm.ShrS: {x86.ASARL, x86.ASARQ},
	masm.ShrU: {x86.ASHRL, x86.ASHRQ},
	masm.Rotl: {x86.AROLL, x86.AROLQ},
	masm.Rotr: {x86.ARORL, x86.ARORQ},
}

func (m *MacroAssembler) Shift(kind masm.ShiftKind, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	as := pick(size, shiftOps[kind][0], shiftOps[kind][1])
	if src.IsImm {
		m.emit(as, constAddr(int64(src.Imm&uint64(size.Bits()-1))), regAddr(dst))
		return
	}
	if src.Reg != RCX {
		panic(fmt.Sprintf("x64: shift count in %s, want rcx", src.Reg))
	}
	m.emit(as, hwAddr(x86.REG_CX), regAddr(dst))
}

// checkDivisor emits the division-by-zero check, or returns false when
// the divide instruction itself should carry the trap.
func (m *MacroAssembler) checkDivisor(rhs reg.Reg, size masm.OperandSize) bool {
	if !m.shared.AvoidDivTraps() {
		return false
	}
	ok := m.buf.NewLabel()
	m.BranchIf(masm.Ne, rhs, masm.I(0), size, ok)
	m.Trap(compiled.IntegerDivisionByZero)
	m.buf.Bind(ok)
	return true
}

func (m *MacroAssembler) divide(signed bool, rhs reg.Reg, size masm.OperandSize, checked bool) {
	if signed {
		m.emit(pick(size, x86.ACDQ, x86.ACQO), obj.Addr{}, obj.Addr{})
	} else {
		m.emit(x86.AXORL, hwAddr(x86.REG_DX), hwAddr(x86.REG_DX))
	}
	var as obj.As
	if signed {
		as = pick(size, x86.AIDIVL, x86.AIDIVQ)
	} else {
		as = pick(size, x86.ADIVL, x86.ADIVQ)
	}
	p := m.emit(as, regAddr(rhs), obj.Addr{})
	if !checked {
		m.buf.TrapAt(p, compiled.IntegerDivisionByZero)
	}
}

func minSigned(size masm.OperandSize) uint64 {
	if size == masm.S64 {
		return 1 << 63
	}
	return 1 << 31
}

// Div computes rax = rax / rhs, clobbering rdx.
func (m *MacroAssembler) Div(kind masm.DivKind, dst, rhs reg.Reg, size masm.OperandSize) {
	if dst != RAX {
		panic(fmt.Sprintf("x64: dividend in %s, want rax", dst))
	}
	checked := m.checkDivisor(rhs, size)
	if kind == masm.DivS {
		ok := m.buf.NewLabel()
		m.BranchIf(masm.Ne, rhs, masm.I(math.MaxUint64), size, ok)
		m.BranchIf(masm.Ne, RAX, masm.I(minSigned(size)), size, ok)
		m.Trap(compiled.IntegerOverflow)
		m.buf.Bind(ok)
	}
	m.divide(kind == masm.DivS, rhs, size, checked)
}

// Rem computes rax = rax % rhs, clobbering rdx.
func (m *MacroAssembler) Rem(kind masm.RemKind, dst, rhs reg.Reg, size masm.OperandSize) {
	if dst != RAX {
		panic(fmt.Sprintf("x64: dividend in %s, want rax", dst))
	}
	checked := m.checkDivisor(rhs, size)
	done := m.buf.NewLabel()
	if kind == masm.RemS {
		// x % -1 is 0, and idiv would fault on MIN % -1.
		do := m.buf.NewLabel()
		m.BranchIf(masm.Ne, rhs, masm.I(math.MaxUint64), size, do)
		m.emit(x86.AXORL, hwAddr(x86.REG_DX), hwAddr(x86.REG_DX))
		m.Jmp(done)
		m.buf.Bind(do)
	}
	m.divide(kind == masm.RemS, rhs, size, checked)
	m.buf.Bind(done)
	m.emit(pick(size, x86.AMOVL, x86.AMOVQ), hwAddr(x86.REG_DX), hwAddr(x86.REG_AX))
}

func (m *MacroAssembler) Unop(op masm.UnOp, dst, src reg.Reg, size masm.OperandSize) error {
	switch op {
	case masm.Popcnt:
		if !m.isa.popcnt {
			return fmt.Errorf("%w: popcnt requires has_popcnt", masm.ErrUnsupported)
		}
		m.emit(pick(size, x86.APOPCNTL, x86.APOPCNTQ), regAddr(src), regAddr(dst))
	case masm.Clz:
		if m.isa.lzcnt {
			m.emit(pick(size, x86.ALZCNTL, x86.ALZCNTQ), regAddr(src), regAddr(dst))
			return nil
		}
		// bsr yields the index of the highest set bit; a zero input
		// becomes -1 so that bits-1-index gives the width.
		m.emit(pick(size, x86.ABSRL, x86.ABSRQ), regAddr(src), regAddr(dst))
		m.emit(x86.AMOVQ, constAddr(-1), regAddr(scratch))
		m.emit(x86.ACMOVQEQ, regAddr(scratch), regAddr(dst))
		m.emit(x86.ANEGQ, obj.Addr{}, regAddr(dst))
		m.emit(x86.AADDQ, constAddr(int64(size.Bits()-1)), regAddr(dst))
	case masm.Ctz:
		if m.isa.bmi1 {
			m.emit(pick(size, x86.ATZCNTL, x86.ATZCNTQ), regAddr(src), regAddr(dst))
			return nil
		}
		m.emit(pick(size, x86.ABSFL, x86.ABSFQ), regAddr(src), regAddr(dst))
		m.emit(x86.AMOVQ, constAddr(int64(size.Bits())), regAddr(scratch))
		m.emit(x86.ACMOVQEQ, regAddr(scratch), regAddr(dst))
	default:
		return fmt.Errorf("%w: unary op %d", masm.ErrUnsupported, op)
	}
	return nil
}

var floatOps = [...][2]obj.As{
	masm.FloatAdd: {x86.AADDSS, x86.AADDSD},
	masm.FloatSub: {x86.ASUBSS, x86.ASUBSD},
	masm.FloatMul: {x86.AMULSS, x86.AMULSD},
	masm.FloatDiv: {x86.ADIVSS, x86.ADIVSD},
}

func (m *MacroAssembler) FloatBinop(op masm.FloatOp, dst, src reg.Reg, size masm.OperandSize) {
	m.emit(pick(size, floatOps[op][0], floatOps[op][1]), regAddr(src), regAddr(dst))
}

func (m *MacroAssembler) FloatUnop(op masm.FloatUnOp, dst reg.Reg, size masm.OperandSize) {
	sign := minSigned(size)
	mask, as := sign, obj.As(x86.AXORPS)
	if op == masm.FloatAbs {
		mask, as = ^sign, x86.AANDPS
		if size == masm.S32 {
			mask &= math.MaxUint32
		}
	}
	m.emit(x86.AMOVQ, constAddr(int64(mask)), regAddr(scratch))
	m.emit(x86.AMOVQ, regAddr(scratch), regAddr(fscratch))
	m.emit(as, regAddr(fscratch), regAddr(dst))
}

var roundImm = [...]int64{
	masm.RoundFloor:   0x9,
	masm.RoundCeil:    0xa,
	masm.RoundTrunc:   0xb,
	masm.RoundNearest: 0x8,
}

func (m *MacroAssembler) Round(mode masm.RoundMode, dst, src reg.Reg, size masm.OperandSize) bool {
	if !m.isa.sse41 {
		return false
	}
	m.buf.Emit(pick(size, x86.AROUNDSS, x86.AROUNDSD), func(p *obj.Prog) {
		p.From = constAddr(roundImm[mode])
		p.RestArgs = []obj.Addr{regAddr(src)}
		p.To = regAddr(dst)
	})
	return true
}

var setcc = [...]obj.As{
	masm.Eq:  x86.ASETEQ,
	masm.Ne:  x86.ASETNE,
	masm.LtS: x86.ASETLT,
	masm.LtU: x86.ASETCS,
	masm.GtS: x86.ASETGT,
	masm.GtU: x86.ASETHI,
	masm.LeS: x86.ASETLE,
	masm.LeU: x86.ASETLS,
	masm.GeS: x86.ASETGE,
	masm.GeU: x86.ASETCC,
}

var jcc = [...]obj.As{
	masm.Eq:  x86.AJEQ,
	masm.Ne:  x86.AJNE,
	masm.LtS: x86.AJLT,
	masm.LtU: x86.AJCS,
	masm.GtS: x86.AJGT,
	masm.GtU: x86.AJHI,
	masm.LeS: x86.AJLE,
	masm.LeU: x86.AJLS,
	masm.GeS: x86.AJGE,
	masm.GeU: x86.AJCC,
}

func (m *MacroAssembler) cmp(lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize) {
	m.emit(pick(size, x86.ACMPL, x86.ACMPQ), regAddr(lhs), m.operand(rhs, size))
}

func (m *MacroAssembler) Cmp(kind masm.IntCmpKind, dst, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize) {
	m.cmp(lhs, rhs, size)
	m.emit(setcc[kind], obj.Addr{}, regAddr(dst))
	m.emit(x86.AMOVBLZX, regAddr(dst), regAddr(dst))
}

// FloatCmp uses ucomis, which compares To against From and reports
// unordered operands as ZF=PF=CF=1.
func (m *MacroAssembler) FloatCmp(kind masm.FloatCmpKind, dst, lhs, rhs reg.Reg, size masm.OperandSize) {
	ucomis := pick(size, x86.AUCOMISS, x86.AUCOMISD)
	switch kind {
	case masm.FEq, masm.FNe:
		m.emit(ucomis, regAddr(rhs), regAddr(lhs))
		set, parity, combine := obj.As(x86.ASETEQ), obj.As(x86.ASETPC), obj.As(x86.AANDL)
		if kind == masm.FNe {
			set, parity, combine = x86.ASETNE, x86.ASETPS, x86.AORL
		}
		m.emit(set, obj.Addr{}, regAddr(dst))
		m.emit(parity, obj.Addr{}, regAddr(scratch))
		m.emit(x86.AMOVBLZX, regAddr(dst), regAddr(dst))
		m.emit(x86.AMOVBLZX, regAddr(scratch), regAddr(scratch))
		m.emit(combine, regAddr(scratch), regAddr(dst))
		return
	case masm.FGt, masm.FGe:
		m.emit(ucomis, regAddr(rhs), regAddr(lhs))
	case masm.FLt, masm.FLe:
		m.emit(ucomis, regAddr(lhs), regAddr(rhs))
	}
	set := obj.As(x86.ASETHI)
	if kind == masm.FGe || kind == masm.FLe {
		set = x86.ASETCC
	}
	m.emit(set, obj.Addr{}, regAddr(dst))
	m.emit(x86.AMOVBLZX, regAddr(dst), regAddr(dst))
}

func (m *MacroAssembler) Convert(kind masm.ConvKind, dst, src reg.Reg) {
	switch kind {
	case masm.WrapI64, masm.ExtendI32U:
		m.emit(x86.AMOVL, regAddr(src), regAddr(dst))
	case masm.ExtendI32S:
		m.emit(x86.AMOVLQSX, regAddr(src), regAddr(dst))
	case masm.DemoteF64:
		m.emit(x86.ACVTSD2SS, regAddr(src), regAddr(dst))
	case masm.PromoteF32:
		m.emit(x86.ACVTSS2SD, regAddr(src), regAddr(dst))
	case masm.ReinterpretF32AsI32:
		m.emit(x86.AMOVQ, regAddr(src), regAddr(dst))
		m.emit(x86.AMOVL, regAddr(dst), regAddr(dst))
	case masm.ReinterpretF64AsI64, masm.ReinterpretI32AsF32, masm.ReinterpretI64AsF64:
		m.emit(x86.AMOVQ, regAddr(src), regAddr(dst))
	}
}

func (m *MacroAssembler) NewLabel() masm.Label { return m.buf.NewLabel() }
func (m *MacroAssembler) Bind(l masm.Label)    { m.buf.Bind(l) }
func (m *MacroAssembler) Jmp(l masm.Label)     { m.buf.Branch(obj.AJMP, l) }

func (m *MacroAssembler) BranchIf(kind masm.IntCmpKind, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize, l masm.Label) {
	m.cmp(lhs, rhs, size)
	m.buf.Branch(jcc[kind], l)
}

// Call emits a call. Direct calls encode as call rel32 with a zero
// displacement that the relocation later fills in.
func (m *MacroAssembler) Call(target masm.CallTarget) {
	if target.Kind == masm.CallIndirect {
		m.emit(obj.ACALL, obj.Addr{}, regAddr(target.Reg))
		return
	}
	p := m.emit(obj.ACALL, obj.Addr{}, constAddr(0))
	rt := compiled.UserFunc(target.Func)
	if target.Kind == masm.CallLib {
		rt = compiled.Lib(target.LibCall)
	}
	m.buf.RelocAt(p, 1, compiled.Relocation{Kind: compiled.X86CallPCRel4, Target: rt, Addend: -4})
}

func (m *MacroAssembler) Trap(code compiled.TrapCode) {
	p := m.emit(obj.AUNDEF, obj.Addr{}, obj.Addr{})
	m.buf.TrapAt(p, code)
}

func (m *MacroAssembler) Constraints() masm.Constraints {
	return masm.Constraints{
		ShiftCount: RCX, HasShiftCount: true,
		Dividend: RAX, DivClobber: RDX, HasDivRegs: true,
	}
}

func (m *MacroAssembler) Finalize() (compiled.Function, error) { return m.buf.Finalize() }
