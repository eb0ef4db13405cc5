package arm64

import (
	"fmt"
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/isa/internal/progs"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/settings"
)

const (
	functionAlignment = 32
	// Pushes keep the stack pointer 16-byte aligned.
	slotSize = 16
	// btiC is the BTI c landing pad encoding.
	btiC = 0xd503245f
)

// MacroAssembler implements masm.MacroAssembler for AArch64.
type MacroAssembler struct {
	buf    *progs.Buffer
	sp     uint32
	shared settings.Shared
	bti    bool
}

var _ masm.MacroAssembler = (*MacroAssembler)(nil)

// NewMacroAssembler creates an assembler for one function. The caller must
// hold progs.Lock until Finalize returns.
func NewMacroAssembler(shared settings.Shared, isaFlags settings.Flags) (*MacroAssembler, error) {
	buf, err := progs.New("arm64", functionAlignment)
	if err != nil {
		return nil, err
	}
	return &MacroAssembler{buf: buf, shared: shared, bti: isaFlags.Bool("use_bti")}, nil
}

func regAddr(r reg.Reg) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: regNum(r)} }

func hwAddr(n int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: n} }

func constAddr(v int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: v} }

func memAddr(a masm.Address) obj.Addr {
	m := obj.Addr{Type: obj.TYPE_MEM, Offset: int64(a.Offset)}
	switch a.Base {
	case masm.FP:
		m.Reg = arm64.REGFP
	case masm.SP:
		m.Reg = arm64.REGSP
	default:
		m.Reg = regNum(a.Reg)
	}
	return m
}

func pick(size masm.OperandSize, as32, as64 obj.As) obj.As {
	if size == masm.S64 {
		return as64
	}
	return as32
}

// emit adds "as from, to".
func (m *MacroAssembler) emit(as obj.As, from, to obj.Addr) *obj.Prog {
	return m.buf.Emit(as, func(p *obj.Prog) {
		p.From = from
		p.To = to
	})
}

// emit3 adds "as from, reg, to".
func (m *MacroAssembler) emit3(as obj.As, from obj.Addr, r int16, to obj.Addr) *obj.Prog {
	return m.buf.Emit(as, func(p *obj.Prog) {
		p.From = from
		p.Reg = r
		p.To = to
	})
}

func signExt(imm uint64, size masm.OperandSize) int64 {
	if size == masm.S32 {
		return int64(int32(uint32(imm)))
	}
	return int64(imm)
}

// materialize loads imm into the private temporary.
func (m *MacroAssembler) materialize(imm uint64, size masm.OperandSize) reg.Reg {
	m.emit(pick(size, arm64.AMOVW, arm64.AMOVD), constAddr(signExt(imm, size)), regAddr(tmp))
	return tmp
}

// operand returns src as a register, or as a constant when it fits the
// 12-bit unsigned immediate of arithmetic and compare instructions.
func (m *MacroAssembler) operand(src masm.RegImm, size masm.OperandSize, addImm bool) obj.Addr {
	if !src.IsImm {
		return regAddr(src.Reg)
	}
	v := signExt(src.Imm, size)
	if addImm && v >= 0 && v < 1<<12 {
		return constAddr(v)
	}
	return regAddr(m.materialize(src.Imm, size))
}

func (m *MacroAssembler) Prologue() {
	if m.bti {
		m.emit(arm64.AWORD, obj.Addr{}, constAddr(btiC))
	}
	m.emit(arm64.ASUB, constAddr(16), hwAddr(arm64.REGSP))
	m.emit(arm64.AMOVD, hwAddr(arm64.REGFP), obj.Addr{Type: obj.TYPE_MEM, Reg: arm64.REGSP})
	m.emit(arm64.AMOVD, hwAddr(arm64.REGLINK), obj.Addr{Type: obj.TYPE_MEM, Reg: arm64.REGSP, Offset: 8})
	m.emit(arm64.AMOVD, hwAddr(arm64.REGSP), hwAddr(arm64.REGFP))
	m.sp = 0
}

func (m *MacroAssembler) Epilogue() {
	m.emit(arm64.AMOVD, hwAddr(arm64.REGFP), hwAddr(arm64.REGSP))
	m.emit(arm64.AMOVD, obj.Addr{Type: obj.TYPE_MEM, Reg: arm64.REGSP}, hwAddr(arm64.REGFP))
	m.emit(arm64.AMOVD, obj.Addr{Type: obj.TYPE_MEM, Reg: arm64.REGSP, Offset: 8}, hwAddr(arm64.REGLINK))
	m.emit(arm64.AADD, constAddr(16), hwAddr(arm64.REGSP))
	m.emit(obj.ARET, obj.Addr{}, hwAddr(arm64.REGLINK))
}

func (m *MacroAssembler) ReserveStack(n uint32) {
	if n == 0 {
		return
	}
	m.emit(arm64.ASUB, constAddr(int64(n)), hwAddr(arm64.REGSP))
	m.sp += n
}

func (m *MacroAssembler) FreeStack(n uint32) {
	if n == 0 {
		return
	}
	m.emit(arm64.AADD, constAddr(int64(n)), hwAddr(arm64.REGSP))
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
		fmov := pick(size, arm64.AFMOVS, arm64.AFMOVD)
		switch {
		case src.IsImm && src.Imm == 0:
			m.emit(fmov, hwAddr(arm64.REGZERO), regAddr(dst))
		case src.IsImm:
			m.emit(fmov, regAddr(m.materialize(src.Imm, size)), regAddr(dst))
		case src.Reg != dst:
			m.emit(fmov, regAddr(src.Reg), regAddr(dst))
		}
		return
	}
	switch {
	case src.IsImm:
		m.emit(pick(size, arm64.AMOVW, arm64.AMOVD), constAddr(signExt(src.Imm, size)), regAddr(dst))
		if size == masm.S32 {
			// i32 values keep the upper half of the register clear.
			m.emit(arm64.AMOVWU, regAddr(dst), regAddr(dst))
		}
	case src.Reg.IsFloat():
		m.emit(pick(size, arm64.AFMOVS, arm64.AFMOVD), regAddr(src.Reg), regAddr(dst))
	case src.Reg != dst:
		m.emit(pick(size, arm64.AMOVWU, arm64.AMOVD), regAddr(src.Reg), regAddr(dst))
	}
}

func loadOp(r reg.Reg, size masm.OperandSize) obj.As {
	if r.IsFloat() {
		return pick(size, arm64.AFMOVS, arm64.AFMOVD)
	}
	return pick(size, arm64.AMOVWU, arm64.AMOVD)
}

func storeOp(r reg.Reg, size masm.OperandSize) obj.As {
	if r.IsFloat() {
		return pick(size, arm64.AFMOVS, arm64.AFMOVD)
	}
	return pick(size, arm64.AMOVW, arm64.AMOVD)
}

func (m *MacroAssembler) Load(src masm.Address, dst reg.Reg, size masm.OperandSize) {
	m.emit(loadOp(dst, size), memAddr(src), regAddr(dst))
}

func (m *MacroAssembler) Store(src masm.RegImm, dst masm.Address, size masm.OperandSize) {
	switch {
	case !src.IsImm:
		m.emit(storeOp(src.Reg, size), regAddr(src.Reg), memAddr(dst))
	case src.Imm == 0:
		m.emit(pick(size, arm64.AMOVW, arm64.AMOVD), hwAddr(arm64.REGZERO), memAddr(dst))
	default:
		m.emit(pick(size, arm64.AMOVW, arm64.AMOVD), regAddr(m.materialize(src.Imm, size)), memAddr(dst))
	}
}

func (m *MacroAssembler) Copy(src, dst masm.Address, size masm.OperandSize) {
	m.emit(pick(size, arm64.AMOVWU, arm64.AMOVD), memAddr(src), regAddr(tmp))
	m.emit(pick(size, arm64.AMOVW, arm64.AMOVD), regAddr(tmp), memAddr(dst))
}

var intOps = [...][2]obj.As{
	masm.IntAdd: {arm64.AADDW, arm64.AADD},
	masm.IntSub: {arm64.ASUBW, arm64.ASUB},
	masm.IntMul: {arm64.AMULW, arm64.AMUL},
	masm.IntAnd: {arm64.AANDW, arm64.AAND},
	masm.IntOr:  {arm64.AORRW, arm64.AORR},
	masm.IntXor: {arm64.AEORW, arm64.AEOR},
}

func (m *MacroAssembler) IntBinop(op masm.IntOp, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	addImm := op == masm.IntAdd || op == masm.IntSub
	from := m.operand(src, size, addImm)
	m.emit3(pick(size, intOps[op][0], intOps[op][1]), from, regNum(dst), regAddr(dst))
}

var shiftOps = [...][2]obj.As{
	masm.Shl:  {arm64.ALSLW, arm64.ALSL},
	masm.ShrS: {arm64.AASRW, arm64.AASR},
	masm.ShrU: {arm64.ALSRW, arm64.ALSR},
	masm.Rotl: {arm64.ARORW, arm64.AROR},
	masm.Rotr: {arm64.ARORW, arm64.AROR},
}

// Shift relies on the hardware taking register shift amounts modulo the
// operand width. There is no rotate left, so it rotates right by the
// negated amount.
func (m *MacroAssembler) Shift(kind masm.ShiftKind, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	as := pick(size, shiftOps[kind][0], shiftOps[kind][1])
	bits := uint64(size.Bits())
	if src.IsImm {
		n := src.Imm & (bits - 1)
		if kind == masm.Rotl {
			n = (bits - n) & (bits - 1)
		}
		m.emit3(as, constAddr(int64(n)), regNum(dst), regAddr(dst))
		return
	}
	count := src.Reg
	if kind == masm.Rotl {
		m.emit(pick(size, arm64.ANEGW, arm64.ANEG), regAddr(count), regAddr(tmp))
		count = tmp
	}
	m.emit3(as, regAddr(count), regNum(dst), regAddr(dst))
}

func minSigned(size masm.OperandSize) uint64 {
	if size == masm.S64 {
		return 1 << 63
	}
	return 1 << 31
}

// checkDivisor traps on a zero divisor; the divide instructions yield zero
// instead of faulting.
func (m *MacroAssembler) checkDivisor(rhs reg.Reg, size masm.OperandSize) {
	ok := m.buf.NewLabel()
	m.BranchIf(masm.Ne, rhs, masm.I(0), size, ok)
	m.Trap(compiled.IntegerDivisionByZero)
	m.buf.Bind(ok)
}

func (m *MacroAssembler) Div(kind masm.DivKind, dst, rhs reg.Reg, size masm.OperandSize) {
	m.checkDivisor(rhs, size)
	as := pick(size, arm64.AUDIVW, arm64.AUDIV)
	if kind == masm.DivS {
		ok := m.buf.NewLabel()
		m.BranchIf(masm.Ne, rhs, masm.I(math.MaxUint64), size, ok)
		m.BranchIf(masm.Ne, dst, masm.I(minSigned(size)), size, ok)
		m.Trap(compiled.IntegerOverflow)
		m.buf.Bind(ok)
		as = pick(size, arm64.ASDIVW, arm64.ASDIV)
	}
	m.emit3(as, regAddr(rhs), regNum(dst), regAddr(dst))
}

// Rem uses the REM pseudo-instructions, which expand to a divide into R27
// followed by MSUB. MIN % -1 wraps to 0 without trapping.
func (m *MacroAssembler) Rem(kind masm.RemKind, dst, rhs reg.Reg, size masm.OperandSize) {
	m.checkDivisor(rhs, size)
	as := pick(size, arm64.AUREMW, arm64.AUREM)
	if kind == masm.RemS {
		as = pick(size, arm64.AREMW, arm64.AREM)
	}
	m.emit3(as, regAddr(rhs), regNum(dst), regAddr(dst))
}

func (m *MacroAssembler) Unop(op masm.UnOp, dst, src reg.Reg, size masm.OperandSize) error {
	switch op {
	case masm.Clz:
		m.emit(pick(size, arm64.ACLZW, arm64.ACLZ), regAddr(src), regAddr(dst))
	case masm.Ctz:
		m.emit(pick(size, arm64.ARBITW, arm64.ARBIT), regAddr(src), regAddr(dst))
		m.emit(pick(size, arm64.ACLZW, arm64.ACLZ), regAddr(dst), regAddr(dst))
	case masm.Popcnt:
		// There is no scalar popcount; count bytes in a vector register
		// and sum the lanes.
		arr := vregNum(fscratch)&31 + arm64.REG_ARNG + (arm64.ARNG_8B&15)<<5
		m.emit(pick(size, arm64.AFMOVS, arm64.AFMOVD), regAddr(src), regAddr(fscratch))
		m.emit(arm64.AVCNT, hwAddr(arr), hwAddr(arr))
		m.emit(arm64.AVUADDLV, hwAddr(arr), hwAddr(vregNum(fscratch)))
		m.emit(arm64.AFMOVD, regAddr(fscratch), regAddr(dst))
	default:
		return fmt.Errorf("%w: unary op %d", masm.ErrUnsupported, op)
	}
	return nil
}

var floatOps = [...][2]obj.As{
	masm.FloatAdd: {arm64.AFADDS, arm64.AFADDD},
	masm.FloatSub: {arm64.AFSUBS, arm64.AFSUBD},
	masm.FloatMul: {arm64.AFMULS, arm64.AFMULD},
	masm.FloatDiv: {arm64.AFDIVS, arm64.AFDIVD},
}

func (m *MacroAssembler) FloatBinop(op masm.FloatOp, dst, src reg.Reg, size masm.OperandSize) {
	m.emit3(pick(size, floatOps[op][0], floatOps[op][1]), regAddr(src), regNum(dst), regAddr(dst))
}

func (m *MacroAssembler) FloatUnop(op masm.FloatUnOp, dst reg.Reg, size masm.OperandSize) {
	as := pick(size, arm64.AFNEGS, arm64.AFNEGD)
	if op == masm.FloatAbs {
		as = pick(size, arm64.AFABSS, arm64.AFABSD)
	}
	m.emit(as, regAddr(dst), regAddr(dst))
}

var roundOps = [...][2]obj.As{
	masm.RoundFloor:   {arm64.AFRINTMS, arm64.AFRINTMD},
	masm.RoundCeil:    {arm64.AFRINTPS, arm64.AFRINTPD},
	masm.RoundTrunc:   {arm64.AFRINTZS, arm64.AFRINTZD},
	masm.RoundNearest: {arm64.AFRINTNS, arm64.AFRINTND},
}

func (m *MacroAssembler) Round(mode masm.RoundMode, dst, src reg.Reg, size masm.OperandSize) bool {
	m.emit(pick(size, roundOps[mode][0], roundOps[mode][1]), regAddr(src), regAddr(dst))
	return true
}

var intConds = [...]int16{
	masm.Eq:  arm64.COND_EQ,
	masm.Ne:  arm64.COND_NE,
	masm.LtS: arm64.COND_LT,
	masm.LtU: arm64.COND_LO,
	masm.GtS: arm64.COND_GT,
	masm.GtU: arm64.COND_HI,
	masm.LeS: arm64.COND_LE,
	masm.LeU: arm64.COND_LS,
	masm.GeS: arm64.COND_GE,
	masm.GeU: arm64.COND_HS,
}

// Float conditions after FCMP; each is false for unordered operands
// except ne.
var floatConds = [...]int16{
	masm.FEq: arm64.COND_EQ,
	masm.FNe: arm64.COND_NE,
	masm.FLt: arm64.COND_MI,
	masm.FGt: arm64.COND_GT,
	masm.FLe: arm64.COND_LS,
	masm.FGe: arm64.COND_GE,
}

var branches = [...]obj.As{
	masm.Eq:  arm64.ABEQ,
	masm.Ne:  arm64.ABNE,
	masm.LtS: arm64.ABLT,
	masm.LtU: arm64.ABLO,
	masm.GtS: arm64.ABGT,
	masm.GtU: arm64.ABHI,
	masm.LeS: arm64.ABLE,
	masm.LeU: arm64.ABLS,
	masm.GeS: arm64.ABGE,
	masm.GeU: arm64.ABHS,
}

func (m *MacroAssembler) cmp(lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize) {
	m.emit3(pick(size, arm64.ACMPW, arm64.ACMP), m.operand(rhs, size, true), regNum(lhs), obj.Addr{})
}

func (m *MacroAssembler) cset(cond int16, dst reg.Reg) {
	m.emit(arm64.ACSET, hwAddr(cond), regAddr(dst))
}

func (m *MacroAssembler) Cmp(kind masm.IntCmpKind, dst, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize) {
	m.cmp(lhs, rhs, size)
	m.cset(intConds[kind], dst)
}

func (m *MacroAssembler) FloatCmp(kind masm.FloatCmpKind, dst, lhs, rhs reg.Reg, size masm.OperandSize) {
	m.emit3(pick(size, arm64.AFCMPS, arm64.AFCMPD), regAddr(rhs), regNum(lhs), obj.Addr{})
	m.cset(floatConds[kind], dst)
}

func (m *MacroAssembler) Convert(kind masm.ConvKind, dst, src reg.Reg) {
	switch kind {
	case masm.WrapI64, masm.ExtendI32U:
		m.emit(arm64.AMOVWU, regAddr(src), regAddr(dst))
	case masm.ExtendI32S:
		m.emit(arm64.ASXTW, regAddr(src), regAddr(dst))
	case masm.DemoteF64:
		m.emit(arm64.AFCVTDS, regAddr(src), regAddr(dst))
	case masm.PromoteF32:
		m.emit(arm64.AFCVTSD, regAddr(src), regAddr(dst))
	case masm.ReinterpretF32AsI32, masm.ReinterpretI32AsF32:
		m.emit(arm64.AFMOVS, regAddr(src), regAddr(dst))
	case masm.ReinterpretF64AsI64, masm.ReinterpretI64AsF64:
		m.emit(arm64.AFMOVD, regAddr(src), regAddr(dst))
	}
}

func (m *MacroAssembler) NewLabel() masm.Label { return m.buf.NewLabel() }
func (m *MacroAssembler) Bind(l masm.Label)    { m.buf.Bind(l) }
func (m *MacroAssembler) Jmp(l masm.Label)     { m.buf.Branch(obj.AJMP, l) }

func (m *MacroAssembler) BranchIf(kind masm.IntCmpKind, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize, l masm.Label) {
	m.cmp(lhs, rhs, size)
	m.buf.Branch(branches[kind], l)
}

// Call emits a call. Direct calls are a BL with a zero displacement that
// the relocation later fills in.
func (m *MacroAssembler) Call(target masm.CallTarget) {
	if target.Kind == masm.CallIndirect {
		m.emit(arm64.ABL, obj.Addr{}, regAddr(target.Reg))
		return
	}
	p := m.emit(arm64.ABL, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	rt := compiled.UserFunc(target.Func)
	if target.Kind == masm.CallLib {
		rt = compiled.Lib(target.LibCall)
	}
	m.buf.RelocAt(p, 0, compiled.Relocation{Kind: compiled.Arm64Call, Target: rt})
}

func (m *MacroAssembler) Trap(code compiled.TrapCode) {
	p := m.emit(obj.AUNDEF, obj.Addr{}, obj.Addr{})
	m.buf.TrapAt(p, code)
}

// Constraints is empty: every operation takes its operands in any register.
func (m *MacroAssembler) Constraints() masm.Constraints { return masm.Constraints{} }

func (m *MacroAssembler) Finalize() (compiled.Function, error) { return m.buf.Finalize() }
