package codegen

import (
	"fmt"
	"strings"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
	"github.com/raymyers/wasmbc/pkg/settings"
)

// fakeMasm records every macro instruction as a line of text and keeps
// the same stack pointer bookkeeping a real backend does.
type fakeMasm struct {
	log      []string
	sp       uint32
	labels   int
	bound    map[masm.Label]bool
	used     map[masm.Label]bool
	noRound  bool
	noPopcnt bool
	cons     masm.Constraints
}

var _ masm.MacroAssembler = (*fakeMasm)(nil)

func newFakeMasm() *fakeMasm {
	return &fakeMasm{bound: map[masm.Label]bool{}, used: map[masm.Label]bool{}}
}

func (f *fakeMasm) emit(format string, args ...interface{}) {
	f.log = append(f.log, fmt.Sprintf(format, args...))
}

func (f *fakeMasm) text() string { return strings.Join(f.log, "\n") }

// index returns the position of the first line equal to line, or -1.
func (f *fakeMasm) index(line string) int {
	for i, l := range f.log {
		if l == line {
			return i
		}
	}
	return -1
}

func (f *fakeMasm) Prologue() { f.emit("prologue") }
func (f *fakeMasm) Epilogue() { f.emit("epilogue") }

func (f *fakeMasm) ReserveStack(n uint32) {
	f.sp += n
	f.emit("reserve %d", n)
}

func (f *fakeMasm) FreeStack(n uint32) {
	f.sp -= n
	f.emit("free %d", n)
}

func (f *fakeMasm) ResetStack(offset uint32) {
	if offset != f.sp {
		f.emit("reset %d", offset)
	}
	f.sp = offset
}

func (f *fakeMasm) SPOffset() uint32          { return f.sp }
func (f *fakeMasm) SetSPOffset(offset uint32) { f.sp = offset }
func (f *fakeMasm) SlotSize() uint32          { return 8 }

func (f *fakeMasm) Push(src masm.RegImm, size masm.OperandSize) uint32 {
	f.sp += 8
	f.emit("push %s", src)
	return f.sp
}

func (f *fakeMasm) PushFrom(src masm.Address, size masm.OperandSize) uint32 {
	f.sp += 8
	f.emit("push %s", src)
	return f.sp
}

func (f *fakeMasm) Pop(dst reg.Reg, size masm.OperandSize) {
	f.emit("pop %s", dst)
	f.sp -= 8
}

func (f *fakeMasm) Mov(src masm.RegImm, dst reg.Reg, size masm.OperandSize) {
	f.emit("mov %s, %s", src, dst)
}

func (f *fakeMasm) Load(src masm.Address, dst reg.Reg, size masm.OperandSize) {
	f.emit("load %s, %s", src, dst)
}

func (f *fakeMasm) Store(src masm.RegImm, dst masm.Address, size masm.OperandSize) {
	f.emit("store %s, %s", src, dst)
}

func (f *fakeMasm) Copy(src, dst masm.Address, size masm.OperandSize) {
	f.emit("copy %s, %s", src, dst)
}

var intOpNames = [...]string{"add", "sub", "mul", "and", "or", "xor"}

func (f *fakeMasm) IntBinop(op masm.IntOp, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	f.emit("%s %s, %s", intOpNames[op], dst, src)
}

var shiftNames = [...]string{"shl", "shrs", "shru", "rotl", "rotr"}

func (f *fakeMasm) Shift(kind masm.ShiftKind, dst reg.Reg, src masm.RegImm, size masm.OperandSize) {
	f.emit("%s %s, %s", shiftNames[kind], dst, src)
}

func (f *fakeMasm) Div(kind masm.DivKind, dst, rhs reg.Reg, size masm.OperandSize) {
	f.emit("%s %s, %s", [...]string{"divs", "divu"}[kind], dst, rhs)
}

func (f *fakeMasm) Rem(kind masm.RemKind, dst, rhs reg.Reg, size masm.OperandSize) {
	f.emit("%s %s, %s", [...]string{"rems", "remu"}[kind], dst, rhs)
}

func (f *fakeMasm) Unop(op masm.UnOp, dst, src reg.Reg, size masm.OperandSize) error {
	if op == masm.Popcnt && f.noPopcnt {
		return masm.ErrUnsupported
	}
	f.emit("%s %s, %s", [...]string{"clz", "ctz", "popcnt"}[op], dst, src)
	return nil
}

func (f *fakeMasm) FloatBinop(op masm.FloatOp, dst, src reg.Reg, size masm.OperandSize) {
	f.emit("%s %s, %s", [...]string{"fadd", "fsub", "fmul", "fdiv"}[op], dst, src)
}

func (f *fakeMasm) FloatUnop(op masm.FloatUnOp, dst reg.Reg, size masm.OperandSize) {
	f.emit("%s %s", [...]string{"fneg", "fabs"}[op], dst)
}

func (f *fakeMasm) Round(mode masm.RoundMode, dst, src reg.Reg, size masm.OperandSize) bool {
	if f.noRound {
		return false
	}
	f.emit("%s %s, %s", [...]string{"floor", "ceil", "trunc", "nearest"}[mode], dst, src)
	return true
}

var cmpNames = [...]string{"eq", "ne", "lts", "ltu", "gts", "gtu", "les", "leu", "ges", "geu"}

func (f *fakeMasm) Cmp(kind masm.IntCmpKind, dst, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize) {
	f.emit("set%s %s, %s, %s", cmpNames[kind], dst, lhs, rhs)
}

func (f *fakeMasm) FloatCmp(kind masm.FloatCmpKind, dst, lhs, rhs reg.Reg, size masm.OperandSize) {
	f.emit("fset%s %s, %s, %s", [...]string{"eq", "ne", "lt", "gt", "le", "ge"}[kind], dst, lhs, rhs)
}

func (f *fakeMasm) Convert(kind masm.ConvKind, dst, src reg.Reg) {
	f.emit("convert%d %s, %s", kind, dst, src)
}

func (f *fakeMasm) NewLabel() masm.Label {
	l := masm.Label(f.labels)
	f.labels++
	return l
}

func (f *fakeMasm) Bind(l masm.Label) {
	f.bound[l] = true
	f.emit("L%d:", l)
}

func (f *fakeMasm) Jmp(l masm.Label) {
	f.used[l] = true
	f.emit("jmp L%d", l)
}

func (f *fakeMasm) BranchIf(kind masm.IntCmpKind, lhs reg.Reg, rhs masm.RegImm, size masm.OperandSize, l masm.Label) {
	f.used[l] = true
	f.emit("b%s %s, %s, L%d", cmpNames[kind], lhs, rhs, l)
}

func (f *fakeMasm) Call(target masm.CallTarget) {
	switch target.Kind {
	case masm.CallDirect:
		f.emit("call func %d", target.Func)
	case masm.CallLib:
		f.emit("call lib %s", target.LibCall)
	default:
		f.emit("call %s", target.Reg)
	}
}

func (f *fakeMasm) Trap(code compiled.TrapCode) { f.emit("trap %s", code) }

func (f *fakeMasm) Constraints() masm.Constraints { return f.cons }

func (f *fakeMasm) Finalize() (compiled.Function, error) {
	for l := range f.used {
		if !f.bound[l] {
			return compiled.Function{}, fmt.Errorf("label L%d is never bound", l)
		}
	}
	return compiled.Function{Code: []byte(f.text())}, nil
}

// testConv passes two arguments of each class in r6, r7 and f6, f7.
func testConv() abi.Convention {
	return abi.Convention{
		IntArgs:      []reg.Reg{reg.GPR(6), reg.GPR(7)},
		FloatArgs:    []reg.Reg{reg.FPR(6), reg.FPR(7)},
		IntResults:   []reg.Reg{reg.GPR(0)},
		FloatResults: []reg.Reg{reg.FPR(0)},
		StackAlign:   16,
		SlotSize:     8,
		ArgBase:      16,
	}
}

func regRange(mk func(uint8) reg.Reg, from, to uint8) []reg.Reg {
	var out []reg.Reg
	for n := from; n <= to; n++ {
		out = append(out, mk(n))
	}
	return out
}

// testTarget returns a target whose assembler is fake, which it also
// returns for inspection once a function is compiled.
func testTarget(fake *fakeMasm, flags ...string) Target {
	b := settings.NewSharedBuilder()
	for i := 0; i+1 < len(flags); i += 2 {
		if err := b.Set(flags[i], flags[i+1]); err != nil {
			panic(err)
		}
	}
	return Target{
		Conv:        testConv(),
		Shared:      settings.Shared{Flags: b.Finish()},
		Allocatable: regalloc.NewRegSet(append(regRange(reg.GPR, 0, 7), regRange(reg.FPR, 0, 7)...)...),
		Scratch:     regalloc.NewRegSet(reg.GPR(15), reg.FPR(15)),
		NewMasm:     func() (masm.MacroAssembler, error) { return fake, nil },
	}
}
