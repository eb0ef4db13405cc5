package trampoline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// recorder logs the subset of the assembler an adapter uses. Anything else
// panics through the nil embedded interface.
type recorder struct {
	masm.MacroAssembler
	log []string
	sp  uint32
}

func (r *recorder) emit(format string, args ...interface{}) {
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

func (r *recorder) Prologue() { r.emit("prologue") }
func (r *recorder) Epilogue() { r.emit("epilogue") }

func (r *recorder) ReserveStack(n uint32) {
	if n > 0 {
		r.sp += n
		r.emit("reserve %d", n)
	}
}

func (r *recorder) FreeStack(n uint32) {
	if n > 0 {
		r.sp -= n
		r.emit("free %d", n)
	}
}

func (r *recorder) SPOffset() uint32 { return r.sp }

func (r *recorder) Push(src masm.RegImm, size masm.OperandSize) uint32 {
	r.sp += 8
	r.emit("push %s", src)
	return r.sp
}

func (r *recorder) Mov(src masm.RegImm, dst reg.Reg, size masm.OperandSize) {
	r.emit("mov %s, %s", src, dst)
}

func (r *recorder) Load(src masm.Address, dst reg.Reg, size masm.OperandSize) {
	r.emit("load%d %s, %s", size.Bits(), src, dst)
}

func (r *recorder) Store(src masm.RegImm, dst masm.Address, size masm.OperandSize) {
	r.emit("store%d %s, %s", size.Bits(), src, dst)
}

func (r *recorder) Copy(src, dst masm.Address, size masm.OperandSize) {
	r.emit("copy%d %s, %s", size.Bits(), src, dst)
}

func (r *recorder) Call(target masm.CallTarget) { r.emit("call %s", target.Reg) }

func (r *recorder) Finalize() (compiled.Function, error) { return compiled.Function{}, nil }

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

func compileRecorded(t *testing.T, ty wasm.FuncType) []string {
	t.Helper()
	rec := &recorder{}
	_, err := Compile(Target{
		Conv:    testConv(),
		Values:  reg.GPR(10),
		NewMasm: func() (masm.MacroAssembler, error) { return rec, nil },
	}, ty)
	require.NoError(t, err)
	return rec.log
}

func TestRegisterArguments(t *testing.T) {
	log := compileRecorded(t, wasm.Sig([]wasm.ValType{wasm.I64, wasm.I64}, wasm.I32))
	assert.Equal(t, []string{
		"prologue",
		"push r6",
		"push r7",
		"mov r7, r10",
		"load64 [r10+0], r6",
		"load64 [r10+16], r7",
		"load64 [fp-8], r10",
		"call r10",
		"load64 [fp-16], r10",
		"store32 r0, [r10+0]",
		"epilogue",
	}, log)
}

func TestStackArgumentsAreAligned(t *testing.T) {
	log := compileRecorded(t, wasm.Sig([]wasm.ValType{wasm.I32, wasm.I32, wasm.I32}))
	assert.Equal(t, []string{
		"prologue",
		"push r6",
		"push r7",
		"mov r7, r10",
		"reserve 16",
		"load32 [r10+0], r6",
		"load32 [r10+16], r7",
		"copy32 [r10+32], [sp+0]",
		"load64 [fp-8], r10",
		"call r10",
		"free 16",
		"epilogue",
	}, log)
}

func TestFloatArgumentsAndResult(t *testing.T) {
	log := compileRecorded(t, wasm.Sig([]wasm.ValType{wasm.I32, wasm.F64}, wasm.F32))
	assert.Contains(t, log, "load64 [r10+16], f6")
	assert.Contains(t, log, "store32 f0, [r10+0]")
}

func TestSlotsFeedStackAfterExhaustion(t *testing.T) {
	log := compileRecorded(t, wasm.Sig([]wasm.ValType{wasm.I64, wasm.I64, wasm.I64, wasm.F64}))
	assert.Contains(t, log, "copy64 [r10+32], [sp+0]")
	assert.Contains(t, log, "copy64 [r10+48], [sp+8]")
	assert.NotContains(t, log, "load64 [r10+48], f6")
	assert.Contains(t, log, "reserve 16")
}

func TestTargetErrors(t *testing.T) {
	newMasm := func() (masm.MacroAssembler, error) { return &recorder{}, nil }

	_, err := Compile(Target{Conv: testConv(), Values: reg.GPR(7), NewMasm: newMasm}, wasm.Sig(nil))
	assert.ErrorIs(t, err, ErrValuesRegister)

	_, err = Compile(Target{Conv: testConv(), Values: reg.GPR(10), NewMasm: newMasm}, wasm.Sig(nil, wasm.I32, wasm.I32))
	assert.ErrorIs(t, err, abi.ErrMultiValue)

	conv := testConv()
	conv.IntArgs = conv.IntArgs[:1]
	_, err = Compile(Target{Conv: conv, Values: reg.GPR(10), NewMasm: newMasm}, wasm.Sig(nil))
	assert.Error(t, err)
}
