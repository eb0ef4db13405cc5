package frame

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func testConv() abi.Convention {
	return abi.Convention{
		IntArgs:      []reg.Reg{reg.GPR(0), reg.GPR(1)},
		FloatArgs:    []reg.Reg{reg.FPR(0)},
		IntResults:   []reg.Reg{reg.GPR(0)},
		FloatResults: []reg.Reg{reg.FPR(0)},
		StackAlign:   16,
		SlotSize:     8,
		ArgBase:      16,
	}
}

func newFrame(t *testing.T, params []wasm.ValType, defined ...wasm.ValType) *Frame {
	t.Helper()
	sig, err := abi.Classify(wasm.Sig(params), testConv())
	require.NoError(t, err)
	f, err := New(sig, defined, testConv())
	require.NoError(t, err)
	return f
}

func TestLayout(t *testing.T) {
	f := newFrame(t, []wasm.ValType{wasm.I32, wasm.F64, wasm.I64, wasm.I64}, wasm.F32, wasm.I32)
	require.Len(t, f.Locals, 6)
	assert.Equal(t, 4, f.DefinedStart)

	want := []masm.Address{
		masm.FPAddr(-8), masm.FPAddr(-16), masm.FPAddr(-24),
		masm.FPAddr(16), // fourth parameter arrives on the stack
		masm.FPAddr(-32), masm.FPAddr(-40),
	}
	for i, w := range want {
		assert.Equal(t, w, f.Locals[i].Addr, "local %d", i)
	}
	assert.True(t, f.Locals[3].Param)
	assert.False(t, f.Locals[4].Param)
	assert.Equal(t, uint32(48), f.LocalsSize)
}

func TestLocalsSizeIsAligned(t *testing.T) {
	for n := 0; n < 7; n++ {
		defined := make([]wasm.ValType, n)
		for i := range defined {
			defined[i] = wasm.I64
		}
		f := newFrame(t, []wasm.ValType{wasm.I32}, defined...)
		assert.Zero(t, f.LocalsSize%16, "%d locals", n)
		assert.GreaterOrEqual(t, f.LocalsSize, uint32(8*(n+1)))
	}
}

func TestLocalOutOfRange(t *testing.T) {
	f := newFrame(t, []wasm.ValType{wasm.I32})
	_, err := f.Local(0)
	require.NoError(t, err)
	_, err = f.Local(1)
	assert.ErrorIs(t, err, ErrLocalIndex)
}

func TestTooManyLocals(t *testing.T) {
	sig, err := abi.Classify(wasm.Sig([]wasm.ValType{wasm.I32}), testConv())
	require.NoError(t, err)
	_, err = New(sig, make([]wasm.ValType, wasm.MaxLocals), testConv())
	assert.ErrorIs(t, err, wasm.ErrTooManyLocals)
}

func TestScanLocals(t *testing.T) {
	body := wasm.FunctionBody{Locals: []wasm.LocalDecl{{Count: 2, Type: wasm.I64}, {Count: 1, Type: wasm.F32}}}
	got, err := ScanLocals(body, nil)
	require.NoError(t, err)
	assert.Equal(t, []wasm.ValType{wasm.I64, wasm.I64, wasm.F32}, got)
}

type recorder struct {
	masm.MacroAssembler
	log []string
}

func (r *recorder) Prologue()             { r.log = append(r.log, "prologue") }
func (r *recorder) Epilogue()             { r.log = append(r.log, "epilogue") }
func (r *recorder) ReserveStack(n uint32) { r.log = append(r.log, fmt.Sprintf("reserve %d", n)) }
func (r *recorder) Store(src masm.RegImm, dst masm.Address, size masm.OperandSize) {
	r.log = append(r.log, fmt.Sprintf("store%d %s, %s", size.Bits(), src, dst))
}

func TestPrologueSpillsArgsAndZeroesLocals(t *testing.T) {
	f := newFrame(t, []wasm.ValType{wasm.I32, wasm.F64, wasm.I64, wasm.I64}, wasm.F32)
	rec := &recorder{}
	f.EmitPrologue(rec)
	f.EmitEpilogue(rec)

	assert.Equal(t, []string{
		"prologue",
		"reserve 32",
		fmt.Sprintf("store32 %s, [fp-8]", reg.GPR(0)),
		fmt.Sprintf("store64 %s, [fp-16]", reg.FPR(0)),
		fmt.Sprintf("store64 %s, [fp-24]", reg.GPR(1)),
		"store64 $0x0, [fp-32]",
		"epilogue",
	}, rec.log)
}
