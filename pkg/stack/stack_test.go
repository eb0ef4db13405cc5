package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func TestPushPopPeek(t *testing.T) {
	s := New()
	s.Push(ImmVal(7, wasm.I32))
	s.Push(LocalVal(2, wasm.F64))
	s.Push(MemVal(24, wasm.I64))
	assert.Equal(t, 3, s.Len())

	top, err := s.Peek(0)
	require.NoError(t, err)
	assert.True(t, top.IsMem())
	below, err := s.Peek(1)
	require.NoError(t, err)
	assert.True(t, below.IsLocalIndex(2))
	assert.False(t, below.IsLocalIndex(3))
	_, err = s.Peek(3)
	assert.ErrorIs(t, err, ErrUnderflow)

	v, err := s.Pop()
	require.NoError(t, err)
	assert.Equal(t, uint32(24), v.Offset)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, ImmVal(7, wasm.I32), s.At(0))
}

func TestPopEmpty(t *testing.T) {
	_, err := New().Pop()
	assert.ErrorIs(t, err, ErrUnderflow)
	assert.ErrorIs(t, New().Retype(wasm.F32), ErrUnderflow)
}

func TestRegisterQueries(t *testing.T) {
	s := New()
	s.Push(RegVal(reg.GPR(3), wasm.I32))
	s.Push(RegVal(reg.FPR(1), wasm.F32))
	s.Push(RegVal(reg.GPR(5), wasm.I64))

	assert.Equal(t, 2, s.IndexOfReg(reg.GPR(5)))
	assert.Equal(t, -1, s.IndexOfReg(reg.GPR(4)))
	assert.Equal(t, 0, s.OldestReg(reg.Int))
	assert.Equal(t, 1, s.OldestReg(reg.Float))
	assert.Equal(t, reg.Float, s.At(1).Class())
}

func TestTruncateFreesRegisters(t *testing.T) {
	ra := regalloc.NewAllocator(regalloc.NewRegSet(reg.GPR(0), reg.GPR(1), reg.FPR(0)), regalloc.NewRegSet())
	require.NoError(t, ra.Take(reg.GPR(1)))
	require.NoError(t, ra.Take(reg.FPR(0)))

	s := New()
	s.Push(ImmVal(1, wasm.I32))
	s.Push(RegVal(reg.GPR(1), wasm.I32))
	s.Push(RegVal(reg.FPR(0), wasm.F64))

	dropped, err := s.TruncateTo(1, ra)
	require.NoError(t, err)
	assert.Len(t, dropped, 2)
	assert.Equal(t, 1, s.Len())
	assert.True(t, ra.IsFree(reg.GPR(1)))
	assert.True(t, ra.IsFree(reg.FPR(0)))

	_, err = s.TruncateTo(2, ra)
	assert.ErrorIs(t, err, ErrUnderflow)
}

func TestRetypeKeepsLocation(t *testing.T) {
	s := New()
	s.Push(RegVal(reg.GPR(2), wasm.I64))
	require.NoError(t, s.Retype(wasm.F64))
	top, err := s.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, wasm.F64, top.Ty)
	assert.Equal(t, reg.GPR(2), top.Reg)
}

func TestValString(t *testing.T) {
	assert.Equal(t, "[fp-16]:i64", MemVal(16, wasm.I64).String())
	assert.Equal(t, "$0x2a:i32", ImmVal(42, wasm.I32).String())
	assert.Equal(t, "local3:f32", LocalVal(3, wasm.F32).String())
}
