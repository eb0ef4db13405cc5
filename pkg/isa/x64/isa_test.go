package x64

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func newTarget(t *testing.T, flags ...string) *Target {
	t.Helper()
	b := settings.NewBuilder(Template)
	for i := 0; i+1 < len(flags); i += 2 {
		require.NoError(t, b.Set(flags[i], flags[i+1]))
	}
	return New(triple.MustParse("x86_64-unknown-linux-gnu"), settings.DefaultShared(), b.Finish())
}

func compile(t *testing.T, tgt *Target, ty wasm.FuncType, code []byte, funcs ...wasm.FuncType) (compiled.Function, error) {
	t.Helper()
	return tgt.CompileFunction(codegen.Input{
		Type:  ty,
		Body:  wasm.FunctionBody{Code: code},
		Funcs: append([]wasm.FuncType{ty}, funcs...),
	})
}

func TestTargetQueries(t *testing.T) {
	tgt := newTarget(t)
	assert.Equal(t, "x64", tgt.Name())
	assert.Equal(t, abi.SystemV, tgt.CallConv())
	assert.Equal(t, uint32(16), tgt.FunctionAlignment())
	assert.Equal(t, uint32(0x1000), tgt.CodeSectionAlignment())
	assert.Equal(t, triple.Little, tgt.Endianness())
	assert.False(t, tgt.IsBranchProtectionEnabled())

	win := New(triple.MustParse("x86_64-pc-windows-msvc"), settings.DefaultShared(), settings.NewBuilder(Template).Finish())
	assert.Equal(t, abi.WindowsFastcall, win.CallConv())
}

func TestConstantFunction(t *testing.T) {
	fn, err := compile(t, newTarget(t), wasm.Sig(nil, wasm.I32), []byte{0x41, 0x2a, 0x0b})
	require.NoError(t, err)
	require.NotEmpty(t, fn.Code)
	assert.Equal(t, byte(0x55), fn.Code[0], "push rbp")
	assert.Equal(t, byte(0xc3), fn.Code[len(fn.Code)-1], "ret")
	assert.True(t, bytes.Contains(fn.Code, []byte{0xb8, 0x2a, 0, 0, 0}), "mov eax, 42 in % x", fn.Code)
	assert.Equal(t, uint32(16), fn.Alignment)
	assert.Empty(t, fn.Relocations)
	assert.Empty(t, fn.Traps)
}

func TestDirectCallRecordsRelocation(t *testing.T) {
	callee := wasm.Sig(nil)
	fn, err := compile(t, newTarget(t), wasm.Sig(nil), []byte{0x10, 0x01, 0x0b}, callee)
	require.NoError(t, err)
	require.Len(t, fn.Relocations, 1)
	r := fn.Relocations[0]
	assert.Equal(t, compiled.X86CallPCRel4, r.Kind)
	assert.Equal(t, compiled.UserFunc(1), r.Target)
	assert.Equal(t, int64(-4), r.Addend)
	require.Greater(t, r.Offset, uint32(0))
	assert.Equal(t, byte(0xe8), fn.Code[r.Offset-1], "call rel32")
	assert.Equal(t, []byte{0, 0, 0, 0}, fn.Code[r.Offset:r.Offset+4])
}

func TestUnreachableRecordsTrap(t *testing.T) {
	fn, err := compile(t, newTarget(t), wasm.Sig(nil), []byte{0x00, 0x0b})
	require.NoError(t, err)
	require.Len(t, fn.Traps, 1)
	off := fn.Traps[0].Offset
	assert.Equal(t, compiled.UnreachableCodeReached, fn.Traps[0].Code)
	assert.Equal(t, []byte{0x0f, 0x0b}, fn.Code[off:off+2], "ud2")
}

func TestPopcntNeedsFeature(t *testing.T) {
	code := []byte{0x20, 0x00, 0x69, 0x0b}
	ty := wasm.Sig([]wasm.ValType{wasm.I32}, wasm.I32)

	_, err := compile(t, newTarget(t), ty, code)
	var cerr *codegen.Error
	require.True(t, errors.As(err, &cerr), "%v", err)
	assert.Equal(t, codegen.KindUnsupported, cerr.Kind)

	_, err = compile(t, newTarget(t, "has_popcnt", "true"), ty, code)
	assert.NoError(t, err)
}

func TestRoundingWithoutSSE41CallsLibrary(t *testing.T) {
	code := []byte{0x20, 0x00, 0x9c, 0x0b} // f64.floor
	ty := wasm.Sig([]wasm.ValType{wasm.F64}, wasm.F64)

	fn, err := compile(t, newTarget(t), ty, code)
	require.NoError(t, err)
	require.Len(t, fn.Relocations, 1)
	assert.Equal(t, compiled.Lib(compiled.FloorF64), fn.Relocations[0].Target)

	fn, err = compile(t, newTarget(t, "has_sse41", "true"), ty, code)
	require.NoError(t, err)
	assert.Empty(t, fn.Relocations)
}

func TestTrampoline(t *testing.T) {
	fn, err := newTarget(t).CompileTrampoline(wasm.Sig([]wasm.ValType{wasm.I64, wasm.I64}, wasm.I32))
	require.NoError(t, err)
	assert.NotEmpty(t, fn.Code)
	assert.Empty(t, fn.Traps)
	assert.Empty(t, fn.Relocations)
}

func TestSampleBodiesCompile(t *testing.T) {
	i32, i64, f32 := wasm.I32, wasm.I64, wasm.F32
	tests := []struct {
		name string
		ty   wasm.FuncType
		code []byte
	}{
		{"div and rem", wasm.Sig([]wasm.ValType{i32, i32}, i32), []byte{0x20, 0x00, 0x20, 0x01, 0x6d, 0x20, 0x01, 0x70, 0x0b}},
		{"shifts", wasm.Sig([]wasm.ValType{i64, i64}, i64), []byte{0x20, 0x00, 0x20, 0x01, 0x86, 0x20, 0x01, 0x8a, 0x0b}},
		{"clz ctz", wasm.Sig([]wasm.ValType{i32}, i32), []byte{0x20, 0x00, 0x67, 0x68, 0x0b}},
		{"compare and select", wasm.Sig([]wasm.ValType{i32, i32}, i32), []byte{0x20, 0x00, 0x20, 0x01, 0x20, 0x00, 0x20, 0x01, 0x48, 0x1b, 0x0b}},
		{"float arithmetic", wasm.Sig([]wasm.ValType{f32, f32}, f32), []byte{0x20, 0x00, 0x20, 0x01, 0x94, 0x8c, 0x0b}},
		{"loop countdown", wasm.Sig([]wasm.ValType{i32}, i32), []byte{
			0x03, 0x40, 0x20, 0x00, 0x41, 0x01, 0x6b, 0x22, 0x00, 0x0d, 0x00, 0x0b, 0x20, 0x00, 0x0b,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := compile(t, newTarget(t), tt.ty, tt.code)
			require.NoError(t, err)
			assert.NotEmpty(t, fn.Code)
		})
	}
}
