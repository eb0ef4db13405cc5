package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	add := Sig([]ValType{I64, I64}, I64)
	src := NewModule(
		[]FuncType{add, Sig(nil, F32), add},
		[]FunctionBody{
			{Code: []byte{0x20, 0x00, 0x20, 0x01, 0x7c, 0x0b}},
			{Locals: []LocalDecl{{Count: 2, Type: F32}}, Code: []byte{0x20, 0x01, 0x0b}},
			{Code: []byte{0x20, 0x01, 0x20, 0x00, 0x7d, 0x0b}},
		},
		map[string]uint32{"add": 0, "sub": 2},
	)
	require.Len(t, src.Types, 2, "identical signatures share a type")
	assert.Equal(t, uint32(0), src.Funcs[2].TypeIndex)

	m, err := DecodeModuleBytes(src.Encode())
	require.NoError(t, err)
	assert.Equal(t, src.FuncTypes(), m.FuncTypes())
	assert.Equal(t, []string{"add", "sub"}, m.ExportNames())
	assert.Equal(t, uint32(2), m.Exports["sub"])
	assert.Equal(t, []LocalDecl{{Count: 2, Type: F32}}, m.Funcs[1].Body.Locals)
	for i, f := range m.Funcs {
		assert.Equal(t, src.Funcs[i].Body.Code, f.Body.Code, "function %d", i)
	}
	assert.Len(t, m.Signatures(), 2)
}

func TestEncodeRejectedByVerifier(t *testing.T) {
	// i32.add with an empty stack.
	src := NewModule([]FuncType{Sig(nil, I32)}, []FunctionBody{{Code: []byte{0x6a, 0x0b}}}, nil)
	_, err := DecodeModuleBytes(src.Encode())
	assert.ErrorContains(t, err, "verifying module")
}

func TestDecodeKeepsFinalEnd(t *testing.T) {
	src := NewModule([]FuncType{Sig(nil, I32)}, []FunctionBody{{Code: []byte{0x41, 0x2a, 0x0b}}}, nil)
	m, err := DecodeModuleBytes(src.Encode())
	require.NoError(t, err)
	require.Len(t, m.Funcs, 1)
	assert.Equal(t, []byte{0x41, 0x2a, 0x0b}, m.Funcs[0].Body.Code)
	assert.NoError(t, validateBody(m.Funcs[0].Type, nil, nil, m.Funcs[0].Body.Code))
}
