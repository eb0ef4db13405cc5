package wasm

import (
	"io"
	"math"
	"testing"

	ops "github.com/go-interpreter/wagon/wasm/operators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFunctionBody(t *testing.T) {
	// 2 runs: 3 x i32, 1 x f64; body: i32.const 7, end
	raw := []byte{0x02, 0x03, 0x7f, 0x01, 0x7c, 0x41, 0x07, 0x0b}
	body, err := ParseFunctionBody(raw)
	require.NoError(t, err)
	assert.Equal(t, []LocalDecl{{Count: 3, Type: I32}, {Count: 1, Type: F64}}, body.Locals)
	assert.Equal(t, []byte{0x41, 0x07, 0x0b}, body.Code)
	assert.Equal(t, []ValType{I32, I32, I32, F64}, body.LocalTypes())
}

func TestParseFunctionBodyErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated entry", []byte{0x01, 0x02}},
		{"bad type", []byte{0x01, 0x01, 0x6f, 0x0b}},
		{"too many locals", []byte{0x02, 0xff, 0xff, 0x03, 0x7f, 0x01, 0x7f, 0x0b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFunctionBody(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestOperatorReader(t *testing.T) {
	f32 := math.Float32bits(1.5)
	code := []byte{
		0x02, 0x7f, // block (result i32)
		0x41, 0x7f, // i32.const -1
		0x42, 0x80, 0x01, // i64.const 128
		0x43, byte(f32), byte(f32 >> 8), byte(f32 >> 16), byte(f32 >> 24), // f32.const 1.5
		0x20, 0x02, // local.get 2
		0x0e, 0x02, 0x00, 0x01, 0x00, // br_table 0 1 default 0
		0x10, 0x05, // call 5
		0x0b, // end
	}
	rd := NewOperatorReader(code)
	var got []Operator
	for !rd.EOF() {
		op, err := rd.Next()
		require.NoError(t, err)
		got = append(got, op)
	}
	require.Len(t, got, 8)

	assert.Equal(t, "block", got[0].Name())
	assert.Equal(t, []ValType{I32}, got[0].Block.Results)
	assert.Equal(t, 1, got[0].Block.Arity())
	assert.Equal(t, uint64(0xffffffff), got[1].Imm)
	assert.Equal(t, uint64(128), got[2].Imm)
	assert.Equal(t, uint64(f32), got[3].Imm)
	assert.Equal(t, uint32(2), got[4].Index)
	assert.Equal(t, []uint32{0, 1}, got[5].Targets)
	assert.Equal(t, uint32(0), got[5].Default)
	assert.Equal(t, uint32(5), got[6].Index)
	assert.True(t, got[7].Code == ops.End)
	assert.Equal(t, len(code)-1, got[7].Offset)
	assert.Equal(t, "end", got[7].Name())
}

func TestOperatorReaderErrors(t *testing.T) {
	_, err := NewOperatorReader([]byte{0x02, 0x00}).Next()
	assert.ErrorIs(t, err, ErrMultiValueBlock)

	_, err = NewOperatorReader([]byte{0x41}).Next()
	assert.Error(t, err)

	_, err = NewOperatorReader(nil).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFuncTypeString(t *testing.T) {
	ft := Sig([]ValType{I32, I64}, F32)
	assert.Equal(t, "(i32, i64) -> (f32)", ft.String())
	assert.Equal(t, "i32i64_f32", ft.Key())
	assert.True(t, ft.Equal(Sig([]ValType{I32, I64}, F32)))
	assert.False(t, ft.Equal(Sig([]ValType{I32}, F32)))
}
