package platform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/wasm"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		ty   wasm.ValType
		in   string
		want uint64
	}{
		{wasm.I32, "-1", 0xffffffff},
		{wasm.I32, "0xffffffff", 0xffffffff},
		{wasm.I32, "42", 42},
		{wasm.I64, "-2", math.MaxUint64 - 1},
		{wasm.I64, "18446744073709551615", math.MaxUint64},
		{wasm.F32, "1.5", uint64(math.Float32bits(1.5))},
		{wasm.F64, "-0.25", math.Float64bits(-0.25)},
	}
	for _, tt := range tests {
		t.Run(wasm.TypeName(tt.ty)+" "+tt.in, func(t *testing.T) {
			got, err := ParseValue(tt.ty, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValueErrors(t *testing.T) {
	for _, in := range []struct {
		ty wasm.ValType
		s  string
	}{{wasm.I32, "4294967296"}, {wasm.I64, "x"}, {wasm.F32, ""}, {wasm.F64, "1..2"}} {
		_, err := ParseValue(in.ty, in.s)
		assert.Error(t, err, in.s)
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "-1", FormatValue(wasm.I32, 0xffffffff))
	assert.Equal(t, "-1", FormatValue(wasm.I64, math.MaxUint64))
	assert.Equal(t, "6", FormatValue(wasm.F32, uint64(math.Float32bits(6))))
	assert.Equal(t, "3.75", FormatValue(wasm.F64, math.Float64bits(3.75)))
}

func TestParseArgsChecksArity(t *testing.T) {
	ty := wasm.Sig([]wasm.ValType{wasm.I32, wasm.F64})
	args, err := ParseArgs(ty, []string{"3", "0.5"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, math.Float64bits(0.5)}, args)

	_, err = ParseArgs(ty, []string{"3"})
	assert.Error(t, err)
	_, err = ParseArgs(ty, []string{"3", "nope"})
	assert.ErrorContains(t, err, "argument 1")
}
