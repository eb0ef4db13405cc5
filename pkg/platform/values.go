package platform

import (
	"fmt"
	"math"
	"strconv"

	"github.com/raymyers/wasmbc/pkg/wasm"
)

// ParseValue reads s as a value of type t and returns its bits. Integers
// may be written signed or unsigned.
func ParseValue(t wasm.ValType, s string) (uint64, error) {
	switch t {
	case wasm.I32:
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return uint64(uint32(int32(v))), nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("bad i32 %q", s)
		}
		return v, nil
	case wasm.I64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return uint64(v), nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("bad i64 %q", s)
		}
		return v, nil
	case wasm.F32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, fmt.Errorf("bad f32 %q", s)
		}
		return uint64(math.Float32bits(float32(v))), nil
	case wasm.F64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("bad f64 %q", s)
		}
		return math.Float64bits(v), nil
	}
	return 0, fmt.Errorf("unsupported value type %s", wasm.TypeName(t))
}

// FormatValue renders bits as a value of type t. Integers print signed.
func FormatValue(t wasm.ValType, bits uint64) string {
	switch t {
	case wasm.I32:
		return strconv.FormatInt(int64(int32(uint32(bits))), 10)
	case wasm.I64:
		return strconv.FormatInt(int64(bits), 10)
	case wasm.F32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(bits))), 'g', -1, 32)
	case wasm.F64:
		return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64)
	}
	return strconv.FormatUint(bits, 16)
}

// ParseArgs reads one string per parameter of ty.
func ParseArgs(ty wasm.FuncType, args []string) ([]uint64, error) {
	if len(args) != len(ty.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", ty, len(ty.Params), len(args))
	}
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := ParseValue(ty.Params[i], a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
