// Package wasm holds the WebAssembly-facing inputs of the compiler: value
// types, function signatures, function bodies and the operator stream read
// from them, and the inline validator consulted while code is generated.
// Opcode constants, LEB128 decoding and module decoding come from wagon.
package wasm

import (
	"fmt"
	"strings"

	wagon "github.com/go-interpreter/wagon/wasm"
)

// ValType is a WebAssembly value type.
type ValType = wagon.ValueType

// Value types supported by the baseline compiler.
const (
	I32 ValType = wagon.ValueTypeI32
	I64 ValType = wagon.ValueTypeI64
	F32 ValType = wagon.ValueTypeF32
	F64 ValType = wagon.ValueTypeF64
)

// TypeName returns the text-format name of t.
func TypeName(t ValType) string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// IsFloat reports whether t lives in the floating-point register class.
func IsFloat(t ValType) bool {
	return t == F32 || t == F64
}

// Is64 reports whether t is a 64-bit type.
func Is64(t ValType) bool {
	return t == I64 || t == F64
}

// ByteSize returns the storage size of t.
func ByteSize(t ValType) uint32 {
	if Is64(t) {
		return 8
	}
	return 4
}

// FromByte decodes a value type from its binary encoding.
func FromByte(b byte) (ValType, bool) {
	switch b {
	case 0x7f:
		return I32, true
	case 0x7e:
		return I64, true
	case 0x7d:
		return F32, true
	case 0x7c:
		return F64, true
	}
	return 0, false
}

// Valid reports whether t is one of the four MVP value types.
func Valid(t ValType) bool {
	switch t {
	case I32, I64, F32, F64:
		return true
	}
	return false
}

// FuncType is a function signature: ordered parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Sig is shorthand for building a FuncType.
func Sig(params []ValType, results ...ValType) FuncType {
	return FuncType{Params: params, Results: results}
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (f FuncType) String() string {
	return "(" + typeList(f.Params) + ") -> (" + typeList(f.Results) + ")"
}

// Key is a compact identifier used to name per-signature artifacts.
func (f FuncType) Key() string {
	var sb strings.Builder
	for _, p := range f.Params {
		sb.WriteString(TypeName(p))
	}
	sb.WriteString("_")
	for _, r := range f.Results {
		sb.WriteString(TypeName(r))
	}
	return sb.String()
}

func typeList(ts []ValType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = TypeName(t)
	}
	return strings.Join(names, ", ")
}
