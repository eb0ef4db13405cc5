package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-interpreter/wagon/validate"
	wagon "github.com/go-interpreter/wagon/wasm"
	ops "github.com/go-interpreter/wagon/wasm/operators"
)

// ErrImports is returned for modules that import anything.
var ErrImports = errors.New("modules with imports are not supported")

// Func is one function defined by a module.
type Func struct {
	Index     uint32
	TypeIndex uint32
	Type      FuncType
	Body      FunctionBody
}

// Module is the subset of a decoded module the compiler consumes.
type Module struct {
	Types   []FuncType
	Funcs   []Func
	Exports map[string]uint32 // exported function name -> function index
}

// DecodeModule reads a binary module, verifies it with wagon's validator
// and extracts signatures, bodies and function exports.
func DecodeModule(r io.Reader) (*Module, error) {
	m, err := wagon.ReadModule(r, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding module: %w", err)
	}
	if m.Import != nil && len(m.Import.Entries) > 0 {
		return nil, ErrImports
	}
	if err := validate.VerifyModule(m); err != nil {
		return nil, fmt.Errorf("verifying module: %w", err)
	}

	out := &Module{Exports: map[string]uint32{}}
	if m.Types != nil {
		for _, sig := range m.Types.Entries {
			out.Types = append(out.Types, FuncType{
				Params:  append([]ValType(nil), sig.ParamTypes...),
				Results: append([]ValType(nil), sig.ReturnTypes...),
			})
		}
	}
	if m.Function != nil {
		if m.Code == nil || len(m.Code.Bodies) != len(m.Function.Types) {
			return nil, errors.New("function and code section sizes differ")
		}
		for i, ti := range m.Function.Types {
			if int(ti) >= len(out.Types) {
				return nil, fmt.Errorf("function %d: unknown type index %d", i, ti)
			}
			body := m.Code.Bodies[i]
			// wagon strips the closing end from the body it decodes.
			fb := FunctionBody{Code: append(append([]byte(nil), body.Code...), ops.End)}
			for _, l := range body.Locals {
				fb.Locals = append(fb.Locals, LocalDecl{Count: l.Count, Type: l.Type})
			}
			out.Funcs = append(out.Funcs, Func{
				Index:     uint32(i),
				TypeIndex: ti,
				Type:      out.Types[ti],
				Body:      fb,
			})
		}
	}
	if m.Export != nil {
		for name, e := range m.Export.Entries {
			if e.Kind == wagon.ExternalFunction {
				out.Exports[name] = e.Index
			}
		}
	}
	return out, nil
}

// DecodeModuleBytes is DecodeModule over an in-memory module.
func DecodeModuleBytes(b []byte) (*Module, error) {
	return DecodeModule(bytes.NewReader(b))
}

// FuncTypes returns the signature of every function index.
func (m *Module) FuncTypes() []FuncType {
	out := make([]FuncType, len(m.Funcs))
	for i, f := range m.Funcs {
		out[i] = f.Type
	}
	return out
}

// ExportNames lists exported function names in sorted order.
func (m *Module) ExportNames() []string {
	names := make([]string, 0, len(m.Exports))
	for n := range m.Exports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Signatures returns the distinct function signatures in first-use order.
func (m *Module) Signatures() []FuncType {
	var out []FuncType
	seen := map[string]bool{}
	for _, f := range m.Funcs {
		k := f.Type.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f.Type)
	}
	return out
}
