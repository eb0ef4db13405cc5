package codegen

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

var (
	// ErrUnsupported is wrapped by faults for operators and types outside
	// the supported subset.
	ErrUnsupported = errors.New("unsupported")
	// ErrArity is wrapped when the operand stack does not hold exactly the
	// values a construct declares at a merge point.
	ErrArity = errors.New("operand stack height does not match block arity")

	errInvariant = errors.New("code generator invariant violated")
)

// Kind classifies a codegen fault.
type Kind uint8

const (
	// KindValidation: the body is not well typed for its signature.
	KindValidation Kind = iota
	// KindUnsupported: the body uses something the baseline compiler
	// cannot translate.
	KindUnsupported
	// KindInternal: the compiler broke one of its own invariants.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnsupported:
		return "unsupported"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a fault that aborts the compilation of one function.
type Error struct {
	Kind Kind
	Func uint32
	// Offset is the byte offset of the operator within the function body,
	// or -1 for faults outside the operator stream.
	Offset int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("function %d: %s: %v", e.Func, e.Kind, e.Err)
	}
	return fmt.Sprintf("function %d: %s at offset %d: %s: %v", e.Func, e.Op, e.Offset, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify picks the fault kind for err.
func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrUnsupported), errors.Is(err, masm.ErrUnsupported),
		errors.Is(err, abi.ErrMultiValue), errors.Is(err, wasm.ErrMultiValueBlock):
		return KindUnsupported
	case errors.Is(err, wasm.ErrInvalid), errors.Is(err, ErrArity), errors.Is(err, wasm.ErrTooManyLocals):
		return KindValidation
	}
	return KindInternal
}

func (c *CodeGen) fault(op *wasm.Operator, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	e = &Error{Kind: classify(err), Func: c.index, Offset: -1, Err: err}
	if op != nil {
		e.Offset = op.Offset
		e.Op = op.Name()
	}
	return e
}

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvariant, fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
