// Package codegen translates one WebAssembly function body into machine code
// in a single forward pass. Operands are tracked lazily on an operand stack
// and only materialized into registers when an instruction consumes them;
// structured control flow is lowered with an explicit stack of control
// frames that record where each construct's merge point is.
package codegen

import (
	"errors"
	"fmt"
	"io"

	ops "github.com/go-interpreter/wagon/wasm/operators"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/frame"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/stack"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// Target is what the code generator needs from an instruction set.
type Target struct {
	Conv        abi.Convention
	Shared      settings.Shared
	Allocatable regalloc.RegSet
	Scratch     regalloc.RegSet
	// NewMasm returns a fresh assembler for one function.
	NewMasm func() (masm.MacroAssembler, error)
}

// Input is one function to compile.
type Input struct {
	Index uint32
	Type  wasm.FuncType
	Body  wasm.FunctionBody
	// Funcs is the type of every function index the body may call.
	Funcs []wasm.FuncType
	// Validator is consulted for every operator when verification is
	// enabled. A FuncValidator is built when it is nil.
	Validator wasm.Validator
}

// FrameKind is the construct a control frame belongs to.
type FrameKind uint8

const (
	FrameFunction FrameKind = iota
	FrameBlock
	FrameLoop
	FrameIf
)

func (k FrameKind) String() string {
	switch k {
	case FrameFunction:
		return "function"
	case FrameBlock:
		return "block"
	case FrameLoop:
		return "loop"
	case FrameIf:
		return "if"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// ControlFrame is one open structured construct.
type ControlFrame struct {
	Kind FrameKind
	// Label is the branch target: the loop head for loops, the end of the
	// construct otherwise.
	Label masm.Label
	// Else is where the false arm of an if starts.
	Else    masm.Label
	HasElse bool
	Results []wasm.ValType
	// Height and SPOffset are the operand stack height and stack pointer
	// offset on entry; every path into the merge point restores them.
	Height   int
	SPOffset uint32
	// Reachable is set once any path reaches the merge point.
	Reachable bool
}

// BranchArity is the number of values a branch to the frame carries.
func (f *ControlFrame) BranchArity() int {
	if f.Kind == FrameLoop {
		return 0
	}
	return len(f.Results)
}

// CodeGen compiles one function.
type CodeGen struct {
	*Context
	index     uint32
	conv      abi.Convention
	shared    settings.Shared
	sig       abi.Sig
	funcs     []wasm.FuncType
	validator wasm.Validator
	cons      masm.Constraints

	control []ControlFrame
	// unreachable is set after an unconditional transfer; deadDepth counts
	// constructs opened while unreachable, which get no control frame.
	unreachable bool
	deadDepth   int
	done        bool
}

// Compile translates in for target t.
func Compile(t Target, in Input) (compiled.Function, error) {
	c, err := New(t, in)
	if err != nil {
		return compiled.Function{}, err
	}
	rd := wasm.NewOperatorReader(in.Body.Code)
	for !c.done {
		op, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && rd.EOF() {
				err = fmt.Errorf("%w: function body is not terminated by end", wasm.ErrInvalid)
			} else {
				err = fmt.Errorf("%w: %v", wasm.ErrInvalid, err)
			}
			return compiled.Function{}, c.fault(&op, err)
		}
		if err := c.Step(&op); err != nil {
			return compiled.Function{}, err
		}
	}
	if !rd.EOF() {
		return compiled.Function{}, c.fault(nil, fmt.Errorf("%w: operators after the end of the function", wasm.ErrInvalid))
	}
	return c.Finish()
}

// New classifies the signature, lays out the frame and emits the prologue.
func New(t Target, in Input) (*CodeGen, error) {
	c := &CodeGen{index: in.Index, conv: t.Conv, shared: t.Shared, funcs: in.Funcs}
	sig, err := abi.Classify(in.Type, t.Conv)
	if err != nil {
		return nil, c.fault(nil, err)
	}
	c.sig = sig
	if t.Shared.EnableVerifier() {
		c.validator = in.Validator
		if c.validator == nil {
			c.validator = wasm.NewFuncValidator(in.Type, in.Funcs)
		}
	}
	defined, err := frame.ScanLocals(in.Body, c.validator)
	if err != nil {
		return nil, c.fault(nil, err)
	}
	fr, err := frame.New(sig, defined, t.Conv)
	if err != nil {
		return nil, c.fault(nil, err)
	}
	m, err := t.NewMasm()
	if err != nil {
		return nil, c.fault(nil, err)
	}
	c.Context = &Context{
		Masm:  m,
		Frame: fr,
		Stack: stack.New(),
		Regs:  regalloc.NewAllocator(t.Allocatable, t.Scratch),
	}
	c.cons = m.Constraints()
	fr.EmitPrologue(m)
	c.control = append(c.control, ControlFrame{
		Kind:     FrameFunction,
		Label:    m.NewLabel(),
		Results:  in.Type.Results,
		SPOffset: m.SPOffset(),
	})
	return c, nil
}

// Step validates and translates one operator.
func (c *CodeGen) Step(op *wasm.Operator) error {
	if c.done {
		return c.fault(op, fmt.Errorf("%w: operator after the end of the function", wasm.ErrInvalid))
	}
	emit, ok := emitters[op.Code]
	if !ok {
		if _, err := ops.New(op.Code); err != nil {
			return c.fault(op, fmt.Errorf("%w: unknown opcode 0x%02x", wasm.ErrInvalid, op.Code))
		}
		return c.fault(op, unsupported("operator %s", op.Name()))
	}
	if c.validator != nil {
		if err := c.validator.Op(op); err != nil {
			return c.fault(op, err)
		}
	}
	if c.unreachable && c.skipDead(op) {
		return nil
	}
	if err := emit(c, op); err != nil {
		return c.fault(op, err)
	}
	return nil
}

// skipDead reports whether op belongs to unreachable code and needs no
// translation. Constructs opened here are only counted.
func (c *CodeGen) skipDead(op *wasm.Operator) bool {
	switch op.Code {
	case ops.Block, ops.Loop, ops.If:
		c.deadDepth++
		return true
	case ops.Else:
		return c.deadDepth > 0
	case ops.End:
		if c.deadDepth > 0 {
			c.deadDepth--
			return true
		}
		return false
	}
	return true
}

// Finish checks the validator and encodes the function.
func (c *CodeGen) Finish() (compiled.Function, error) {
	if !c.done {
		return compiled.Function{}, c.fault(nil, fmt.Errorf("%w: function body is not terminated by end", wasm.ErrInvalid))
	}
	if c.validator != nil {
		if err := c.validator.Finish(); err != nil {
			return compiled.Function{}, c.fault(nil, err)
		}
	}
	fn, err := c.Masm.Finalize()
	if err != nil {
		return compiled.Function{}, c.fault(nil, err)
	}
	return fn, nil
}

// Height is the current operand stack height.
func (c *CodeGen) Height() int { return c.Stack.Len() }

// Depth is the number of open control frames.
func (c *CodeGen) Depth() int { return len(c.control) }

// Reachable reports whether the next operator is reachable.
func (c *CodeGen) Reachable() bool { return !c.unreachable }

func (c *CodeGen) top() *ControlFrame { return &c.control[len(c.control)-1] }

func (c *CodeGen) frameAt(depth uint32) (*ControlFrame, error) {
	if int(depth) >= len(c.control) {
		return nil, fmt.Errorf("%w: branch depth %d exceeds %d open frames", wasm.ErrInvalid, depth, len(c.control))
	}
	return &c.control[len(c.control)-1-int(depth)], nil
}

// mergeReg is the register a value of type ty travels in across a merge
// point: the first result register of its class.
func (c *CodeGen) mergeReg(ty wasm.ValType) (reg.Reg, error) {
	pool := c.conv.IntResults
	if wasm.IsFloat(ty) {
		pool = c.conv.FloatResults
	}
	if len(pool) == 0 {
		return reg.Reg{}, invariant("no %s merge register", wasm.TypeName(ty))
	}
	return pool[0], nil
}
