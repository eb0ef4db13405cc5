package wasm

import (
	"errors"
	"fmt"

	ops "github.com/go-interpreter/wagon/wasm/operators"
)

// ErrInvalid wraps every type or structure error found by FuncValidator.
var ErrInvalid = errors.New("invalid function body")

// Validator type-checks a function body as the code generator walks it.
// The code generator calls DefineLocals for every local run before the first
// operator, Op once per operator in order, and Finish after the final end.
type Validator interface {
	DefineLocals(count uint32, t ValType) error
	Op(op *Operator) error
	Finish() error
}

// unknown is the polymorphic operand type produced in unreachable code.
const unknown ValType = 0

type ctrl struct {
	code        byte
	results     []ValType
	height      int
	unreachable bool
}

// FuncValidator is the MVP operand-stack type checker for one function.
type FuncValidator struct {
	funcs  []FuncType
	locals []ValType
	vals   []ValType
	ctrls  []ctrl
	done   bool
}

var _ Validator = (*FuncValidator)(nil)

// NewFuncValidator validates a function of type sig. funcs gives the type
// of every function index the body may call.
func NewFuncValidator(sig FuncType, funcs []FuncType) *FuncValidator {
	v := &FuncValidator{funcs: funcs}
	v.locals = append(v.locals, sig.Params...)
	v.ctrls = append(v.ctrls, ctrl{code: ops.Block, results: sig.Results})
	return v
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// DefineLocals implements Validator.
func (v *FuncValidator) DefineLocals(count uint32, t ValType) error {
	if !Valid(t) {
		return invalid("invalid local type %s", TypeName(t))
	}
	if uint64(len(v.locals))+uint64(count) > MaxLocals {
		return ErrTooManyLocals
	}
	for i := uint32(0); i < count; i++ {
		v.locals = append(v.locals, t)
	}
	return nil
}

// Finish implements Validator.
func (v *FuncValidator) Finish() error {
	if !v.done {
		return invalid("function body is not terminated by end")
	}
	return nil
}

// Op implements Validator.
func (v *FuncValidator) Op(op *Operator) error {
	if v.done {
		return invalid("%s after the end of the function", op.Name())
	}
	if err := v.op(op); err != nil {
		return fmt.Errorf("%s at offset %d: %w", op.Name(), op.Offset, err)
	}
	return nil
}

func (v *FuncValidator) op(op *Operator) error {
	switch op.Code {
	case ops.Unreachable:
		v.setUnreachable()
	case ops.Nop:
	case ops.Block, ops.Loop:
		v.pushCtrl(op.Code, op.Block.Results)
	case ops.If:
		if err := v.popExpect(I32); err != nil {
			return err
		}
		v.pushCtrl(op.Code, op.Block.Results)
	case ops.Else:
		top := v.ctrls[len(v.ctrls)-1]
		if top.code != ops.If {
			return invalid("else without matching if")
		}
		if _, err := v.popCtrl(); err != nil {
			return err
		}
		v.pushCtrl(ops.Else, top.results)
	case ops.End:
		frame, err := v.popCtrl()
		if err != nil {
			return err
		}
		if frame.code == ops.If && len(frame.results) > 0 {
			return invalid("if without else cannot produce a value")
		}
		v.pushVals(frame.results)
		if len(v.ctrls) == 0 {
			v.done = true
		}
	case ops.Br:
		types, err := v.labelTypes(op.Index)
		if err != nil {
			return err
		}
		if err := v.popVals(types); err != nil {
			return err
		}
		v.setUnreachable()
	case ops.BrIf:
		types, err := v.labelTypes(op.Index)
		if err != nil {
			return err
		}
		if err := v.popExpect(I32); err != nil {
			return err
		}
		if err := v.popVals(types); err != nil {
			return err
		}
		v.pushVals(types)
	case ops.BrTable:
		if err := v.popExpect(I32); err != nil {
			return err
		}
		def, err := v.labelTypes(op.Default)
		if err != nil {
			return err
		}
		for _, t := range op.Targets {
			types, err := v.labelTypes(t)
			if err != nil {
				return err
			}
			if len(types) != len(def) {
				return invalid("br_table target %d has arity %d, default has %d", t, len(types), len(def))
			}
			for i := range types {
				if types[i] != def[i] {
					return invalid("br_table target %d type mismatch", t)
				}
			}
		}
		if err := v.popVals(def); err != nil {
			return err
		}
		v.setUnreachable()
	case ops.Return:
		if err := v.popVals(v.ctrls[0].results); err != nil {
			return err
		}
		v.setUnreachable()
	case ops.Call:
		if int(op.Index) >= len(v.funcs) {
			return invalid("call to unknown function %d", op.Index)
		}
		callee := v.funcs[op.Index]
		if err := v.popVals(callee.Params); err != nil {
			return err
		}
		v.pushVals(callee.Results)
	case ops.CallIndirect:
		return invalid("call_indirect without a table")
	case ops.Drop:
		_, err := v.popVal()
		return err
	case ops.Select:
		if err := v.popExpect(I32); err != nil {
			return err
		}
		t1, err := v.popVal()
		if err != nil {
			return err
		}
		t2, err := v.popVal()
		if err != nil {
			return err
		}
		if t1 != unknown && t2 != unknown && t1 != t2 {
			return invalid("select operands differ: %s and %s", TypeName(t2), TypeName(t1))
		}
		if t1 == unknown {
			t1 = t2
		}
		v.pushVal(t1)
	case ops.GetLocal:
		t, err := v.local(op.Index)
		if err != nil {
			return err
		}
		v.pushVal(t)
	case ops.SetLocal, ops.TeeLocal:
		t, err := v.local(op.Index)
		if err != nil {
			return err
		}
		if err := v.popExpect(t); err != nil {
			return err
		}
		if op.Code == ops.TeeLocal {
			v.pushVal(t)
		}
	case ops.GetGlobal, ops.SetGlobal:
		return invalid("unknown global %d", op.Index)
	case ops.I32Const:
		v.pushVal(I32)
	case ops.I64Const:
		v.pushVal(I64)
	case ops.F32Const:
		v.pushVal(F32)
	case ops.F64Const:
		v.pushVal(F64)
	case ops.CurrentMemory, ops.GrowMemory:
		return invalid("no memory defined")
	default:
		if op.Code >= ops.I32Load && op.Code <= ops.I64Store32 {
			return invalid("no memory defined")
		}
		return v.numeric(op.Code)
	}
	return nil
}

// numeric checks value-only operators against the operand and result
// types wagon records for each opcode.
func (v *FuncValidator) numeric(code byte) error {
	info, err := ops.New(code)
	if err != nil {
		return invalid("unknown opcode 0x%02x", code)
	}
	for i := len(info.Args) - 1; i >= 0; i-- {
		if err := v.popExpect(info.Args[i]); err != nil {
			return err
		}
	}
	if Valid(info.Returns) {
		v.pushVal(info.Returns)
	}
	return nil
}

func (v *FuncValidator) local(idx uint32) (ValType, error) {
	if int(idx) >= len(v.locals) {
		return unknown, invalid("unknown local %d", idx)
	}
	return v.locals[idx], nil
}

func (v *FuncValidator) labelTypes(depth uint32) ([]ValType, error) {
	if int(depth) >= len(v.ctrls) {
		return nil, invalid("branch depth %d exceeds nesting %d", depth, len(v.ctrls))
	}
	frame := v.ctrls[len(v.ctrls)-1-int(depth)]
	if frame.code == ops.Loop {
		return nil, nil
	}
	return frame.results, nil
}

func (v *FuncValidator) pushVal(t ValType) { v.vals = append(v.vals, t) }

func (v *FuncValidator) pushVals(ts []ValType) {
	for _, t := range ts {
		v.pushVal(t)
	}
}

func (v *FuncValidator) popVal() (ValType, error) {
	top := &v.ctrls[len(v.ctrls)-1]
	if len(v.vals) == top.height {
		if top.unreachable {
			return unknown, nil
		}
		return unknown, invalid("operand stack underflow")
	}
	t := v.vals[len(v.vals)-1]
	v.vals = v.vals[:len(v.vals)-1]
	return t, nil
}

func (v *FuncValidator) popExpect(want ValType) error {
	got, err := v.popVal()
	if err != nil {
		return err
	}
	if got != unknown && want != unknown && got != want {
		return invalid("type mismatch: expected %s, got %s", TypeName(want), TypeName(got))
	}
	return nil
}

func (v *FuncValidator) popVals(ts []ValType) error {
	for i := len(ts) - 1; i >= 0; i-- {
		if err := v.popExpect(ts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *FuncValidator) pushCtrl(code byte, results []ValType) {
	v.ctrls = append(v.ctrls, ctrl{code: code, results: results, height: len(v.vals)})
}

func (v *FuncValidator) popCtrl() (ctrl, error) {
	frame := v.ctrls[len(v.ctrls)-1]
	if err := v.popVals(frame.results); err != nil {
		return frame, err
	}
	if len(v.vals) != frame.height {
		return frame, invalid("%d values remain on the stack at the end of a block expecting %d",
			len(v.vals)-frame.height+len(frame.results), len(frame.results))
	}
	v.ctrls = v.ctrls[:len(v.ctrls)-1]
	return frame, nil
}

func (v *FuncValidator) setUnreachable() {
	top := &v.ctrls[len(v.ctrls)-1]
	v.vals = v.vals[:top.height]
	top.unreachable = true
}
