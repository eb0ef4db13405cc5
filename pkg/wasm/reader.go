package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-interpreter/wagon/wasm/leb128"
	ops "github.com/go-interpreter/wagon/wasm/operators"
)

// MaxLocals bounds the number of declared locals in one function body.
const MaxLocals = 50000

var (
	// ErrMultiValueBlock is returned for block types that reference a type
	// index instead of a single optional result.
	ErrMultiValueBlock = errors.New("multi-value block types are not supported")
	// ErrTooManyLocals is returned when a body declares more than MaxLocals.
	ErrTooManyLocals = errors.New("too many locals")
)

// LocalDecl is one run of identically typed declared locals.
type LocalDecl struct {
	Count uint32
	Type  ValType
}

// FunctionBody is a function's declared locals plus its instruction bytes,
// terminated by the final end opcode.
type FunctionBody struct {
	Locals []LocalDecl
	Code   []byte
}

// ParseFunctionBody splits a raw code-section body (locals header followed
// by instructions) into a FunctionBody.
func ParseFunctionBody(raw []byte) (FunctionBody, error) {
	r := bytes.NewReader(raw)
	n, err := leb128.ReadVarUint32(r)
	if err != nil {
		return FunctionBody{}, fmt.Errorf("reading local count: %w", err)
	}
	var body FunctionBody
	total := uint64(0)
	for i := uint32(0); i < n; i++ {
		count, err := leb128.ReadVarUint32(r)
		if err != nil {
			return FunctionBody{}, fmt.Errorf("reading local entry %d: %w", i, err)
		}
		b, err := r.ReadByte()
		if err != nil {
			return FunctionBody{}, fmt.Errorf("reading local entry %d type: %w", i, err)
		}
		t, ok := FromByte(b)
		if !ok {
			return FunctionBody{}, fmt.Errorf("local entry %d: invalid value type 0x%02x", i, b)
		}
		total += uint64(count)
		if total > MaxLocals {
			return FunctionBody{}, ErrTooManyLocals
		}
		body.Locals = append(body.Locals, LocalDecl{Count: count, Type: t})
	}
	body.Code = raw[len(raw)-r.Len():]
	return body, nil
}

// LocalTypes expands the declared locals into one type per local.
func (b FunctionBody) LocalTypes() []ValType {
	var out []ValType
	for _, d := range b.Locals {
		for i := uint32(0); i < d.Count; i++ {
			out = append(out, d.Type)
		}
	}
	return out
}

// BlockType is the signature of a block, loop or if: no parameters and at
// most one result.
type BlockType struct {
	Results []ValType
}

// Arity is the number of values the construct leaves on the stack.
func (b BlockType) Arity() int { return len(b.Results) }

// Operator is one decoded instruction with its immediates.
type Operator struct {
	Code   byte
	Offset int // byte offset of the opcode within FunctionBody.Code

	Block     BlockType // block, loop, if
	Index     uint32    // local/global/function index or branch depth
	Targets   []uint32  // br_table targets
	Default   uint32    // br_table default target
	Imm       uint64    // constant bits
	Align     uint32    // memory access alignment hint
	MemOffset uint32    // memory access static offset
}

// Name returns the text-format mnemonic of the operator.
func (o Operator) Name() string { return OpName(o.Code) }

// OpName returns the mnemonic for an opcode.
func OpName(code byte) string {
	op, err := ops.New(code)
	if err != nil {
		return fmt.Sprintf("opcode(0x%02x)", code)
	}
	return op.Name
}

// OperatorReader decodes operators from a function body one at a time.
type OperatorReader struct {
	code []byte
	r    *bytes.Reader
}

// NewOperatorReader reads operators from code.
func NewOperatorReader(code []byte) *OperatorReader {
	return &OperatorReader{code: code, r: bytes.NewReader(code)}
}

// Offset is the position of the next operator.
func (rd *OperatorReader) Offset() int { return len(rd.code) - rd.r.Len() }

// EOF reports whether every byte has been consumed.
func (rd *OperatorReader) EOF() bool { return rd.r.Len() == 0 }

// Next decodes the next operator.
func (rd *OperatorReader) Next() (Operator, error) {
	op := Operator{Offset: rd.Offset()}
	code, err := rd.r.ReadByte()
	if err != nil {
		return op, io.ErrUnexpectedEOF
	}
	op.Code = code
	if err := rd.immediates(&op); err != nil {
		return op, fmt.Errorf("%s at offset %d: %w", op.Name(), op.Offset, err)
	}
	return op, nil
}

func (rd *OperatorReader) immediates(op *Operator) (err error) {
	switch op.Code {
	case ops.Block, ops.Loop, ops.If:
		op.Block, err = rd.blockType()
	case ops.Br, ops.BrIf, ops.Call, ops.GetLocal, ops.SetLocal, ops.TeeLocal, ops.GetGlobal, ops.SetGlobal:
		op.Index, err = leb128.ReadVarUint32(rd.r)
	case ops.BrTable:
		var n uint32
		if n, err = leb128.ReadVarUint32(rd.r); err != nil {
			return err
		}
		if int(n) > rd.r.Len() {
			return io.ErrUnexpectedEOF
		}
		op.Targets = make([]uint32, n)
		for i := range op.Targets {
			if op.Targets[i], err = leb128.ReadVarUint32(rd.r); err != nil {
				return err
			}
		}
		op.Default, err = leb128.ReadVarUint32(rd.r)
	case ops.CallIndirect:
		if op.Index, err = leb128.ReadVarUint32(rd.r); err != nil {
			return err
		}
		_, err = rd.r.ReadByte()
	case ops.CurrentMemory, ops.GrowMemory:
		_, err = rd.r.ReadByte()
	case ops.I32Const:
		var v int32
		v, err = leb128.ReadVarint32(rd.r)
		op.Imm = uint64(uint32(v))
	case ops.I64Const:
		var v int64
		v, err = leb128.ReadVarint64(rd.r)
		op.Imm = uint64(v)
	case ops.F32Const:
		var buf [4]byte
		if _, err = io.ReadFull(rd.r, buf[:]); err == nil {
			op.Imm = uint64(binary.LittleEndian.Uint32(buf[:]))
		}
	case ops.F64Const:
		var buf [8]byte
		if _, err = io.ReadFull(rd.r, buf[:]); err == nil {
			op.Imm = binary.LittleEndian.Uint64(buf[:])
		}
	default:
		if op.Code >= ops.I32Load && op.Code <= ops.I64Store32 {
			if op.Align, err = leb128.ReadVarUint32(rd.r); err != nil {
				return err
			}
			op.MemOffset, err = leb128.ReadVarUint32(rd.r)
		}
	}
	return err
}

func (rd *OperatorReader) blockType() (BlockType, error) {
	b, err := rd.r.ReadByte()
	if err != nil {
		return BlockType{}, io.ErrUnexpectedEOF
	}
	if b == blockTypeEmpty {
		return BlockType{}, nil
	}
	if t, ok := FromByte(b); ok {
		return BlockType{Results: []ValType{t}}, nil
	}
	return BlockType{}, ErrMultiValueBlock
}

const blockTypeEmpty = 0x40
