// Package stack models the WebAssembly value stack while a function is
// translated. Entries record where a value lives right now; nothing is
// loaded into a register until an instruction needs it.
package stack

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/raymyers/wasmbc/pkg/regalloc"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// ErrUnderflow is returned when popping or peeking past the bottom.
var ErrUnderflow = errors.New("operand stack underflow")

// Kind says where a value lives.
type Kind uint8

const (
	KindReg   Kind = iota // in a register owned by this entry
	KindMem               // in a frame slot pushed below the frame pointer
	KindImm               // a constant not yet materialized
	KindLocal             // an alias for a local that has not been reassigned
)

func (k Kind) String() string {
	switch k {
	case KindReg:
		return "reg"
	case KindMem:
		return "mem"
	case KindImm:
		return "imm"
	case KindLocal:
		return "local"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Val is one operand stack entry.
type Val struct {
	Kind Kind
	Ty   wasm.ValType
	Reg  reg.Reg // KindReg
	// Offset is the slot's distance below the frame pointer (KindMem).
	Offset uint32
	Imm    uint64 // KindImm, raw bits
	Local  uint32 // KindLocal
}

// Constructors for each kind.
func RegVal(r reg.Reg, ty wasm.ValType) Val      { return Val{Kind: KindReg, Ty: ty, Reg: r} }
func MemVal(offset uint32, ty wasm.ValType) Val  { return Val{Kind: KindMem, Ty: ty, Offset: offset} }
func ImmVal(bits uint64, ty wasm.ValType) Val    { return Val{Kind: KindImm, Ty: ty, Imm: bits} }
func LocalVal(index uint32, ty wasm.ValType) Val { return Val{Kind: KindLocal, Ty: ty, Local: index} }

func (v Val) IsReg() bool                    { return v.Kind == KindReg }
func (v Val) IsMem() bool                    { return v.Kind == KindMem }
func (v Val) IsImm() bool                    { return v.Kind == KindImm }
func (v Val) IsLocal() bool                  { return v.Kind == KindLocal }
func (v Val) IsLocalIndex(index uint32) bool { return v.Kind == KindLocal && v.Local == index }
func (v Val) Class() reg.Class               { return reg.ClassOf(v.Ty) }
func (v Val) withType(ty wasm.ValType) Val   { v.Ty = ty; return v }
func (v Val) holds(r reg.Reg) bool           { return v.Kind == KindReg && v.Reg == r }

func (v Val) String() string {
	t := wasm.TypeName(v.Ty)
	switch v.Kind {
	case KindReg:
		return fmt.Sprintf("%s:%s", v.Reg, t)
	case KindMem:
		return fmt.Sprintf("[fp-%d]:%s", v.Offset, t)
	case KindImm:
		return fmt.Sprintf("$%#x:%s", v.Imm, t)
	default:
		return fmt.Sprintf("local%d:%s", v.Local, t)
	}
}

// Stack is the operand stack of one function compilation.
type Stack struct {
	vals []Val
}

// New creates an empty stack.
func New() *Stack { return &Stack{vals: make([]Val, 0, 16)} }

// Len is the current height.
func (s *Stack) Len() int { return len(s.vals) }

// Push appends v.
func (s *Stack) Push(v Val) { s.vals = append(s.vals, v) }

// Pop removes and returns the top entry. Ownership of any register the
// entry held moves to the caller.
func (s *Stack) Pop() (Val, error) {
	if len(s.vals) == 0 {
		return Val{}, ErrUnderflow
	}
	v := s.vals[len(s.vals)-1]
	s.vals = s.vals[:len(s.vals)-1]
	return v, nil
}

// Peek returns the entry n positions below the top; Peek(0) is the top.
func (s *Stack) Peek(n int) (Val, error) {
	if n < 0 || n >= len(s.vals) {
		return Val{}, fmt.Errorf("%w: peek(%d) at height %d", ErrUnderflow, n, len(s.vals))
	}
	return s.vals[len(s.vals)-1-n], nil
}

// At returns the entry at index i counted from the bottom.
func (s *Stack) At(i int) Val { return s.vals[i] }

// Set replaces the entry at index i counted from the bottom.
func (s *Stack) Set(i int, v Val) { s.vals[i] = v }

// Vals exposes the entries bottom to top. The slice must not be retained.
func (s *Stack) Vals() []Val { return s.vals }

// IndexOfReg returns the index of the entry holding r, or -1.
func (s *Stack) IndexOfReg(r reg.Reg) int {
	for i, v := range s.vals {
		if v.holds(r) {
			return i
		}
	}
	return -1
}

// OldestReg returns the index of the lowest register-resident entry of
// class c, or -1.
func (s *Stack) OldestReg(c reg.Class) int {
	for i, v := range s.vals {
		if v.Kind == KindReg && v.Reg.Class == c {
			return i
		}
	}
	return -1
}

// TruncateTo discards every entry above height, returning registers they
// held to ra, and reports the discarded entries bottom to top. Memory
// slots are reclaimed by the caller when it resets the stack pointer.
func (s *Stack) TruncateTo(height int, ra *regalloc.Allocator) ([]Val, error) {
	if height > len(s.vals) || height < 0 {
		return nil, fmt.Errorf("%w: truncate to %d at height %d", ErrUnderflow, height, len(s.vals))
	}
	dropped := append([]Val(nil), s.vals[height:]...)
	for _, v := range dropped {
		if v.Kind == KindReg {
			if err := ra.Free(v.Reg); err != nil {
				return nil, err
			}
		}
	}
	s.vals = s.vals[:height]
	return dropped, nil
}

// Retype changes the type of the top entry in place; used by reinterpret
// casts that keep the same location.
func (s *Stack) Retype(ty wasm.ValType) error {
	if len(s.vals) == 0 {
		return ErrUnderflow
	}
	s.vals[len(s.vals)-1] = s.vals[len(s.vals)-1].withType(ty)
	return nil
}
