// Package compiled holds the artifacts produced for one function: machine
// code plus the relocation, trap and stack map records gathered while it
// was emitted.
package compiled

import (
	"fmt"
	"sort"
)

// RelocKind is how a relocation patches the code.
type RelocKind uint8

const (
	// X86CallPCRel4 is a 32-bit displacement relative to the end of the
	// field, as used by the x86-64 CALL rel32 encoding.
	X86CallPCRel4 RelocKind = iota
	// Arm64Call is the 26-bit word offset of an AArch64 BL.
	Arm64Call
	// Abs8 is an absolute 64-bit address.
	Abs8
)

func (k RelocKind) String() string {
	switch k {
	case X86CallPCRel4:
		return "X86CallPCRel4"
	case Arm64Call:
		return "Arm64Call"
	case Abs8:
		return "Abs8"
	}
	return fmt.Sprintf("RelocKind(%d)", uint8(k))
}

// LibCall names a runtime library routine.
type LibCall uint8

const (
	FloorF32 LibCall = iota
	FloorF64
	CeilF32
	CeilF64
	TruncF32
	TruncF64
	NearestF32
	NearestF64
)

var libCallNames = [...]string{"floorf32", "floorf64", "ceilf32", "ceilf64", "truncf32", "truncf64", "nearestf32", "nearestf64"}

func (l LibCall) String() string {
	if int(l) < len(libCallNames) {
		return libCallNames[l]
	}
	return fmt.Sprintf("libcall(%d)", uint8(l))
}

// RelocTarget is either a module-local function or a library call.
type RelocTarget struct {
	IsLibCall bool
	Func      uint32
	LibCall   LibCall
}

// UserFunc targets the module-local function with the given index.
func UserFunc(index uint32) RelocTarget { return RelocTarget{Func: index} }

// Lib targets a runtime library routine.
func Lib(l LibCall) RelocTarget { return RelocTarget{IsLibCall: true, LibCall: l} }

func (t RelocTarget) String() string {
	if t.IsLibCall {
		return "libcall:" + t.LibCall.String()
	}
	return fmt.Sprintf("func[%d]", t.Func)
}

// Relocation is a reference in the code that is patched once the final
// layout is known.
type Relocation struct {
	Kind   RelocKind
	Offset uint32 // of the patched field within the function
	Target RelocTarget
	Addend int64
}

// TrapCode is the kind of trap the host reports for a faulting pc.
type TrapCode uint8

const (
	StackOverflow TrapCode = iota
	MemoryOutOfBounds
	HeapMisaligned
	TableOutOfBounds
	IndirectCallToNull
	BadSignature
	IntegerOverflow
	IntegerDivisionByZero
	BadConversionToInteger
	UnreachableCodeReached
	Interrupt
	AlwaysTrapAdapter
	// User codes start here; User(n) builds them.
	userBase
)

var trapNames = [...]string{
	"stack overflow",
	"out of bounds memory access",
	"misaligned memory access",
	"undefined element: out of bounds table access",
	"uninitialized element",
	"indirect call type mismatch",
	"integer overflow",
	"integer divide by zero",
	"invalid conversion to integer",
	"unreachable",
	"interrupt",
	"degenerate component adapter called",
}

// User returns the n-th user-defined trap code.
func User(n uint8) TrapCode { return userBase + TrapCode(n) }

// IsUser reports whether c is a user-defined code.
func (c TrapCode) IsUser() bool { return c >= userBase }

func (c TrapCode) String() string {
	if c.IsUser() {
		return fmt.Sprintf("user trap %d", uint8(c-userBase))
	}
	return trapNames[c]
}

// TrapRecord marks an instruction that may fault.
type TrapRecord struct {
	Offset uint32
	Code   TrapCode
}

// StackMap lists the frame slots holding live references at a safepoint.
type StackMap struct {
	Offset uint32
	// Slots are byte offsets below the frame pointer.
	Slots []uint32
}

// Function is the result of compiling one function or trampoline.
type Function struct {
	Code        []byte
	Relocations []Relocation
	Traps       []TrapRecord
	StackMaps   []StackMap
	// Alignment is the minimum start alignment of Code.
	Alignment uint32
}

// Sort orders traps and stack maps by code offset.
func (f *Function) Sort() {
	sort.SliceStable(f.Traps, func(i, j int) bool { return f.Traps[i].Offset < f.Traps[j].Offset })
	sort.SliceStable(f.StackMaps, func(i, j int) bool { return f.StackMaps[i].Offset < f.StackMaps[j].Offset })
	sort.SliceStable(f.Relocations, func(i, j int) bool { return f.Relocations[i].Offset < f.Relocations[j].Offset })
}

// TrapAt returns the trap recorded at offset, if any.
func (f *Function) TrapAt(offset uint32) (TrapCode, bool) {
	i := sort.Search(len(f.Traps), func(i int) bool { return f.Traps[i].Offset >= offset })
	if i < len(f.Traps) && f.Traps[i].Offset == offset {
		return f.Traps[i].Code, true
	}
	return 0, false
}
