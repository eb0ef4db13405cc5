// Package obj lays compiled functions out in one text section, resolves
// the calls between them and builds the trap table the host consults when
// compiled code faults.
package obj

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/raymyers/wasmbc/pkg/compiled"
)

// ErrUnresolved is wrapped by every RelocationError.
var ErrUnresolved = errors.New("unresolved relocation")

// RelocationError reports a relocation that could not be applied.
type RelocationError struct {
	// Func is the index of the function holding the relocation.
	Func   uint32
	Target compiled.RelocTarget
	// Offset is the patched field's offset within Func.
	Offset uint32
	Reason string
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("%s in function %d at offset %#x to %s: %s", ErrUnresolved, e.Func, e.Offset, e.Target, e.Reason)
}

func (e *RelocationError) Unwrap() error { return ErrUnresolved }

// FunctionSymbol and TrampolineSymbol are the names functions get in the
// text section.
func FunctionSymbol(index uint32) string { return fmt.Sprintf("wasm[0]::function[%d]", index) }
func TrampolineSymbol(key string) string { return fmt.Sprintf("wasm[0]::trampoline[%s]", key) }

// Symbol is one function's range in the text section.
type Symbol struct {
	Name  string
	Start uint32
	Size  uint32
}

// End is the offset just past the symbol.
func (s Symbol) End() uint32 { return s.Start + s.Size }

// Trap is a trap record at a text section offset.
type Trap struct {
	Offset uint32
	Code   compiled.TrapCode
}

// DynamicRelocation is a relocation left for the loader. Library calls are
// never resolved in the text section.
type DynamicRelocation struct {
	Offset uint32
	Kind   compiled.RelocKind
	Target compiled.RelocTarget
	Addend int64
}

// Text is an assembled text section.
type Text struct {
	Bytes     []byte
	Alignment uint32
	Symbols   []Symbol
	Traps     []Trap
	Dynamic   []DynamicRelocation
}

// TrapAt returns the trap recorded at pc, a text section offset.
func (t *Text) TrapAt(pc uint32) (compiled.TrapCode, bool) {
	i := sort.Search(len(t.Traps), func(i int) bool { return t.Traps[i].Offset >= pc })
	if i < len(t.Traps) && t.Traps[i].Offset == pc {
		return t.Traps[i].Code, true
	}
	return 0, false
}

// Lookup finds a symbol by name.
func (t *Text) Lookup(name string) (Symbol, bool) {
	for _, s := range t.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// SymbolAt returns the symbol whose range contains pc.
func (t *Text) SymbolAt(pc uint32) (Symbol, bool) {
	i := sort.Search(len(t.Symbols), func(i int) bool { return t.Symbols[i].End() > pc })
	if i < len(t.Symbols) && t.Symbols[i].Start <= pc {
		return t.Symbols[i], true
	}
	return Symbol{}, false
}

type pending struct {
	fn    uint32
	start uint32
	reloc compiled.Relocation
}

// TextBuilder appends functions to a text section.
type TextBuilder struct {
	align        uint32
	sectionAlign uint32
	text         []byte
	symbols      []Symbol
	traps        []Trap
	relocs       []pending
	funcs        map[uint32]uint32 // function index -> start
}

// NewTextBuilder creates a builder that starts every function at a
// multiple of functionAlign.
func NewTextBuilder(functionAlign, sectionAlign uint32) *TextBuilder {
	if functionAlign == 0 {
		functionAlign = 1
	}
	return &TextBuilder{align: functionAlign, sectionAlign: sectionAlign, funcs: map[uint32]uint32{}}
}

// Len is the current size of the section.
func (b *TextBuilder) Len() uint32 { return uint32(len(b.text)) }

func (b *TextBuilder) append(name string, index uint32, fn compiled.Function) Symbol {
	align := b.align
	if fn.Alignment > align {
		align = fn.Alignment
	}
	for uint32(len(b.text))%align != 0 {
		b.text = append(b.text, 0)
	}
	sym := Symbol{Name: name, Start: b.Len(), Size: uint32(len(fn.Code))}
	b.text = append(b.text, fn.Code...)
	b.symbols = append(b.symbols, sym)
	for _, t := range fn.Traps {
		b.traps = append(b.traps, Trap{Offset: sym.Start + t.Offset, Code: t.Code})
	}
	for _, r := range fn.Relocations {
		b.relocs = append(b.relocs, pending{fn: index, start: sym.Start, reloc: r})
	}
	return sym
}

// AppendFunction adds the defined function with the given index.
func (b *TextBuilder) AppendFunction(index uint32, fn compiled.Function) Symbol {
	sym := b.append(FunctionSymbol(index), index, fn)
	b.funcs[index] = sym.Start
	return sym
}

// AppendTrampoline adds the adapter for the signature named key.
// Adapters call through a register and carry no relocations.
func (b *TextBuilder) AppendTrampoline(key string, fn compiled.Function) Symbol {
	return b.append(TrampolineSymbol(key), math.MaxUint32, fn)
}

// Resolver maps a call from function from to function to onto the
// callee's offset in the text section.
type Resolver func(from, to uint32) (uint32, bool)

// Finish applies relocations and returns the section. A nil resolve uses
// the offsets of the functions appended so far.
func (b *TextBuilder) Finish(resolve Resolver) (*Text, error) {
	if resolve == nil {
		resolve = func(_, to uint32) (uint32, bool) {
			start, ok := b.funcs[to]
			return start, ok
		}
	}
	text := &Text{Bytes: b.text, Alignment: b.sectionAlign, Symbols: b.symbols}
	for _, p := range b.relocs {
		site := p.start + p.reloc.Offset
		if p.reloc.Target.IsLibCall || p.reloc.Kind == compiled.Abs8 {
			text.Dynamic = append(text.Dynamic, DynamicRelocation{
				Offset: site,
				Kind:   p.reloc.Kind,
				Target: p.reloc.Target,
				Addend: p.reloc.Addend,
			})
			continue
		}
		fail := func(format string, args ...interface{}) error {
			return &RelocationError{Func: p.fn, Target: p.reloc.Target, Offset: p.reloc.Offset, Reason: fmt.Sprintf(format, args...)}
		}
		target, ok := resolve(p.fn, p.reloc.Target.Func)
		if !ok {
			return nil, fail("function is not in the text section")
		}
		if target >= uint32(len(b.text)) {
			return nil, fail("target offset %#x is outside the section", target)
		}
		if err := patch(b.text, site, target, p.reloc); err != nil {
			return nil, fail("%v", err)
		}
	}
	text.Traps = append(text.Traps, b.traps...)
	sort.SliceStable(text.Traps, func(i, j int) bool { return text.Traps[i].Offset < text.Traps[j].Offset })
	return text, nil
}

func patch(text []byte, site, target uint32, r compiled.Relocation) error {
	switch r.Kind {
	case compiled.X86CallPCRel4:
		if int(site)+4 > len(text) {
			return fmt.Errorf("field at %#x overruns the section", site)
		}
		disp := int64(target) + r.Addend - int64(site)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return fmt.Errorf("displacement %d does not fit in 32 bits", disp)
		}
		binary.LittleEndian.PutUint32(text[site:], uint32(int32(disp)))
	case compiled.Arm64Call:
		if int(site)+4 > len(text) {
			return fmt.Errorf("instruction at %#x overruns the section", site)
		}
		disp := int64(target) + r.Addend - int64(site)
		if disp%4 != 0 {
			return fmt.Errorf("displacement %d is not a multiple of 4", disp)
		}
		if disp < -(1<<27) || disp >= 1<<27 {
			return fmt.Errorf("displacement %d exceeds the 128MiB branch range", disp)
		}
		insn := binary.LittleEndian.Uint32(text[site:])
		insn = insn&^0x03ffffff | uint32(disp>>2)&0x03ffffff
		binary.LittleEndian.PutUint32(text[site:], insn)
	default:
		return fmt.Errorf("cannot apply %s in the text section", r.Kind)
	}
	return nil
}
