// Package progs wraps a golang-asm builder with the bookkeeping both
// backends share: labels bound to NOP progs, branches patched as labels
// are bound, and trap and relocation sites resolved to offsets once the
// function is assembled.
package progs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/masm"
)

// golang-asm keeps lazily initialized package state in its architecture
// packages, so at most one function is assembled at a time.
var mu sync.Mutex

// Lock serializes use of golang-asm. Callers hold it for the whole
// lifetime of a Buffer.
func Lock() func() {
	mu.Lock()
	return mu.Unlock
}

var (
	// ErrUnboundLabel is returned by Finalize for a label used but never bound.
	ErrUnboundLabel = errors.New("branch to unbound label")
	// ErrEncoding is returned by Finalize when the assembler rejected a prog.
	ErrEncoding = errors.New("instruction encoding failed")
)

type label struct {
	target  *obj.Prog
	pending []*obj.Prog
}

type trapSite struct {
	p    *obj.Prog
	code compiled.TrapCode
}

type relocSite struct {
	p     *obj.Prog
	delta uint32
	reloc compiled.Relocation
}

// Buffer accumulates the progs of one function.
type Buffer struct {
	b      *asm.Builder
	labels []label
	traps  []trapSite
	relocs []relocSite
	align  uint32
	diags  []string
}

// New creates a buffer for arch ("amd64" or "arm64").
func New(arch string, align uint32) (*Buffer, error) {
	b, err := asm.NewBuilder(arch, 256)
	if err != nil {
		return nil, fmt.Errorf("creating %s assembler: %w", arch, err)
	}
	buf := &Buffer{b: b, align: align}
	// The first prog is taken as the TEXT pseudo-instruction.
	p := buf.Prog()
	p.As = obj.ANOP
	buf.Add(p)
	// golang-asm reports illegal operand combinations only through the
	// link context and still emits a placeholder word for them.
	p.Ctxt.DiagFunc = func(format string, args ...interface{}) {
		buf.diags = append(buf.diags, fmt.Sprintf(format, args...))
	}
	return buf, nil
}

// Prog allocates a prog.
func (buf *Buffer) Prog() *obj.Prog { return buf.b.NewProg() }

// Add appends p.
func (buf *Buffer) Add(p *obj.Prog) { buf.b.AddInstruction(p) }

// Emit allocates a prog with opcode as, lets fill set its operands and
// appends it.
func (buf *Buffer) Emit(as obj.As, fill func(p *obj.Prog)) *obj.Prog {
	p := buf.Prog()
	p.As = as
	if fill != nil {
		fill(p)
	}
	buf.Add(p)
	return p
}

// NewLabel creates an unbound label.
func (buf *Buffer) NewLabel() masm.Label {
	buf.labels = append(buf.labels, label{})
	return masm.Label(len(buf.labels) - 1)
}

// Bind places l at the current position.
func (buf *Buffer) Bind(l masm.Label) {
	nop := buf.Emit(obj.ANOP, nil)
	lb := &buf.labels[l]
	lb.target = nop
	for _, br := range lb.pending {
		br.To.SetTarget(nop)
	}
	lb.pending = nil
}

// Branch emits a branch instruction as to l.
func (buf *Buffer) Branch(as obj.As, l masm.Label) *obj.Prog {
	p := buf.Emit(as, func(p *obj.Prog) { p.To.Type = obj.TYPE_BRANCH })
	lb := &buf.labels[l]
	if lb.target != nil {
		p.To.SetTarget(lb.target)
	} else {
		lb.pending = append(lb.pending, p)
	}
	return p
}

// TrapAt records that p may fault with code.
func (buf *Buffer) TrapAt(p *obj.Prog, code compiled.TrapCode) {
	buf.traps = append(buf.traps, trapSite{p: p, code: code})
}

// RelocAt records a relocation whose field starts delta bytes into p.
func (buf *Buffer) RelocAt(p *obj.Prog, delta uint32, r compiled.Relocation) {
	buf.relocs = append(buf.relocs, relocSite{p: p, delta: delta, reloc: r})
}

// Finalize assembles the function and resolves recorded sites to offsets.
func (buf *Buffer) Finalize() (compiled.Function, error) {
	for i, l := range buf.labels {
		if len(l.pending) > 0 {
			return compiled.Function{}, fmt.Errorf("%w: label %d", ErrUnboundLabel, i)
		}
	}
	code := buf.b.Assemble()
	if len(buf.diags) > 0 {
		return compiled.Function{}, fmt.Errorf("%w: %s", ErrEncoding, strings.Join(buf.diags, "; "))
	}
	fn := compiled.Function{Code: code, Alignment: buf.align}
	for _, t := range buf.traps {
		fn.Traps = append(fn.Traps, compiled.TrapRecord{Offset: uint32(t.p.Pc), Code: t.code})
	}
	for _, r := range buf.relocs {
		rel := r.reloc
		rel.Offset = uint32(r.p.Pc) + r.delta
		fn.Relocations = append(fn.Relocations, rel)
	}
	fn.Sort()
	return fn, nil
}
