// Package compiler ties the pieces together. A Builder collects shared and
// ISA flags for one target; the Compiler it builds compiles single
// functions, trampolines, or whole modules laid out in one text section.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/isa"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// Builder configures a Compiler.
type Builder struct {
	shared *settings.Builder
	isa    *isa.Builder
	log    logrus.FieldLogger
}

// NewBuilder looks up target, a triple or "native".
func NewBuilder(target string) (*Builder, error) {
	ib, err := isa.LookupByName(target)
	if err != nil {
		return nil, err
	}
	return &Builder{shared: settings.NewSharedBuilder(), isa: ib, log: discard()}, nil
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Triple is the target being configured.
func (b *Builder) Triple() triple.Triple { return b.isa.Triple() }

// Set assigns a shared flag, or an ISA flag when no shared flag has that
// name.
func (b *Builder) Set(name, value string) error {
	err := b.shared.Set(name, value)
	if settings.IsBadName(err) {
		return b.isa.Set(name, value)
	}
	return err
}

// Enable turns on a boolean flag, shared first.
func (b *Builder) Enable(name string) error {
	err := b.shared.Enable(name)
	if settings.IsBadName(err) {
		return b.isa.Enable(name)
	}
	return err
}

// InferNative enables the ISA extensions of the host CPU.
func (b *Builder) InferNative() error { return isa.InferNative(b.isa) }

// SetLogger routes compilation logs to l.
func (b *Builder) SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = discard()
	}
	b.log = l
}

// Settings returns the shared flags followed by the ISA flags.
func (b *Builder) Settings() []settings.Flags {
	return []settings.Flags{b.shared.Finish(), b.isa.IsaFlags()}
}

// Build freezes the flags.
func (b *Builder) Build() *Compiler {
	t := b.isa.Finish(settings.Shared{Flags: b.shared.Finish()})
	return &Compiler{isa: t, log: b.log.WithField("target", t.Triple().String())}
}

// Compiler compiles for one target. It is safe for concurrent use.
type Compiler struct {
	isa isa.TargetIsa
	log logrus.FieldLogger
}

// Isa returns the target object.
func (c *Compiler) Isa() isa.TargetIsa { return c.isa }

// CompileFunction compiles function index of m.
func (c *Compiler) CompileFunction(m *wasm.Module, index uint32) (compiled.Function, error) {
	if int(index) >= len(m.Funcs) {
		return compiled.Function{}, fmt.Errorf("function %d: module defines %d functions", index, len(m.Funcs))
	}
	f := m.Funcs[index]
	fn, err := c.isa.CompileFunction(codegen.Input{
		Index: index,
		Type:  f.Type,
		Body:  f.Body,
		Funcs: m.FuncTypes(),
	})
	if err != nil {
		// codegen errors already name the function.
		var cerr *codegen.Error
		if !errors.As(err, &cerr) {
			err = fmt.Errorf("function %d: %w", index, err)
		}
		return compiled.Function{}, err
	}
	c.log.WithFields(logrus.Fields{
		"func":   index,
		"size":   len(fn.Code),
		"relocs": len(fn.Relocations),
		"traps":  len(fn.Traps),
	}).Debug("compiled function")
	return fn, nil
}

// CompileTrampoline compiles the host-to-wasm adapter for ty.
func (c *Compiler) CompileTrampoline(ty wasm.FuncType) (compiled.Function, error) {
	fn, err := c.isa.CompileTrampoline(ty)
	if err != nil {
		return compiled.Function{}, fmt.Errorf("trampoline %s: %w", ty, err)
	}
	return fn, nil
}

// Artifact is a compiled module.
type Artifact struct {
	Funcs       []compiled.Function
	Trampolines map[string]compiled.Function // keyed by FuncType.Key
	Text        *obj.Text
}

// Function returns the symbol of function index in the text section.
func (a *Artifact) Function(index uint32) (obj.Symbol, bool) {
	return a.Text.Lookup(obj.FunctionSymbol(index))
}

// Trampoline returns the symbol of the adapter for ty.
func (a *Artifact) Trampoline(ty wasm.FuncType) (obj.Symbol, bool) {
	return a.Text.Lookup(obj.TrampolineSymbol(ty.Key()))
}

// CompileModule compiles every function of m and one trampoline per
// distinct signature concurrently, then lays them out in a text section
// with module-local calls resolved. The first fault wins.
func (c *Compiler) CompileModule(ctx context.Context, m *wasm.Module) (*Artifact, error) {
	funcs := make([]compiled.Function, len(m.Funcs))
	sigs := m.Signatures()
	tramps := make([]compiled.Function, len(sigs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range funcs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn, err := c.CompileFunction(m, uint32(i))
			funcs[i] = fn
			return err
		})
	}
	for i := range sigs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn, err := c.CompileTrampoline(sigs[i])
			tramps[i] = fn
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb := c.isa.TextSectionBuilder()
	for i, fn := range funcs {
		tb.AppendFunction(uint32(i), fn)
	}
	art := &Artifact{Funcs: funcs, Trampolines: make(map[string]compiled.Function, len(sigs))}
	for i, ty := range sigs {
		tb.AppendTrampoline(ty.Key(), tramps[i])
		art.Trampolines[ty.Key()] = tramps[i]
	}
	text, err := tb.Finish(nil)
	if err != nil {
		return nil, err
	}
	art.Text = text
	c.log.WithFields(logrus.Fields{"funcs": len(funcs), "text": len(text.Bytes)}).Debug("compiled module")
	return art, nil
}
