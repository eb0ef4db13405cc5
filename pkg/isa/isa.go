// Package isa selects a backend from a target triple. Lookup returns a
// Builder for the architecture's flags; Finish freezes them into a
// TargetIsa that every function of a compilation shares.
package isa

import (
	"errors"
	"fmt"
	"sort"

	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

// TargetIsa is an immutable target object, safe for concurrent use.
type TargetIsa interface {
	Name() string
	Triple() triple.Triple
	Flags() settings.Shared
	IsaFlags() settings.Flags
	IsBranchProtectionEnabled() bool
	FunctionAlignment() uint32
	CodeSectionAlignment() uint32
	Endianness() triple.Endianness
	CallConv() abi.CallConv

	CompileFunction(in codegen.Input) (compiled.Function, error)
	CompileTrampoline(ty wasm.FuncType) (compiled.Function, error)
	TextSectionBuilder() *obj.TextBuilder
}

var (
	ErrUnsupported     = errors.New("this target is not supported yet")
	ErrSupportDisabled = errors.New("support for this target was disabled")
)

// LookupErrorKind says why no backend was found.
type LookupErrorKind uint8

const (
	Unsupported LookupErrorKind = iota
	SupportDisabled
)

// LookupError is returned by Lookup.
type LookupError struct {
	Kind   LookupErrorKind
	Triple triple.Triple
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Triple, e.Unwrap())
}

func (e *LookupError) Unwrap() error {
	if e.Kind == SupportDisabled {
		return ErrSupportDisabled
	}
	return ErrUnsupported
}

type backend struct {
	template *settings.Template
	build    func(t triple.Triple, shared settings.Shared, flags settings.Flags) TargetIsa
}

// backends and disabled are filled by the per-architecture files, which
// build tags include or exclude.
var (
	backends = map[triple.Architecture]backend{}
	disabled = map[triple.Architecture]bool{}
)

// Builder collects ISA flags for one triple.
type Builder struct {
	triple triple.Triple
	flags  *settings.Builder
	build  func(t triple.Triple, shared settings.Shared, flags settings.Flags) TargetIsa
}

// Lookup returns a builder for t.
func Lookup(t triple.Triple) (*Builder, error) {
	b, ok := backends[t.Arch]
	if !ok {
		kind := Unsupported
		if disabled[t.Arch] {
			kind = SupportDisabled
		}
		return nil, &LookupError{Kind: kind, Triple: t}
	}
	return &Builder{triple: t, flags: settings.NewBuilder(b.template), build: b.build}, nil
}

// LookupByName parses name as a triple and looks it up. "native" and ""
// select the host.
func LookupByName(name string) (*Builder, error) {
	if name == "" || name == "native" {
		return Lookup(triple.Host())
	}
	t, err := triple.Parse(name)
	if err != nil {
		return nil, err
	}
	return Lookup(t)
}

// Triple is the target the builder was looked up for.
func (b *Builder) Triple() triple.Triple { return b.triple }

// Template lists the ISA flags the builder accepts.
func (b *Builder) Template() *settings.Template { return b.flags.Template() }

// Set assigns an ISA flag.
func (b *Builder) Set(name, value string) error { return b.flags.Set(name, value) }

// Enable turns on a boolean ISA flag.
func (b *Builder) Enable(name string) error { return b.flags.Enable(name) }

// IsaFlags is a snapshot of the flags set so far.
func (b *Builder) IsaFlags() settings.Flags { return b.flags.Finish() }

// Finish freezes the flags into a target object.
func (b *Builder) Finish(shared settings.Shared) TargetIsa {
	return b.build(b.triple, shared, b.flags.Finish())
}

// Target describes one architecture for listings.
type Target struct {
	Arch    triple.Architecture
	Enabled bool
}

// Targets lists every architecture with a backend, compiled in or not.
func Targets() []Target {
	var out []Target
	for a := range backends {
		out = append(out, Target{Arch: a, Enabled: true})
	}
	for a := range disabled {
		out = append(out, Target{Arch: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arch < out[j].Arch })
	return out
}
