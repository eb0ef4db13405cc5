package arm64

import (
	"github.com/raymyers/wasmbc/pkg/abi"
	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/compiled"
	"github.com/raymyers/wasmbc/pkg/isa/internal/progs"
	"github.com/raymyers/wasmbc/pkg/masm"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/trampoline"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

func flag(name, desc string) settings.Setting {
	return settings.Setting{Name: name, Kind: settings.Bool, Default: "false", Description: desc}
}

// Template declares the AArch64 ISA flags.
var Template = &settings.Template{
	Name: "aarch64",
	Settings: []settings.Setting{
		flag("has_lse", "Large System Extensions (FEAT_LSE)"),
		flag("has_pauth", "Pointer authentication (FEAT_PAuth)"),
		flag("sign_return_address", "Sign the return address of functions"),
		flag("sign_return_address_all", "Sign the return address of every function, not only non-leaf ones"),
		flag("sign_return_address_with_bkey", "Use the B key for return address signing"),
		flag("use_bti", "Start every function with a BTI landing pad (FEAT_BTI)"),
	},
}

// Target is an immutable AArch64 target object.
type Target struct {
	triple triple.Triple
	shared settings.Shared
	flags  settings.Flags
	cc     abi.CallConv
}

// New builds the target for t with frozen shared and ISA flags.
func New(t triple.Triple, shared settings.Shared, flags settings.Flags) *Target {
	return &Target{triple: t, shared: shared, flags: flags, cc: abi.DefaultCallConv(t)}
}

func (t *Target) Name() string                  { return "aarch64" }
func (t *Target) Triple() triple.Triple         { return t.triple }
func (t *Target) Flags() settings.Shared        { return t.shared }
func (t *Target) IsaFlags() settings.Flags      { return t.flags }
func (t *Target) FunctionAlignment() uint32     { return functionAlignment }
func (t *Target) Endianness() triple.Endianness { return triple.Little }
func (t *Target) CallConv() abi.CallConv        { return t.cc }

// IsBranchProtectionEnabled reports whether functions carry BTI landing
// pads.
func (t *Target) IsBranchProtectionEnabled() bool { return t.flags.Bool("use_bti") }

// CodeSectionAlignment is the page size: 16KiB on Darwin, and the largest
// page size Linux supports elsewhere.
func (t *Target) CodeSectionAlignment() uint32 {
	if t.triple.OS == triple.Darwin {
		return 0x4000
	}
	return 0x10000
}

func (t *Target) newMasm() (masm.MacroAssembler, error) {
	m, err := NewMacroAssembler(t.shared, t.flags)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CodegenTarget is what the code generator sees of this target.
func (t *Target) CodegenTarget() codegen.Target {
	return codegen.Target{
		Conv:        Convention(t.cc),
		Shared:      t.shared,
		Allocatable: Allocatable(),
		Scratch:     Scratch(),
		NewMasm:     t.newMasm,
	}
}

// CompileFunction compiles one function body.
func (t *Target) CompileFunction(in codegen.Input) (compiled.Function, error) {
	defer progs.Lock()()
	return codegen.Compile(t.CodegenTarget(), in)
}

// CompileTrampoline compiles the host-to-wasm adapter for ty, with X9
// carrying the value array.
func (t *Target) CompileTrampoline(ty wasm.FuncType) (compiled.Function, error) {
	defer progs.Lock()()
	return trampoline.Compile(trampoline.Target{
		Conv:    Convention(t.cc),
		Values:  X(9),
		NewMasm: t.newMasm,
	}, ty)
}

// TextSectionBuilder returns an empty text section laid out for this
// target.
func (t *Target) TextSectionBuilder() *obj.TextBuilder {
	return obj.NewTextBuilder(t.FunctionAlignment(), t.CodeSectionAlignment())
}
