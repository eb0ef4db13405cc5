package x64

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

func extension(name, desc string) settings.Setting {
	return settings.Setting{Name: name, Kind: settings.Bool, Default: "false", Description: desc}
}

// Template declares the x86-64 ISA flags. Every extension is off by
// default, which targets the x86-64 baseline.
var Template = &settings.Template{
	Name: "x64",
	Settings: []settings.Setting{
		extension("has_sse3", "SSE3: CPUID.01H:ECX.SSE3[bit 0]"),
		extension("has_ssse3", "SSSE3: CPUID.01H:ECX.SSSE3[bit 9]"),
		extension("has_sse41", "SSE4.1: CPUID.01H:ECX.SSE4_1[bit 19]; enables native float rounding"),
		extension("has_sse42", "SSE4.2: CPUID.01H:ECX.SSE4_2[bit 20]"),
		extension("has_popcnt", "POPCNT: CPUID.01H:ECX.POPCNT[bit 23]; enables i32.popcnt and i64.popcnt"),
		extension("has_avx", "AVX: CPUID.01H:ECX.AVX[bit 28]"),
		extension("has_bmi1", "BMI1: CPUID.(EAX=07H, ECX=0H):EBX.BMI1[bit 3]; enables TZCNT for ctz"),
		extension("has_bmi2", "BMI2: CPUID.(EAX=07H, ECX=0H):EBX.BMI2[bit 8]"),
		extension("has_lzcnt", "LZCNT: CPUID.80000001H:ECX.LZCNT[bit 5]; enables LZCNT for clz"),
	},
}

// Target is an immutable x86-64 target object. It is safe for concurrent
// use; assembly itself is serialized on golang-asm's lock.
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

func (t *Target) Name() string                    { return "x64" }
func (t *Target) Triple() triple.Triple           { return t.triple }
func (t *Target) Flags() settings.Shared          { return t.shared }
func (t *Target) IsaFlags() settings.Flags        { return t.flags }
func (t *Target) IsBranchProtectionEnabled() bool { return false }
func (t *Target) FunctionAlignment() uint32       { return functionAlignment }
func (t *Target) CodeSectionAlignment() uint32    { return 0x1000 }
func (t *Target) Endianness() triple.Endianness   { return triple.Little }
func (t *Target) CallConv() abi.CallConv          { return t.cc }

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
		Allocatable: Allocatable(t.cc),
		Scratch:     Scratch(),
		NewMasm:     t.newMasm,
	}
}

// CompileFunction compiles one function body.
func (t *Target) CompileFunction(in codegen.Input) (compiled.Function, error) {
	defer progs.Lock()()
	return codegen.Compile(t.CodegenTarget(), in)
}

// CompileTrampoline compiles the host-to-wasm adapter for ty. R10 carries
// the value array: it is caller-saved and no convention passes or returns
// anything in it.
func (t *Target) CompileTrampoline(ty wasm.FuncType) (compiled.Function, error) {
	defer progs.Lock()()
	return trampoline.Compile(trampoline.Target{
		Conv:    Convention(t.cc),
		Values:  scratch2,
		NewMasm: t.newMasm,
	}, ty)
}

// TextSectionBuilder returns an empty text section laid out for this
// target.
func (t *Target) TextSectionBuilder() *obj.TextBuilder {
	return obj.NewTextBuilder(t.FunctionAlignment(), t.CodeSectionAlignment())
}
