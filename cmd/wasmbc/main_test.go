package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/codegen"
	"github.com/raymyers/wasmbc/pkg/isa"
	"github.com/raymyers/wasmbc/pkg/obj"
	"github.com/raymyers/wasmbc/pkg/platform"
	"github.com/raymyers/wasmbc/pkg/triple"
	"github.com/raymyers/wasmbc/pkg/wasm"
)

const x64Linux = "x86_64-unknown-linux-gnu"

var addType = wasm.Sig([]wasm.ValType{wasm.I32, wasm.I32}, wasm.I32)

func addModule() []byte {
	return wasm.NewModule(
		[]wasm.FuncType{addType, wasm.Sig(nil, wasm.I32)},
		[]wasm.FunctionBody{
			{Code: []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}},
			{Code: []byte{0x41, 0x28, 0x41, 0x02, 0x10, 0x00, 0x0b}},
		},
		map[string]uint32{"add": 0, "main": 1},
	).Encode()
}

func popcntModule() []byte {
	return wasm.NewModule(
		[]wasm.FuncType{wasm.Sig([]wasm.ValType{wasm.I32}, wasm.I32)},
		[]wasm.FunctionBody{{Code: []byte{0x20, 0x00, 0x69, 0x0b}}},
		nil,
	).Encode()
}

// execute runs the CLI against fs and returns stdout, stderr and the error.
func execute(t *testing.T, fs afero.Fs, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmdFs(fs, &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func memFs(t *testing.T, files map[string][]byte) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, data := range files {
		require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
	}
	return fs
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestTextOutputFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"test.wasm", "test.text"},
		{"path/to/file.wasm", "path/to/file.text"},
		{"noext", "noext.text"},
	}

	for _, tt := range tests {
		got := textOutputFilename(tt.input)
		if got != tt.want {
			t.Errorf("textOutputFilename(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCompileWritesText(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	out, _, err := execute(t, fs, "compile", "add.wasm", "--target", x64Linux)
	require.NoError(t, err)

	text, err := afero.ReadFile(fs, "add.text")
	require.NoError(t, err)
	assert.NotEmpty(t, text)
	assert.Contains(t, out, obj.FunctionSymbol(0))
	assert.Contains(t, out, obj.FunctionSymbol(1))
	assert.Contains(t, out, obj.TrampolineSymbol(addType.Key()))
	assert.Contains(t, out, fmt.Sprintf("wrote add.text (%d bytes)", len(text)))
}

func TestCompileOutputFlag(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	_, _, err := execute(t, fs, "compile", "add.wasm", "-o", "out.bin", "--target", "aarch64-unknown-linux-gnu")
	require.NoError(t, err)
	ok, err := afero.Exists(fs, "out.bin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileSingleFunction(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	out, _, err := execute(t, fs, "compile", "add.wasm", "--func", "1", "--target", x64Linux)
	require.NoError(t, err)
	assert.Contains(t, out, obj.FunctionSymbol(1))
	assert.Contains(t, out, "reloc", "the call to function 0 stays unresolved")
	assert.Contains(t, out, "func[0]")

	_, _, err = execute(t, fs, "compile", "add.wasm", "--func", "9", "--target", x64Linux)
	assert.ErrorContains(t, err, "module defines 2 functions")
}

func TestCompileMissingFile(t *testing.T) {
	_, _, err := execute(t, afero.NewMemMapFs(), "compile", "nope.wasm")
	assert.Error(t, err)
	assert.Equal(t, exitFailure, exitCodeOf(err))
}

func TestCompileUnsupportedTarget(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	_, _, err := execute(t, fs, "compile", "add.wasm", "--target", "riscv64-unknown-linux-gnu")
	require.Error(t, err)
	assert.True(t, errors.Is(err, isa.ErrUnsupported))
	assert.Equal(t, exitLookup, exitCodeOf(err))
}

func TestCompileCodegenFault(t *testing.T) {
	fs := memFs(t, map[string][]byte{"p.wasm": popcntModule()})
	_, _, err := execute(t, fs, "compile", "p.wasm", "--target", x64Linux)
	require.Error(t, err)
	assert.Equal(t, exitCodegen, exitCodeOf(err))

	_, _, err = execute(t, fs, "compile", "p.wasm", "--target", x64Linux, "--enable", "has_popcnt")
	assert.NoError(t, err)
}

func TestCompileFlagsFile(t *testing.T) {
	fs := memFs(t, map[string][]byte{
		"p.wasm":     popcntModule(),
		"flags.yaml": []byte("has_popcnt: true\nopt_level: speed\n"),
	})
	_, _, err := execute(t, fs, "compile", "p.wasm", "--target", x64Linux, "--flags-file", "flags.yaml")
	assert.NoError(t, err)
}

func TestCompileEnvironment(t *testing.T) {
	t.Setenv("WASMBC_TARGET", x64Linux)
	t.Setenv("WASMBC_FLAGS", "has_popcnt=true,opt_level=speed")
	fs := memFs(t, map[string][]byte{"p.wasm": popcntModule()})
	_, _, err := execute(t, fs, "compile", "p.wasm")
	assert.NoError(t, err)

	t.Setenv("WASMBC_FLAGS", "has_popcnt")
	_, _, err = execute(t, fs, "compile", "p.wasm")
	assert.ErrorContains(t, err, "WASMBC_FLAGS")
}

func TestVerboseLogsFunctions(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	_, errOut, err := execute(t, fs, "compile", "add.wasm", "--target", x64Linux, "--verbose")
	require.NoError(t, err)
	assert.Contains(t, errOut, "compiled function")
	assert.Contains(t, errOut, "compiled module")

	_, errOut, err = execute(t, fs, "compile", "add.wasm", "--target", x64Linux)
	require.NoError(t, err)
	assert.NotContains(t, errOut, "compiled function")
}

func TestBadLogLevel(t *testing.T) {
	_, _, err := execute(t, afero.NewMemMapFs(), "targets", "--log-level", "loud")
	assert.Error(t, err)
}

func TestSettings(t *testing.T) {
	out, _, err := execute(t, afero.NewMemMapFs(), "settings", "--target", x64Linux,
		"--set", "has_popcnt=true", "--set", "opt_level=speed")
	require.NoError(t, err)
	assert.Contains(t, out, "target "+triple.MustParse(x64Linux).String())
	assert.Contains(t, out, "[shared]")
	assert.Contains(t, out, "[x64]")
	assert.Regexp(t, `has_popcnt\s+= true`, out)
	assert.Regexp(t, `has_avx\s+= false`, out)
	assert.Regexp(t, `opt_level\s+= speed`, out)
	assert.NotContains(t, out, "\x1b[", "no color outside a terminal")
}

func TestSettingsRejectsUnknownFlag(t *testing.T) {
	_, _, err := execute(t, afero.NewMemMapFs(), "settings", "--target", x64Linux, "--set", "use_bti=true")
	assert.ErrorContains(t, err, "no existing setting")

	_, _, err = execute(t, afero.NewMemMapFs(), "settings", "--target", x64Linux, "--set", "has_popcnt")
	assert.ErrorContains(t, err, "NAME=VALUE")
}

func TestTargets(t *testing.T) {
	out, _, err := execute(t, afero.NewMemMapFs(), "targets")
	require.NoError(t, err)
	assert.Regexp(t, `x86_64\s+enabled`, out)
	assert.Regexp(t, `aarch64\s+enabled`, out)
}

func TestRunInvokesExport(t *testing.T) {
	if !platform.Supported() {
		t.Skip("cannot execute compiled code here")
	}
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	out, _, err := execute(t, fs, "run", "add.wasm", "--invoke", "add", "40", "2")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	out, _, err = execute(t, fs, "run", "add.wasm", "--invoke", "main")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestRunErrors(t *testing.T) {
	fs := memFs(t, map[string][]byte{"add.wasm": addModule()})
	_, _, err := execute(t, fs, "run", "add.wasm")
	assert.ErrorContains(t, err, "invoke")

	if !platform.Supported() {
		t.Skip("cannot execute compiled code here")
	}
	_, _, err = execute(t, fs, "run", "add.wasm", "--invoke", "sub")
	assert.ErrorContains(t, err, `no exported function "sub"`)
	_, _, err = execute(t, fs, "run", "add.wasm", "--invoke", "add", "1")
	assert.ErrorContains(t, err, "takes 2 arguments")
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain", errors.New("boom"), exitFailure},
		{"lookup", &isa.LookupError{Kind: isa.SupportDisabled, Triple: triple.MustParse(x64Linux)}, exitLookup},
		{"codegen", fmt.Errorf("function 3: %w", &codegen.Error{Kind: codegen.KindUnsupported, Err: codegen.ErrUnsupported}), exitCodegen},
		{"relocation", &obj.RelocationError{Func: 1, Reason: "out of range"}, exitRelocation},
		{"explicit", withExitCode{error: errors.New("x"), code: 7}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeOf(tt.err))
		})
	}
}
