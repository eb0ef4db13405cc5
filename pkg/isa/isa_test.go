package isa

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
)

func TestLookupBuildsTargets(t *testing.T) {
	tests := []struct {
		triple string
		name   string
		align  uint32
	}{
		{"x86_64-unknown-linux-gnu", "x64", 16},
		{"x86_64-pc-windows-msvc", "x64", 16},
		{"aarch64-unknown-linux-gnu", "aarch64", 32},
		{"aarch64-apple-darwin", "aarch64", 32},
	}
	for _, tt := range tests {
		t.Run(tt.triple, func(t *testing.T) {
			b, err := LookupByName(tt.triple)
			require.NoError(t, err)
			tgt := b.Finish(settings.DefaultShared())
			assert.Equal(t, tt.name, tgt.Name())
			assert.Equal(t, tt.align, tgt.FunctionAlignment())
			assert.Equal(t, triple.MustParse(tt.triple), tgt.Triple())
		})
	}
}

func TestLookupUnsupported(t *testing.T) {
	_, err := Lookup(triple.MustParse("riscv64-unknown-linux-gnu"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
	var le *LookupError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, Unsupported, le.Kind)
	assert.Contains(t, err.Error(), "not supported yet")
}

func TestLookupByNameRejectsGarbage(t *testing.T) {
	_, err := LookupByName("sparc-sun-solaris")
	assert.Error(t, err)
}

func TestBuilderFlags(t *testing.T) {
	b, err := LookupByName("x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	require.NoError(t, b.Enable("has_popcnt"))
	require.NoError(t, b.Set("has_sse41", "true"))
	assert.True(t, settings.IsBadName(b.Set("use_bti", "true")), "aarch64 flags are not x64 flags")

	tgt := b.Finish(settings.DefaultShared())
	assert.True(t, tgt.IsaFlags().Bool("has_popcnt"))
	assert.True(t, tgt.IsaFlags().Bool("has_sse41"))
	assert.False(t, tgt.IsaFlags().Bool("has_avx"))
	assert.Equal(t, "x64", b.Template().Name)
}

func TestTargetsListsBothBackends(t *testing.T) {
	got := map[triple.Architecture]bool{}
	for _, tg := range Targets() {
		got[tg.Arch] = tg.Enabled
	}
	assert.Equal(t, map[triple.Architecture]bool{triple.X86_64: true, triple.Aarch64: true}, got)
}

func TestInferNativeIgnoresForeignTargets(t *testing.T) {
	foreign := "aarch64-unknown-linux-gnu"
	if runtime.GOARCH == "arm64" {
		foreign = "x86_64-unknown-linux-gnu"
	}
	b, err := LookupByName(foreign)
	require.NoError(t, err)
	require.NoError(t, InferNative(b))
	for _, v := range b.IsaFlags().Values() {
		assert.True(t, v.IsDefault(), v.Name)
	}
}

func TestInferNativeOnHost(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("no backend for", runtime.GOARCH)
	}
	b, err := LookupByName("native")
	require.NoError(t, err)
	assert.NoError(t, InferNative(b))
}
