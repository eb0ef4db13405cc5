package triple

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Triple
	}{
		{"x86_64-unknown-linux-gnu", Triple{Arch: X86_64, Vendor: "unknown", OS: Linux, Env: "gnu"}},
		{"aarch64-apple-darwin", Triple{Arch: Aarch64, Vendor: "apple", OS: Darwin}},
		{"arm64-linux", Triple{Arch: Aarch64, Vendor: "unknown", OS: Linux}},
		{"x86_64-pc-windows-msvc", Triple{Arch: X86_64, Vendor: "pc", OS: Windows, Env: "msvc"}},
		{"s390x-unknown-linux-gnu", Triple{Arch: S390x, Vendor: "unknown", OS: Linux, Env: "gnu"}},
		{"riscv64", Triple{Arch: Riscv64, Vendor: "unknown"}},
		{"aarch64-apple-macosx11.0", Triple{Arch: Aarch64, Vendor: "apple", OS: Darwin}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "mips-unknown-linux", "x86_64-unknown-plan9"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestQueries(t *testing.T) {
	assert.Equal(t, Big, MustParse("s390x-unknown-linux-gnu").Endianness())
	assert.Equal(t, Little, MustParse("aarch64-unknown-linux-gnu").Endianness())
	assert.Equal(t, uint32(4), MustParse("i686-unknown-linux-gnu").PointerWidth())
	assert.Equal(t, "x86_64-unknown-linux-gnu", MustParse("amd64-unknown-linux-gnu").String())
	assert.NotEqual(t, UnknownArch, Host().Arch)
}
