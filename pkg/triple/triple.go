// Package triple parses target triples such as x86_64-unknown-linux-gnu.
package triple

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture is the instruction set half of a triple.
type Architecture uint8

const (
	UnknownArch Architecture = iota
	X86_64
	Aarch64
	Riscv64
	S390x
	X86_32
)

var archNames = map[Architecture]string{
	UnknownArch: "unknown",
	X86_64:      "x86_64",
	Aarch64:     "aarch64",
	Riscv64:     "riscv64",
	S390x:       "s390x",
	X86_32:      "i686",
}

func (a Architecture) String() string { return archNames[a] }

// OperatingSystem is the OS component of a triple.
type OperatingSystem uint8

const (
	UnknownOS OperatingSystem = iota
	Linux
	Darwin
	Windows
	FreeBSD
	None
)

var osNames = map[OperatingSystem]string{
	UnknownOS: "unknown",
	Linux:     "linux",
	Darwin:    "darwin",
	Windows:   "windows",
	FreeBSD:   "freebsd",
	None:      "none",
}

func (o OperatingSystem) String() string { return osNames[o] }

// Endianness is the byte order of a target.
type Endianness uint8

const (
	Little Endianness = iota
	Big
)

func (e Endianness) String() string {
	if e == Big {
		return "big"
	}
	return "little"
}

// Triple identifies a compilation target.
type Triple struct {
	Arch   Architecture
	Vendor string
	OS     OperatingSystem
	Env    string
}

func (t Triple) String() string {
	s := fmt.Sprintf("%s-%s-%s", t.Arch, t.Vendor, t.OS)
	if t.Env != "" {
		s += "-" + t.Env
	}
	return s
}

// Endianness returns the byte order of the architecture.
func (t Triple) Endianness() Endianness {
	if t.Arch == S390x {
		return Big
	}
	return Little
}

// PointerWidth is the pointer size in bytes.
func (t Triple) PointerWidth() uint32 {
	if t.Arch == X86_32 {
		return 4
	}
	return 8
}

var archAliases = map[string]Architecture{
	"x86_64":  X86_64,
	"amd64":   X86_64,
	"x64":     X86_64,
	"aarch64": Aarch64,
	"arm64":   Aarch64,
	"riscv64": Riscv64,
	"s390x":   S390x,
	"i686":    X86_32,
	"i386":    X86_32,
	"x86":     X86_32,
}

var osAliases = map[string]OperatingSystem{
	"linux":   Linux,
	"darwin":  Darwin,
	"macos":   Darwin,
	"windows": Windows,
	"freebsd": FreeBSD,
	"none":    None,
	"unknown": UnknownOS,
}

// Parse reads arch[-vendor][-os[-env]]. The vendor may be omitted when the
// second component is a known operating system.
func Parse(s string) (Triple, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "-")
	if len(parts) == 0 || parts[0] == "" {
		return Triple{}, fmt.Errorf("empty target triple")
	}
	arch, ok := archAliases[parts[0]]
	if !ok {
		return Triple{}, fmt.Errorf("unknown architecture %q in triple %q", parts[0], s)
	}
	t := Triple{Arch: arch, Vendor: "unknown"}
	rest := parts[1:]
	if len(rest) > 0 {
		if os, ok := osAliases[rest[0]]; ok && rest[0] != "unknown" {
			t.OS = os
			rest = rest[1:]
		} else {
			t.Vendor = rest[0]
			rest = rest[1:]
			if len(rest) > 0 {
				if os, ok := osAliases[rest[0]]; ok {
					t.OS = os
				} else if strings.HasPrefix(rest[0], "macos") || strings.HasPrefix(rest[0], "darwin") {
					t.OS = Darwin
				} else {
					return Triple{}, fmt.Errorf("unknown operating system %q in triple %q", rest[0], s)
				}
				rest = rest[1:]
			}
		}
	}
	if len(rest) > 0 {
		t.Env = strings.Join(rest, "-")
	}
	return t, nil
}

// MustParse is Parse for constant triples.
func MustParse(s string) Triple {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Host returns the triple of the running process.
func Host() Triple {
	t := Triple{Vendor: "unknown"}
	t.Arch = archAliases[runtime.GOARCH]
	switch runtime.GOOS {
	case "linux":
		t.OS, t.Env = Linux, "gnu"
	case "darwin":
		t.OS, t.Vendor = Darwin, "apple"
	case "windows":
		t.OS, t.Vendor, t.Env = Windows, "pc", "msvc"
	case "freebsd":
		t.OS = FreeBSD
	}
	return t
}
