//go:build !wasmbc_nox64

package isa

import (
	"github.com/raymyers/wasmbc/pkg/isa/x64"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
)

func init() {
	backends[triple.X86_64] = backend{
		template: x64.Template,
		build: func(t triple.Triple, shared settings.Shared, flags settings.Flags) TargetIsa {
			return x64.New(t, shared, flags)
		},
	}
}
