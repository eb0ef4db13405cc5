//go:build !wasmbc_noarm64

package isa

import (
	"github.com/raymyers/wasmbc/pkg/isa/arm64"
	"github.com/raymyers/wasmbc/pkg/settings"
	"github.com/raymyers/wasmbc/pkg/triple"
)

func init() {
	backends[triple.Aarch64] = backend{
		template: arm64.Template,
		build: func(t triple.Triple, shared settings.Shared, flags settings.Flags) TargetIsa {
			return arm64.New(t, shared, flags)
		},
	}
}
