//go:build wasmbc_noarm64

package isa

import "github.com/raymyers/wasmbc/pkg/triple"

func init() { disabled[triple.Aarch64] = true }
