//go:build wasmbc_nox64

package isa

import "github.com/raymyers/wasmbc/pkg/triple"

func init() { disabled[triple.X86_64] = true }
