package isa

import (
	"golang.org/x/sys/cpu"

	"github.com/raymyers/wasmbc/pkg/triple"
)

// hostFeatures maps ISA flag names to what the running CPU reports.
func hostFeatures(arch triple.Architecture) map[string]bool {
	switch arch {
	case triple.X86_64:
		return map[string]bool{
			"has_sse3":   cpu.X86.HasSSE3,
			"has_ssse3":  cpu.X86.HasSSSE3,
			"has_sse41":  cpu.X86.HasSSE41,
			"has_sse42":  cpu.X86.HasSSE42,
			"has_popcnt": cpu.X86.HasPOPCNT,
			"has_avx":    cpu.X86.HasAVX,
			"has_bmi1":   cpu.X86.HasBMI1,
			"has_bmi2":   cpu.X86.HasBMI2,
			// x/sys/cpu does not report ABM; every BMI1 part also has LZCNT.
			"has_lzcnt": cpu.X86.HasBMI1,
		}
	case triple.Aarch64:
		return map[string]bool{"has_lse": cpu.ARM64.HasATOMICS}
	}
	return nil
}

// InferNative enables the ISA flags the host CPU supports. It does nothing
// when b targets another architecture.
func InferNative(b *Builder) error {
	if b.triple.Arch != triple.Host().Arch {
		return nil
	}
	for name, ok := range hostFeatures(b.triple.Arch) {
		if !ok {
			continue
		}
		if err := b.Enable(name); err != nil {
			return err
		}
	}
	return nil
}
