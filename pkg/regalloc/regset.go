// Package regalloc tracks physical register availability while a single
// function is compiled. There is no global allocation: values are assigned
// registers on demand and the code generator spills when the pool runs dry.
package regalloc

import (
	"math/bits"

	"github.com/raymyers/wasmbc/pkg/reg"
)

// RegSet is a set of physical registers, one bit per hardware encoding
// in each class.
type RegSet struct {
	gpr uint64
	fpr uint64
}

// NewRegSet creates a set holding regs.
func NewRegSet(regs ...reg.Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s.Add(r)
	}
	return s
}

func (s *RegSet) mask(c reg.Class) *uint64 {
	if c == reg.Float {
		return &s.fpr
	}
	return &s.gpr
}

// Add inserts r.
func (s *RegSet) Add(r reg.Reg) { *s.mask(r.Class) |= 1 << r.HW }

// Remove deletes r.
func (s *RegSet) Remove(r reg.Reg) { *s.mask(r.Class) &^= 1 << r.HW }

// Contains reports whether r is in the set.
func (s RegSet) Contains(r reg.Reg) bool { return *s.mask(r.Class)&(1<<r.HW) != 0 }

// Union returns s ∪ o.
func (s RegSet) Union(o RegSet) RegSet { return RegSet{gpr: s.gpr | o.gpr, fpr: s.fpr | o.fpr} }

// Minus returns s \ o.
func (s RegSet) Minus(o RegSet) RegSet { return RegSet{gpr: s.gpr &^ o.gpr, fpr: s.fpr &^ o.fpr} }

// Equal reports whether both sets hold the same registers.
func (s RegSet) Equal(o RegSet) bool { return s == o }

// Copy returns an independent copy.
func (s RegSet) Copy() RegSet { return s }

// Len counts the registers in the set.
func (s RegSet) Len() int { return bits.OnesCount64(s.gpr) + bits.OnesCount64(s.fpr) }

// LenClass counts the registers of one class.
func (s RegSet) LenClass(c reg.Class) int { return bits.OnesCount64(*s.mask(c)) }

// Empty reports whether the set has no registers.
func (s RegSet) Empty() bool { return s.gpr == 0 && s.fpr == 0 }

// First returns the lowest-numbered register of class c.
func (s RegSet) First(c reg.Class) (reg.Reg, bool) {
	m := *s.mask(c)
	if m == 0 {
		return reg.Reg{}, false
	}
	return reg.Reg{Class: c, HW: uint8(bits.TrailingZeros64(m))}, true
}

// Regs lists the set, integer registers first, each class in encoding order.
func (s RegSet) Regs() []reg.Reg {
	out := make([]reg.Reg, 0, s.Len())
	for _, c := range []reg.Class{reg.Int, reg.Float} {
		m := *s.mask(c)
		for m != 0 {
			hw := bits.TrailingZeros64(m)
			out = append(out, reg.Reg{Class: c, HW: uint8(hw)})
			m &^= 1 << hw
		}
	}
	return out
}
