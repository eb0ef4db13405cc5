package regalloc

import (
	"errors"
	"fmt"

	"github.com/raymyers/wasmbc/pkg/reg"
)

var (
	// ErrExhausted means no register of the requested class is free. The
	// caller spills an operand stack value and retries.
	ErrExhausted = errors.New("no free register")
	// ErrNotAllocated is returned when freeing a register that is not in use.
	ErrNotAllocated = errors.New("register is not allocated")
	// ErrInUse is returned when a specific register is requested but taken.
	ErrInUse = errors.New("register is already allocated")
	// ErrReserved is returned for scratch or otherwise non-allocatable registers.
	ErrReserved = errors.New("register is not allocatable")
)

// Allocator hands out registers from a fixed allocatable set. Scratch
// registers are never part of that set.
type Allocator struct {
	allocatable RegSet
	free        RegSet
	scratch     RegSet
}

// NewAllocator creates an allocator over allocatable; any register in
// scratch is removed from the pool.
func NewAllocator(allocatable, scratch RegSet) *Allocator {
	pool := allocatable.Minus(scratch)
	return &Allocator{allocatable: pool, free: pool, scratch: scratch}
}

// Alloc takes the lowest free register of class c.
func (a *Allocator) Alloc(c reg.Class) (reg.Reg, error) {
	r, ok := a.free.First(c)
	if !ok {
		return reg.Reg{}, fmt.Errorf("%w: class %s", ErrExhausted, c)
	}
	a.free.Remove(r)
	return r, nil
}

// Take allocates the specific register r.
func (a *Allocator) Take(r reg.Reg) error {
	if !a.allocatable.Contains(r) {
		return fmt.Errorf("%w: %s", ErrReserved, r)
	}
	if !a.free.Contains(r) {
		return fmt.Errorf("%w: %s", ErrInUse, r)
	}
	a.free.Remove(r)
	return nil
}

// Free returns r to the pool.
func (a *Allocator) Free(r reg.Reg) error {
	if !a.allocatable.Contains(r) {
		return fmt.Errorf("%w: %s", ErrReserved, r)
	}
	if a.free.Contains(r) {
		return fmt.Errorf("%w: %s", ErrNotAllocated, r)
	}
	a.free.Add(r)
	return nil
}

// IsFree reports whether r can be allocated right now.
func (a *Allocator) IsFree(r reg.Reg) bool { return a.free.Contains(r) }

// IsAllocatable reports whether r belongs to the pool at all.
func (a *Allocator) IsAllocatable(r reg.Reg) bool { return a.allocatable.Contains(r) }

// Available counts the free registers of class c.
func (a *Allocator) Available(c reg.Class) int { return a.free.LenClass(c) }

// Used returns the registers currently allocated.
func (a *Allocator) Used() RegSet { return a.allocatable.Minus(a.free) }

// Scratch returns the reserved scratch registers.
func (a *Allocator) Scratch() RegSet { return a.scratch }
