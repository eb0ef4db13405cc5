package regalloc

import (
	"testing"

	"github.com/raymyers/wasmbc/pkg/reg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegSetOperations(t *testing.T) {
	t.Run("Add and Contains", func(t *testing.T) {
		s := NewRegSet()
		s.Add(reg.GPR(1))
		s.Add(reg.FPR(2))

		assert.True(t, s.Contains(reg.GPR(1)))
		assert.True(t, s.Contains(reg.FPR(2)))
		assert.False(t, s.Contains(reg.FPR(1)), "classes are distinct")
		assert.False(t, s.Contains(reg.GPR(3)))
	})

	t.Run("Union and Minus", func(t *testing.T) {
		s1 := NewRegSet(reg.GPR(1), reg.GPR(2))
		s2 := NewRegSet(reg.GPR(2), reg.GPR(3))

		assert.Equal(t, []reg.Reg{reg.GPR(1), reg.GPR(2), reg.GPR(3)}, s1.Union(s2).Regs())
		assert.Equal(t, []reg.Reg{reg.GPR(1)}, s1.Minus(s2).Regs())
	})

	t.Run("Equal and Copy", func(t *testing.T) {
		s := NewRegSet(reg.GPR(1), reg.FPR(31))
		c := s.Copy()
		s.Add(reg.GPR(3))

		assert.False(t, c.Contains(reg.GPR(3)), "copy should not be affected by modifications to original")
		assert.True(t, c.Equal(NewRegSet(reg.FPR(31), reg.GPR(1))))
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, 1, s.LenClass(reg.Float))
	})

	t.Run("First", func(t *testing.T) {
		s := NewRegSet(reg.GPR(9), reg.GPR(4))
		r, ok := s.First(reg.Int)
		require.True(t, ok)
		assert.Equal(t, reg.GPR(4), r)
		_, ok = s.First(reg.Float)
		assert.False(t, ok)
	})
}

func TestAllocatorExcludesScratch(t *testing.T) {
	a := NewAllocator(NewRegSet(reg.GPR(0), reg.GPR(1), reg.GPR(11)), NewRegSet(reg.GPR(11)))

	var got []reg.Reg
	for {
		r, err := a.Alloc(reg.Int)
		if err != nil {
			assert.ErrorIs(t, err, ErrExhausted)
			break
		}
		got = append(got, r)
	}
	assert.Equal(t, []reg.Reg{reg.GPR(0), reg.GPR(1)}, got)
	assert.ErrorIs(t, a.Take(reg.GPR(11)), ErrReserved)
	assert.ErrorIs(t, a.Free(reg.GPR(11)), ErrReserved)
	assert.True(t, a.Scratch().Contains(reg.GPR(11)))
}

func TestAllocatorNeverHandsOutUsedRegister(t *testing.T) {
	pool := NewRegSet(reg.GPR(0), reg.GPR(1), reg.GPR(2), reg.FPR(0), reg.FPR(1))
	a := NewAllocator(pool, RegSet{})
	owned := map[reg.Reg]bool{}

	// Interleave allocations and frees; every handed-out register must
	// be unowned at that moment.
	for i := 0; i < 200; i++ {
		class := reg.Class(i % 2)
		if i%3 == 2 {
			for r := range owned {
				require.NoError(t, a.Free(r))
				delete(owned, r)
				break
			}
			continue
		}
		r, err := a.Alloc(class)
		if err != nil {
			require.ErrorIs(t, err, ErrExhausted)
			continue
		}
		require.False(t, owned[r], "register %s handed out twice", r)
		owned[r] = true
	}
	assert.Equal(t, len(owned), a.Used().Len())
}

func TestAllocatorFreeAndTake(t *testing.T) {
	a := NewAllocator(NewRegSet(reg.GPR(0), reg.GPR(2)), RegSet{})

	assert.ErrorIs(t, a.Free(reg.GPR(0)), ErrNotAllocated)
	require.NoError(t, a.Take(reg.GPR(2)))
	assert.ErrorIs(t, a.Take(reg.GPR(2)), ErrInUse)
	assert.False(t, a.IsFree(reg.GPR(2)))
	assert.Equal(t, 1, a.Available(reg.Int))

	require.NoError(t, a.Free(reg.GPR(2)))
	assert.ErrorIs(t, a.Free(reg.GPR(2)), ErrNotAllocated)
	assert.True(t, a.IsFree(reg.GPR(2)))
	assert.False(t, a.IsAllocatable(reg.GPR(1)))
}
