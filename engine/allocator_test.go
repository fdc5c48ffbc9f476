package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_Conservation(t *testing.T) {
	// GIVEN a pool of 8 blocks
	a := NewBlockAllocator(8)
	require.Equal(t, 8, a.NumTotal())
	require.Equal(t, 8, a.NumFree())

	// WHEN blocks move between sequences and the pool
	held := map[int]bool{}
	for i := 0; i < 5; i++ {
		id, err := a.Allocate()
		require.NoError(t, err)
		require.False(t, held[id], "block %d handed out twice", id)
		held[id] = true
	}

	// THEN free + held always equals the total
	assert.Equal(t, 8, a.NumFree()+len(held))

	for id := range held {
		a.Free(id)
		delete(held, id)
		assert.Equal(t, 8, a.NumFree()+len(held))
	}
}

func TestAllocator_Deterministic(t *testing.T) {
	// The same call trace yields the same block IDs.
	trace := func() []int {
		a := NewBlockAllocator(6)
		var got []int
		x, _ := a.Allocate()
		y, _ := a.Allocate()
		got = append(got, x, y)
		a.Free(x)
		z, _ := a.Allocate()
		w, _ := a.Allocate()
		got = append(got, z, w)
		return got
	}
	assert.Equal(t, trace(), trace())
}

func TestAllocator_OutOfBlocks(t *testing.T) {
	a := NewBlockAllocator(2)
	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrOutOfBlocks)
}

func TestAllocator_AllocateN_AllOrNothing(t *testing.T) {
	a := NewBlockAllocator(4)
	_, err := a.AllocateN(3)
	require.NoError(t, err)
	require.Equal(t, 1, a.NumFree())

	// Requesting more than remain must not consume the last block.
	_, err = a.AllocateN(2)
	assert.ErrorIs(t, err, ErrOutOfBlocks)
	assert.Equal(t, 1, a.NumFree())
}

func TestAllocator_DoubleFreePanics(t *testing.T) {
	a := NewBlockAllocator(2)
	id, err := a.Allocate()
	require.NoError(t, err)
	a.Free(id)

	assert.Panics(t, func() { a.Free(id) })
}

func TestAllocator_FreeInvalidPanics(t *testing.T) {
	a := NewBlockAllocator(2)
	assert.Panics(t, func() { a.Free(99) })
}

func TestAllocator_Claim(t *testing.T) {
	a := NewBlockAllocator(3)

	// Claiming a free block succeeds and counts as allocated.
	require.True(t, a.Claim(2))
	assert.Equal(t, 2, a.NumFree())

	// Claiming an owned block fails.
	assert.False(t, a.Claim(2))

	// The claimed block's stale queue entry is never handed out.
	seen := map[int]bool{}
	for {
		id, err := a.Allocate()
		if err != nil {
			break
		}
		require.NotEqual(t, 2, id)
		require.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, 2)
}

func TestAllocator_ScenarioS1(t *testing.T) {
	// block_size=4, num_blocks=8: sequences of lengths 3, 5, 8 need
	// 1, 2, and 2 blocks, leaving 3 free.
	cfg := &Config{BlockSize: 4, NumBlocks: 8}
	a := NewBlockAllocator(cfg.NumBlocks)
	m := &BlockTableManager{cfg: cfg, alloc: a, index: NewPrefixIndex()}

	lens := []int{3, 5, 8}
	wantBlocks := []int{1, 2, 2}
	for i, n := range lens {
		seq := NewSequence(make([]int, n), ArgMax{}, 1)
		_, err := m.AllocatePrompt(seq)
		require.NoError(t, err)
		assert.Equal(t, wantBlocks[i], len(seq.BlockIDs), "sequence of length %d", n)
	}
	assert.Equal(t, 3, a.NumFree())
}
