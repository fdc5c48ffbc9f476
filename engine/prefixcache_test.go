package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockHash_Chaining(t *testing.T) {
	chunk := []int{1, 2, 3, 4}
	h1 := BlockHash(0, chunk)
	h2 := BlockHash(h1, chunk)

	// Same tokens under a different lineage hash differently.
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, BlockHash(0, []int{1, 2, 3, 4}))
	assert.NotEqual(t, h1, BlockHash(0, []int{1, 2, 3, 5}))
}

func TestPrefixIndex_RecordLookupInvalidate(t *testing.T) {
	idx := NewPrefixIndex()
	h := BlockHash(0, []int{7, 8, 9, 10})

	idx.Record(h, 3)
	got, ok := idx.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, 3, got)

	idx.Invalidate(3)
	_, ok = idx.Lookup(h)
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}

func TestPrefixIndex_RerecordMovesBlock(t *testing.T) {
	idx := NewPrefixIndex()
	h := BlockHash(0, []int{1, 1, 1, 1})
	idx.Record(h, 0)
	idx.Record(h, 5)

	got, ok := idx.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, 5, got)
	// Invalidating the superseded block must not drop the live entry.
	idx.Invalidate(0)
	_, ok = idx.Lookup(h)
	assert.True(t, ok)
}

func TestAllocatePrompt_ReusesFreedPrefixBlocks(t *testing.T) {
	// GIVEN a finished sequence whose blocks went back to the pool
	m := newTestManager(4, 8)
	prompt := []int{10, 11, 12, 13, 14, 15, 16, 17}

	first := NewSequence(prompt, ArgMax{}, 4)
	_, err := m.AllocatePrompt(first)
	require.NoError(t, err)
	firstBlock := first.BlockIDs[0]
	m.FreeSequence(first)

	// WHEN the same prompt arrives again
	second := NewSequence(prompt, ArgMax{}, 4)
	numCached, err := m.AllocatePrompt(second)
	require.NoError(t, err)

	// THEN the first full block is claimed back; the final token always
	// stays uncached so the prefill pass has a query.
	assert.Equal(t, 4, numCached)
	assert.Equal(t, firstBlock, second.BlockIDs[0])
	assert.Equal(t, 4, second.NumCached)
}

func TestAllocatePrompt_NeverSharesLiveBlocks(t *testing.T) {
	m := newTestManager(4, 16)
	prompt := []int{20, 21, 22, 23, 24, 25, 26, 27}

	first := NewSequence(prompt, ArgMax{}, 4)
	_, err := m.AllocatePrompt(first)
	require.NoError(t, err)

	// The first sequence is still live: its blocks must not be claimed.
	second := NewSequence(prompt, ArgMax{}, 4)
	numCached, err := m.AllocatePrompt(second)
	require.NoError(t, err)
	assert.Zero(t, numCached)

	for _, a := range first.BlockIDs {
		for _, b := range second.BlockIDs {
			assert.NotEqual(t, a, b, "live sequences may not share blocks")
		}
	}
}

func TestAllocatePrompt_RollbackOnExhaustion(t *testing.T) {
	// GIVEN an index hit whose remaining blocks cannot be allocated
	m := newTestManager(4, 3)
	prompt := []int{1, 2, 3, 4, 5, 6, 7, 8}

	first := NewSequence(prompt, ArgMax{}, 4)
	_, err := m.AllocatePrompt(first)
	require.NoError(t, err) // 2 blocks
	m.FreeSequence(first)

	// Occupy the pool so only the claimable cached block remains free.
	hog := NewSequence(promptOf(900, 8), ArgMax{}, 4)
	_, err = m.AllocatePrompt(hog)
	require.NoError(t, err)
	require.Equal(t, 1, m.Allocator().NumFree())

	// WHEN admission fails after the cached block was claimed
	second := NewSequence(prompt, ArgMax{}, 4)
	_, err = m.AllocatePrompt(second)

	// THEN the claim is rolled back: the pool sees the same free count and
	// the sequence was not mutated.
	assert.ErrorIs(t, err, ErrOutOfBlocks)
	assert.Equal(t, 1, m.Allocator().NumFree())
	assert.Empty(t, second.BlockIDs)
}
