package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paged-infer/paged-infer/tensor"
)

func newTestManager(blockSize, numBlocks int) *BlockTableManager {
	cfg := &Config{BlockSize: blockSize, NumBlocks: numBlocks}
	return NewBlockTableManager(cfg, NewBlockAllocator(numBlocks))
}

// distinct prompts so the prefix index never claims across sequences
func promptOf(base, n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = base + i
	}
	return p
}

func TestSlotUniquenessAcrossSequences(t *testing.T) {
	// GIVEN several live sequences extended concurrently
	m := newTestManager(4, 16)
	var seqs []*Sequence
	for i := 0; i < 4; i++ {
		seq := NewSequence(promptOf(100*i, 3+i), ArgMax{}, 8)
		_, err := m.AllocatePrompt(seq)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	for step := 0; step < 6; step++ {
		for _, seq := range seqs {
			seq.Tokens = append(seq.Tokens, 1000+step)
			_, err := m.AppendSlot(seq)
			require.NoError(t, err)
		}
	}

	// THEN no two live sequences cover the same (block, offset) pair
	used := map[int]string{}
	for _, seq := range seqs {
		for pos := 0; pos < seq.ContextLen; pos++ {
			slot := seq.BlockIDs[pos/4]*4 + pos%4
			if owner, clash := used[slot]; clash {
				t.Fatalf("slot %d owned by both %s and %s", slot, owner, seq.ID)
			}
			used[slot] = seq.ID
		}
	}
}

func TestContextLenBlockInvariant(t *testing.T) {
	m := newTestManager(4, 16)
	seq := NewSequence(promptOf(0, 5), ArgMax{}, 16)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, seq.ContextLen, 4*len(seq.BlockIDs))
		assert.Greater(t, seq.ContextLen, 4*(len(seq.BlockIDs)-1))
		seq.Tokens = append(seq.Tokens, 50+i)
		_, err := m.AppendSlot(seq)
		require.NoError(t, err)
	}
}

func TestScenarioS6_AllocationBursts(t *testing.T) {
	// A prefill of 10 tokens followed by 20 decode steps with block_size=4
	// allocates ceil(30/4) = 8 blocks: 3 at prefill, then one per block
	// boundary during decode.
	m := newTestManager(4, 16)
	a := m.Allocator()

	seq := NewSequence(promptOf(0, 10), ArgMax{}, 32)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)
	assert.Equal(t, 3, len(seq.BlockIDs), "prefill burst")
	assert.Equal(t, 13, a.NumFree())

	var bursts []int
	for step := 0; step < 20; step++ {
		before := a.NumFree()
		seq.Tokens = append(seq.Tokens, 200+step)
		_, err := m.AppendSlot(seq)
		require.NoError(t, err)
		if a.NumFree() < before {
			bursts = append(bursts, step)
		}
	}

	assert.Equal(t, 8, len(seq.BlockIDs), "ceil(30/4) blocks in total")
	// ContextLen hits 12, 16, 20, 24, 28 at decode steps 2, 6, 10, 14, 18.
	assert.Equal(t, []int{2, 6, 10, 14, 18}, bursts)
	assert.Equal(t, 16-8, a.NumFree())
}

func TestAppendSlot_ReturnsFlatSlotIndex(t *testing.T) {
	m := newTestManager(4, 8)
	seq := NewSequence(promptOf(0, 4), ArgMax{}, 8)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)

	seq.Tokens = append(seq.Tokens, 99)
	slot, err := m.AppendSlot(seq)
	require.NoError(t, err)

	// Position 4 opens a second block at offset 0.
	assert.Equal(t, seq.BlockIDs[1]*4, slot)
	assert.Equal(t, 5, seq.ContextLen)
}

func TestBuildMetadata_Decode(t *testing.T) {
	m := newTestManager(4, 32)
	var batch []*Sequence
	for i, n := range []int{3, 9, 6} {
		seq := NewSequence(promptOf(100*i, n), ArgMax{}, 8)
		_, err := m.AllocatePrompt(seq)
		require.NoError(t, err)
		seq.Tokens = append(seq.Tokens, 7)
		_, err = m.AppendSlot(seq)
		require.NoError(t, err)
		batch = append(batch, seq)
	}

	meta, err := m.BuildMetadata(NewBatch(batch, false))
	require.NoError(t, err)

	assert.False(t, meta.IsPrompt)
	assert.Equal(t, 10, meta.MaxContextLen)
	assert.Equal(t, []int{3, 1}, meta.SlotMapping.Dims())
	assert.Equal(t, []int{3, 3}, meta.BlockTables.Dims(), "padded to widest sequence")
	assert.Equal(t, []int32{4, 10, 7}, meta.ContextLens.Ints())

	// Row 0 holds one block; the padding rows must be -1.
	assert.Equal(t, int32(-1), meta.BlockTables.Int(0, 1))
	assert.Equal(t, int32(-1), meta.BlockTables.Int(0, 2))

	// Each slot points at the row's final token position.
	for row, seq := range batch {
		pos := seq.ContextLen - 1
		want := int32(seq.BlockIDs[pos/4]*4 + pos%4)
		assert.Equal(t, want, meta.SlotMapping.Int(row, 0))
	}
}

func TestBuildMetadata_PrefillPadsShortRows(t *testing.T) {
	m := newTestManager(4, 32)
	var batch []*Sequence
	for i, n := range []int{2, 6} {
		seq := NewSequence(promptOf(100*i, n), ArgMax{}, 8)
		_, err := m.AllocatePrompt(seq)
		require.NoError(t, err)
		batch = append(batch, seq)
	}

	meta, err := m.BuildMetadata(NewBatch(batch, true))
	require.NoError(t, err)

	assert.True(t, meta.IsPrompt)
	assert.Equal(t, []int{2, 6}, meta.SlotMapping.Dims())
	// Row 0 contributes 2 tokens; the rest of its slot row is padding.
	for col := 2; col < 6; col++ {
		assert.Equal(t, int32(-1), meta.SlotMapping.Int(0, col))
	}
	for col := 0; col < 6; col++ {
		assert.GreaterOrEqual(t, meta.SlotMapping.Int(1, col), int32(0))
	}
}

func TestFreeSequence_ReturnsAllBlocks(t *testing.T) {
	m := newTestManager(4, 8)
	a := m.Allocator()
	seq := NewSequence(promptOf(0, 7), ArgMax{}, 8)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)
	require.Equal(t, 6, a.NumFree())

	m.FreeSequence(seq)
	assert.Equal(t, 8, a.NumFree())
	assert.Empty(t, seq.BlockIDs)
	assert.Zero(t, seq.ContextLen)
}

func TestBuildMetadata_OutOfRangeSlotPanics(t *testing.T) {
	// Slots outside the pool are programmer errors the kernels never check;
	// the debug guard must catch them before the call.
	m := newTestManager(4, 8)
	seq := NewSequence(promptOf(0, 4), ArgMax{}, 8)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)

	seq.BlockIDs[0] = 99 // corrupt: beyond the pool

	assert.Panics(t, func() {
		_, _ = m.BuildMetadata(NewBatch([]*Sequence{seq}, false))
	})
}

func TestMetadataTensorsAreI32(t *testing.T) {
	m := newTestManager(4, 8)
	seq := NewSequence(promptOf(0, 3), ArgMax{}, 4)
	_, err := m.AllocatePrompt(seq)
	require.NoError(t, err)

	meta, err := m.BuildMetadata(NewBatch([]*Sequence{seq}, true))
	require.NoError(t, err)
	assert.Equal(t, tensor.I32, meta.SlotMapping.DType())
	assert.Equal(t, tensor.I32, meta.BlockTables.DType())
	assert.Equal(t, tensor.I32, meta.ContextLens.DType())
}
