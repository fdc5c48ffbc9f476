// Implements the BlockTableManager, which maintains the per-sequence block
// lists and produces the slot mapping and block table tensors demanded by
// InputMetadata.

package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/paged-infer/paged-infer/tensor"
)

// debugChecks guards the invariant checks that back the "programmer error"
// half of the error taxonomy: slot mappings outside a row's own blocks panic
// instead of corrupting the cache.
const debugChecks = true

// BlockTableManager owns the mapping from logical token positions to
// physical (block, offset) pairs for every live sequence. It is the only
// component that mutates Sequence.BlockIDs/ContextLen, which keeps the
// slot-uniqueness invariant local to this file.
type BlockTableManager struct {
	cfg   *Config
	alloc *BlockAllocator
	index *PrefixIndex
}

// NewBlockTableManager creates a manager over the given allocator.
func NewBlockTableManager(cfg *Config, alloc *BlockAllocator) *BlockTableManager {
	return &BlockTableManager{
		cfg:   cfg,
		alloc: alloc,
		index: NewPrefixIndex(),
	}
}

// Allocator exposes the underlying allocator for observability.
func (m *BlockTableManager) Allocator() *BlockAllocator { return m.alloc }

// Index exposes the prefix index for observability.
func (m *BlockTableManager) Index() *PrefixIndex { return m.index }

// AllocatePrompt backs a waiting sequence's whole prompt with blocks and
// returns the number of prompt tokens whose K/V is already in the cache via
// prefix reuse. At least the final prompt token is always left uncached so
// the prefill pass has a query to produce logits from.
//
// All-or-nothing: on ErrOutOfBlocks the sequence is left untouched and any
// claimed cached blocks are released (their contents and hashes stay valid).
func (m *BlockTableManager) AllocatePrompt(seq *Sequence) (int, error) {
	bs := m.cfg.BlockSize
	promptLen := len(seq.Tokens)
	if promptLen == 0 {
		return 0, fmt.Errorf("empty prompt for sequence %s", seq.ID)
	}

	maxCachedChunks := (promptLen - 1) / bs
	var cached []int
	hash := uint64(0)
	for c := 0; c < maxCachedChunks; c++ {
		h := BlockHash(hash, seq.Tokens[c*bs:(c+1)*bs])
		id, ok := m.index.Lookup(h)
		if !ok || !m.alloc.Claim(id) {
			break
		}
		cached = append(cached, id)
		hash = h
	}
	numCached := len(cached) * bs

	needed := (promptLen - numCached + bs - 1) / bs
	fresh, err := m.alloc.AllocateN(needed)
	if err != nil {
		for i := len(cached) - 1; i >= 0; i-- {
			m.alloc.Free(cached[i])
		}
		return 0, err
	}
	for _, id := range fresh {
		m.index.Invalidate(id)
	}

	seq.BlockIDs = append(cached, fresh...)
	seq.ContextLen = promptLen
	seq.NumCached = numCached
	seq.prefixHash = hash
	seq.hashedBlocks = len(cached)
	m.recordFullBlocks(seq)

	if numCached > 0 {
		logrus.Debugf("sequence %s: prefix cache hit for %d/%d prompt tokens", seq.ID, numCached, promptLen)
	}
	return numCached, nil
}

// AppendSlot extends a sequence by one token, allocating a new block iff the
// current context length sits on a block boundary, and returns the flat slot
// index where the token's K/V belongs.
func (m *BlockTableManager) AppendSlot(seq *Sequence) (int, error) {
	bs := m.cfg.BlockSize
	if seq.ContextLen == len(seq.BlockIDs)*bs {
		id, err := m.alloc.Allocate()
		if err != nil {
			return 0, err
		}
		m.index.Invalidate(id)
		seq.BlockIDs = append(seq.BlockIDs, id)
	}

	pos := seq.ContextLen
	slot := seq.BlockIDs[pos/bs]*bs + pos%bs
	seq.ContextLen++
	m.recordFullBlocks(seq)
	return slot, nil
}

// recordFullBlocks registers newly completed blocks in the prefix index,
// chaining each block's hash onto its predecessor's.
func (m *BlockTableManager) recordFullBlocks(seq *Sequence) {
	bs := m.cfg.BlockSize
	for (seq.hashedBlocks+1)*bs <= seq.ContextLen {
		b := seq.hashedBlocks
		h := BlockHash(seq.prefixHash, seq.Tokens[b*bs:(b+1)*bs])
		m.index.Record(h, seq.BlockIDs[b])
		seq.prefixHash = h
		seq.hashedBlocks++
	}
}

// FreeSequence returns a sequence's blocks to the allocator in reverse
// order, so the deepest (least reusable) blocks are overwritten first. The
// prefix index keeps their hashes until the allocator reuses them.
func (m *BlockTableManager) FreeSequence(seq *Sequence) {
	for i := len(seq.BlockIDs) - 1; i >= 0; i-- {
		m.alloc.Free(seq.BlockIDs[i])
	}
	seq.BlockIDs = nil
	seq.ContextLen = 0
	seq.NumCached = 0
	seq.prefixHash = 0
	seq.hashedBlocks = 0
}

// BuildMetadata materializes the InputMetadata tensors for a batch. Rows are
// ordered to match the batch row order chosen by the scheduler.
func (m *BlockTableManager) BuildMetadata(batch *Batch) (*InputMetadata, error) {
	bs := m.cfg.BlockSize
	b := batch.Size()
	if b == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	maxBlocks := 0
	maxCtx := 0
	maxNewTokens := 1
	for _, seq := range batch.Sequences {
		if len(seq.BlockIDs) > maxBlocks {
			maxBlocks = len(seq.BlockIDs)
		}
		if seq.ContextLen > maxCtx {
			maxCtx = seq.ContextLen
		}
		if batch.IsPrompt {
			if n := seq.ContextLen - seq.NumCached; n > maxNewTokens {
				maxNewTokens = n
			}
		}
	}

	blockTables := tensor.New(tensor.I32, b, maxBlocks)
	slotMapping := tensor.New(tensor.I32, b, maxNewTokens)
	contextLens := tensor.New(tensor.I32, b)
	for i := 0; i < blockTables.NumElems(); i++ {
		blockTables.SetIntAt(i, -1)
	}
	for i := 0; i < slotMapping.NumElems(); i++ {
		slotMapping.SetIntAt(i, -1)
	}

	for row, seq := range batch.Sequences {
		for j, id := range seq.BlockIDs {
			blockTables.SetInt(int32(id), row, j)
		}
		contextLens.SetInt(int32(seq.ContextLen), row)

		start := seq.ContextLen - 1
		if batch.IsPrompt {
			start = seq.NumCached
		}
		for t, pos := 0, start; pos < seq.ContextLen; t, pos = t+1, pos+1 {
			slot := seq.BlockIDs[pos/bs]*bs + pos%bs
			slotMapping.SetInt(int32(slot), row, t)
		}
	}

	meta := &InputMetadata{
		SlotMapping:   slotMapping,
		BlockTables:   blockTables,
		ContextLens:   contextLens,
		IsPrompt:      batch.IsPrompt,
		MaxContextLen: maxCtx,
	}
	if debugChecks {
		m.validateMetadata(batch, meta)
	}
	return meta, nil
}

// validateMetadata panics when a slot mapping entry points outside the
// owning row's allocated blocks. The kernels do not validate slots, so this
// is the last line of defense before the cache write.
func (m *BlockTableManager) validateMetadata(batch *Batch, meta *InputMetadata) {
	bs := m.cfg.BlockSize
	numTokens := meta.SlotMapping.Dim(1)
	for row, seq := range batch.Sequences {
		owned := make(map[int]bool, len(seq.BlockIDs))
		for _, id := range seq.BlockIDs {
			owned[id] = true
		}
		for t := 0; t < numTokens; t++ {
			slot := int(meta.SlotMapping.Int(row, t))
			if slot < 0 {
				continue
			}
			if slot >= m.cfg.NumBlocks*bs {
				panic(fmt.Sprintf("slot %d outside cache for sequence %s", slot, seq.ID))
			}
			if !owned[slot/bs] {
				panic(fmt.Sprintf("slot %d maps to block %d not owned by sequence %s", slot, slot/bs, seq.ID))
			}
		}
	}
}
