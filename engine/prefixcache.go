// Implements the prefix-block index: full KV blocks are tracked by a chained
// content hash so that a freed block whose tokens match a new prompt's prefix
// can be claimed back instead of recomputed.

package engine

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// PrefixIndex maps chained full-block hashes to block IDs. A hash covers the
// block's tokens and its whole lineage (the hash of the preceding block), so
// equal hashes imply equal token prefixes.
//
// Entries stay valid after the owning sequence is freed: the block contents
// are still in the cache until the allocator hands the block out again, at
// which point the manager invalidates it here.
type PrefixIndex struct {
	hashToBlock map[uint64]int
	blockToHash map[int]uint64
}

// NewPrefixIndex creates an empty index.
func NewPrefixIndex() *PrefixIndex {
	return &PrefixIndex{
		hashToBlock: make(map[uint64]int),
		blockToHash: make(map[int]uint64),
	}
}

// BlockHash chains the hash of one full block of tokens onto the hash of its
// predecessor (0 for the first block).
func BlockHash(parent uint64, tokens []int) uint64 {
	buf := make([]byte, 8, 8+4*len(tokens))
	binary.LittleEndian.PutUint64(buf, parent)
	for _, t := range tokens {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(t))
		buf = append(buf, b[:]...)
	}
	return xxhash.Sum64(buf)
}

// Record registers a full block under its chained hash. A later block with
// the same content chain overwrites the entry; either block serves.
func (p *PrefixIndex) Record(hash uint64, blockID int) {
	if old, ok := p.blockToHash[blockID]; ok {
		delete(p.hashToBlock, old)
	}
	if prev, ok := p.hashToBlock[hash]; ok && prev != blockID {
		delete(p.blockToHash, prev)
	}
	p.hashToBlock[hash] = blockID
	p.blockToHash[blockID] = hash
}

// Lookup returns the block recorded under hash, if any.
func (p *PrefixIndex) Lookup(hash uint64) (int, bool) {
	id, ok := p.hashToBlock[hash]
	return id, ok
}

// Invalidate drops the entry for a block whose contents are about to be
// overwritten.
func (p *PrefixIndex) Invalidate(blockID int) {
	if h, ok := p.blockToHash[blockID]; ok {
		delete(p.hashToBlock, h)
		delete(p.blockToHash, blockID)
	}
}

// Len returns the number of indexed blocks.
func (p *PrefixIndex) Len() int { return len(p.hashToBlock) }
