// Implements the BlockAllocator, which owns the fixed pool of GPU KV-cache
// blocks and vends block IDs to sequences.

package engine

import (
	"fmt"

	"github.com/gammazero/deque"
)

// BlockAllocator maintains the free set of block IDs over a pool of
// NumTotal blocks dense in [0, NumTotal). Allocation order is FIFO over the
// free queue, which makes the order deterministic given the same call trace
// and makes recently freed blocks the last to be overwritten (so their
// cached contents stay claimable for as long as possible).
//
// Eviction is not performed at this layer; the scheduler swaps sequences out
// when allocation fails.
//
// Not safe for concurrent use: callers hold exclusive access during a
// scheduling tick.
type BlockAllocator struct {
	free      deque.Deque[int]
	allocated []bool
	numFree   int
}

// NewBlockAllocator creates a pool of numBlocks free blocks.
func NewBlockAllocator(numBlocks int) *BlockAllocator {
	a := &BlockAllocator{
		allocated: make([]bool, numBlocks),
		numFree:   numBlocks,
	}
	for i := 0; i < numBlocks; i++ {
		a.free.PushBack(i)
	}
	return a
}

// Allocate returns a free block ID and marks it allocated, or ErrOutOfBlocks
// when the pool is exhausted.
//
// Claim leaves stale entries in the free queue; they are skipped here, so a
// pop is not always a grant.
func (a *BlockAllocator) Allocate() (int, error) {
	if a.numFree == 0 {
		return 0, ErrOutOfBlocks
	}
	for a.free.Len() > 0 {
		id := a.free.PopFront()
		if a.allocated[id] {
			continue // stale entry left behind by Claim
		}
		a.allocated[id] = true
		a.numFree--
		return id, nil
	}
	return 0, ErrOutOfBlocks
}

// AllocateN allocates n blocks all-or-nothing: when fewer than n blocks are
// free, no allocation happens and ErrOutOfBlocks is returned.
func (a *BlockAllocator) AllocateN(n int) ([]int, error) {
	if n > a.numFree {
		return nil, ErrOutOfBlocks
	}
	ids := make([]int, 0, n)
	for len(ids) < n {
		id, err := a.Allocate()
		if err != nil {
			// numFree said this cannot happen; roll back for safety.
			for _, got := range ids {
				a.Free(got)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Claim marks a specific free block as allocated, bypassing FIFO order. Used
// by the prefix index to reuse a freed block whose cached contents match a
// new prompt. Returns false when the block is already owned by a live
// sequence. The block's entry in the free queue is removed lazily.
func (a *BlockAllocator) Claim(id int) bool {
	if id < 0 || id >= len(a.allocated) || a.allocated[id] {
		return false
	}
	a.allocated[id] = true
	a.numFree--
	return true
}

// Free returns a block to the pool. Freeing an unallocated block is a
// programmer error and panics.
func (a *BlockAllocator) Free(id int) {
	if id < 0 || id >= len(a.allocated) {
		panic(fmt.Sprintf("allocator: free of invalid block %d", id))
	}
	if !a.allocated[id] {
		panic(fmt.Sprintf("allocator: double free of block %d", id))
	}
	a.allocated[id] = false
	a.numFree++
	a.free.PushBack(id)
}

// NumFree returns the number of free blocks.
func (a *BlockAllocator) NumFree() int { return a.numFree }

// NumTotal returns the pool size.
func (a *BlockAllocator) NumTotal() int { return len(a.allocated) }
