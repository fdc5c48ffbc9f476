// Package kernels defines the native attention-kernel ABI consumed by the
// engine and provides a deterministic pure-Go reference backend. The ABI
// mirrors the exported surface of the CUDA paged-attention library: tensors
// cross the boundary as opaque handles, ownership stays with the caller, and
// the kernels perform no bounds validation on slot or block indices.
package kernels

import "github.com/paged-infer/paged-infer/tensor"

// Optional is the tagged optional-of-tensor record used at the kernel
// boundary for parameters such as the ALiBi slope vector.
type Optional struct {
	Present bool
	Value   *tensor.Tensor
}

// Some wraps a tensor in a present Optional.
func Some(t *tensor.Tensor) Optional {
	return Optional{Present: true, Value: t}
}

// None is the absent Optional.
var None = Optional{}

// PartitionSize is the context-dimension partition width used by the V2
// kernel. The host sizes the exp_sums/max_logits/tmp_out scratch tensors as
// [numSeqs, numHeads, MaxNumPartitions(maxContextLen)].
const PartitionSize = 512

// MaxNumPartitions returns the number of V2 partitions needed to cover a
// context of the given length.
func MaxNumPartitions(maxContextLen int) int {
	return (maxContextLen + PartitionSize - 1) / PartitionSize
}

// Backend is the attention-kernel ABI.
//
// Shapes (all row-major):
//
//	query        [numSeqs, numHeads, headDim]
//	out          [numSeqs, numHeads, headDim]
//	keyCache     [numBlocks, numKVHeads, headDim, blockSize]
//	valueCache   [numBlocks, numKVHeads, headDim, blockSize]
//	headMapping  [numHeads] (I32, query head -> KV head)
//	blockTables  [numSeqs, maxNumBlocksPerSeq] (I32, -1 padded)
//	contextLens  [numSeqs] (I32)
//	key, value   [numTokens, numKVHeads, headDim]
//	slotMapping  [numTokens] (I32, flat slot or -1)
//
// The V2 variant additionally takes reduction scratch:
//
//	expSums      [numSeqs, numHeads, maxNumPartitions] (F32)
//	maxLogits    [numSeqs, numHeads, maxNumPartitions] (F32)
//	tmpOut       [numSeqs, numHeads, maxNumPartitions, headDim] (F32)
//
// Slot indices outside the allocated range are undefined behavior; the block
// table manager guards them before the call.
type Backend interface {
	PagedAttentionV1(out, query, keyCache, valueCache, headMapping *tensor.Tensor,
		scale float32, blockTables, contextLens *tensor.Tensor,
		blockSize, maxContextLen int, alibiSlopes Optional) error

	PagedAttentionV2(out, expSums, maxLogits, tmpOut, query, keyCache, valueCache, headMapping *tensor.Tensor,
		scale float32, blockTables, contextLens *tensor.Tensor,
		blockSize, maxContextLen int, alibiSlopes Optional) error

	ReshapeAndCache(key, value, keyCache, valueCache, slotMapping *tensor.Tensor) error

	// CopyBlocks copies whole blocks inside each (key, value) cache pair,
	// src block id -> list of dst block ids. Used by the scheduler for
	// swapping and copy-on-write forks.
	CopyBlocks(keyCaches, valueCaches []*tensor.Tensor, blockMapping map[int][]int) error
}
