package engine

import "github.com/paged-infer/paged-infer/tensor"

// InputMetadata is the per-step bundle the scheduler hands to the model
// forward pass. The tensors are rebuilt on the host each step from the block
// table manager's CPU-side state because the kernels read them inline.
type InputMetadata struct {
	// SlotMapping[b, t] is the flat cache slot (blockID*blockSize + offset)
	// where row b's t-th new token writes its K/V, or -1 for padding.
	SlotMapping *tensor.Tensor

	// BlockTables[b] holds row b's block IDs, -1 padded to the widest
	// sequence in the batch.
	BlockTables *tensor.Tensor

	// ContextLens[b] is row b's context length including this step's new
	// tokens.
	ContextLens *tensor.Tensor

	IsPrompt      bool
	MaxContextLen int
}
