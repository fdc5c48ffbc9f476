package engine

import (
	"fmt"

	"github.com/paged-infer/paged-infer/tensor"
)

// Config groups the engine-wide parameters fixed at startup. Block size and
// pool size define the KV cache geometry; the head counts and dimensions are
// the model's attention shape and form part of the kernel ABI.
type Config struct {
	BlockSize  int // tokens per KV block (deployment-wide, typically 16 or 32)
	NumBlocks  int // pool size, derived from available GPU memory
	NumLayers  int
	NumHeads   int // query heads
	NumKVHeads int // KV head groups (GQA when < NumHeads)
	HeadDim    int
	VocabSize  int

	CacheDType tensor.DType // dtype of the KV cache tensors

	MaxBatchSize int   // max sequences per decode step
	Seed         int64 // master seed for per-request sampler derivation

	// UseALiBi switches the position encoding to linear attention biases;
	// slopes are derived from NumHeads in the standard geometric series.
	UseALiBi bool
}

// Validate checks the configuration invariants that the rest of the engine
// assumes without re-checking.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("num blocks must be positive, got %d", c.NumBlocks)
	}
	if c.NumLayers <= 0 || c.NumHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("model shape must be positive: layers=%d heads=%d dim=%d",
			c.NumLayers, c.NumHeads, c.HeadDim)
	}
	if c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("query heads (%d) must be a multiple of KV heads (%d)",
			c.NumHeads, c.NumKVHeads)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if !c.CacheDType.IsFloat() {
		return fmt.Errorf("cache dtype %s is not a float type", c.CacheDType)
	}
	return nil
}

// DefaultConfig returns a small but complete baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:    16,
		NumBlocks:    256,
		NumLayers:    2,
		NumHeads:     4,
		NumKVHeads:   2,
		HeadDim:      32,
		VocabSize:    128,
		CacheDType:   tensor.F32,
		MaxBatchSize: 8,
		Seed:         0,
	}
}
