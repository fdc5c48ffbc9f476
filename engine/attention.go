// Host-side glue for the paged attention operator: owns the per-layer cache
// tensors, picks the V1 or V2 kernel, and runs the dense prefill path.

package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/paged-infer/paged-infer/kernels"
	"github.com/paged-infer/paged-infer/tensor"
)

// v2Threshold is the max context length above which the partitioned V2
// kernel is chosen over the single-pass V1.
const v2Threshold = 8192

// Attention owns the KV cache tensors for every layer and dispatches to the
// kernel backend. The decode path goes through the paged kernel; the prefill
// path is a dense masked attention over the prompt that reads any
// prefix-cached context back through the block table.
type Attention struct {
	cfg     *Config
	backend kernels.Backend

	keyCaches   []*tensor.Tensor
	valueCaches []*tensor.Tensor

	headMapping *tensor.Tensor
	alibiSlopes kernels.Optional
	scale       float32
}

// NewAttention allocates the cache tensors
// ([numBlocks, numKVHeads, headDim, blockSize] per layer) and the GQA head
// mapping.
func NewAttention(cfg *Config, backend kernels.Backend) *Attention {
	a := &Attention{
		cfg:     cfg,
		backend: backend,
		scale:   float32(1 / math.Sqrt(float64(cfg.HeadDim))),
	}

	for l := 0; l < cfg.NumLayers; l++ {
		a.keyCaches = append(a.keyCaches,
			tensor.New(cfg.CacheDType, cfg.NumBlocks, cfg.NumKVHeads, cfg.HeadDim, cfg.BlockSize))
		a.valueCaches = append(a.valueCaches,
			tensor.New(cfg.CacheDType, cfg.NumBlocks, cfg.NumKVHeads, cfg.HeadDim, cfg.BlockSize))
	}

	mapping := make([]int32, cfg.NumHeads)
	group := cfg.NumHeads / cfg.NumKVHeads
	for h := range mapping {
		mapping[h] = int32(h / group)
	}
	a.headMapping = tensor.FromInts(mapping, cfg.NumHeads)

	if cfg.UseALiBi {
		slopes := make([]float32, cfg.NumHeads)
		for h := range slopes {
			slopes[h] = float32(math.Exp2(-8 * float64(h+1) / float64(cfg.NumHeads)))
		}
		a.alibiSlopes = kernels.Some(tensor.FromFloats(slopes, cfg.NumHeads))
	}
	return a
}

// KeyCache returns the key cache tensor for a layer.
func (a *Attention) KeyCache(layer int) *tensor.Tensor { return a.keyCaches[layer] }

// ValueCache returns the value cache tensor for a layer.
func (a *Attention) ValueCache(layer int) *tensor.Tensor { return a.valueCaches[layer] }

// Scale returns the 1/sqrt(headDim) attention scale.
func (a *Attention) Scale() float32 { return a.scale }

// WriteKV writes this step's new K/V vectors into the layer's cache at the
// slots designated by the flat slot mapping (-1 entries are skipped).
func (a *Attention) WriteKV(layer int, key, value, slotMapping *tensor.Tensor) error {
	return a.backend.ReshapeAndCache(key, value, a.keyCaches[layer], a.valueCaches[layer], slotMapping)
}

// Decode runs paged attention for a decode step (one query token per
// sequence). The V2 kernel is chosen when the longest context exceeds the
// single-pass threshold.
func (a *Attention) Decode(layer int, query *tensor.Tensor, meta *InputMetadata) (*tensor.Tensor, error) {
	numSeqs := query.Dim(0)
	out := tensor.New(tensor.F32, numSeqs, a.cfg.NumHeads, a.cfg.HeadDim)

	if meta.MaxContextLen <= v2Threshold {
		err := a.backend.PagedAttentionV1(out, query, a.keyCaches[layer], a.valueCaches[layer],
			a.headMapping, a.scale, meta.BlockTables, meta.ContextLens,
			a.cfg.BlockSize, meta.MaxContextLen, a.alibiSlopes)
		if err != nil {
			return nil, errors.WithMessage(err, "paged_attention_v1")
		}
		return out, nil
	}

	numPartitions := kernels.MaxNumPartitions(meta.MaxContextLen)
	expSums := tensor.New(tensor.F32, numSeqs, a.cfg.NumHeads, numPartitions)
	maxLogits := tensor.New(tensor.F32, numSeqs, a.cfg.NumHeads, numPartitions)
	tmpOut := tensor.New(tensor.F32, numSeqs, a.cfg.NumHeads, numPartitions, a.cfg.HeadDim)

	err := a.backend.PagedAttentionV2(out, expSums, maxLogits, tmpOut, query,
		a.keyCaches[layer], a.valueCaches[layer], a.headMapping, a.scale,
		meta.BlockTables, meta.ContextLens, a.cfg.BlockSize, meta.MaxContextLen, a.alibiSlopes)
	if err != nil {
		return nil, errors.WithMessage(err, "paged_attention_v2")
	}
	return out, nil
}

// Prefill computes causal dense attention for one sequence's uncached prompt
// suffix. query/key/value hold the suffix ([suffixLen, heads, headDim]);
// positions before numCached are read back from the layer's cache through
// the sequence's block table. The caller writes the suffix K/V into the
// cache (WriteKV) before or after this call within the same step; Prefill
// itself reads the suffix K/V from the step tensors, not the cache.
func (a *Attention) Prefill(layer int, query, key, value *tensor.Tensor, blockTable []int, numCached int) (*tensor.Tensor, error) {
	suffixLen := query.Dim(0)
	if key.Dim(0) != suffixLen || value.Dim(0) != suffixLen {
		return nil, errors.Errorf("prefill: query %v vs key %v", query.Dims(), key.Dims())
	}

	cfg := a.cfg
	keyCache := a.keyCaches[layer]
	valueCache := a.valueCaches[layer]
	group := cfg.NumHeads / cfg.NumKVHeads

	keyAt := func(j, kvHead, d int) float32 {
		if j < numCached {
			return keyCache.Float(blockTable[j/cfg.BlockSize], kvHead, d, j%cfg.BlockSize)
		}
		return key.Float(j-numCached, kvHead, d)
	}
	valueAt := func(j, kvHead, d int) float32 {
		if j < numCached {
			return valueCache.Float(blockTable[j/cfg.BlockSize], kvHead, d, j%cfg.BlockSize)
		}
		return value.Float(j-numCached, kvHead, d)
	}

	out := tensor.New(tensor.F32, suffixLen, cfg.NumHeads, cfg.HeadDim)
	scores := make([]float32, numCached+suffixLen)
	for t := 0; t < suffixLen; t++ {
		pos := numCached + t // absolute position; attends to keys [0, pos]
		for h := 0; h < cfg.NumHeads; h++ {
			kvHead := h / group

			var slope float32
			if a.alibiSlopes.Present {
				slope = a.alibiSlopes.Value.FloatAt(h)
			}

			maxScore := float32(math.Inf(-1))
			for j := 0; j <= pos; j++ {
				var s float32
				for d := 0; d < cfg.HeadDim; d++ {
					s += query.Float(t, h, d) * keyAt(j, kvHead, d)
				}
				s *= a.scale
				if slope != 0 {
					s += slope * float32(j-pos)
				}
				scores[j] = s
				if s > maxScore {
					maxScore = s
				}
			}

			var sum float32
			for j := 0; j <= pos; j++ {
				scores[j] = float32(math.Exp(float64(scores[j] - maxScore)))
				sum += scores[j]
			}

			oOff := out.Offset(t, h, 0)
			for d := 0; d < cfg.HeadDim; d++ {
				var v float32
				for j := 0; j <= pos; j++ {
					v += scores[j] * valueAt(j, kvHead, d)
				}
				out.SetFloatAt(oOff+d, v/sum)
			}
		}
	}
	return out, nil
}

// CopyBlocks forwards a block-to-block copy across every layer's cache pair.
// Used for swapping and copy-on-write forks.
func (a *Attention) CopyBlocks(blockMapping map[int][]int) error {
	return a.backend.CopyBlocks(a.keyCaches, a.valueCaches, blockMapping)
}
