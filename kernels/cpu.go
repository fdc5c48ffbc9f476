package kernels

import (
	"math"

	"github.com/pkg/errors"

	"github.com/paged-infer/paged-infer/tensor"
)

// CPU is the reference Backend. It computes the same contract as the native
// kernels in pure Go: FP32 accumulation, streaming softmax, GQA through the
// head mapping, ALiBi bias. It is deterministic and single-threaded, matching
// the one-stream-per-device execution model.
type CPU struct{}

// NewCPU returns the reference CPU backend.
func NewCPU() *CPU { return &CPU{} }

var _ Backend = (*CPU)(nil)

func (c *CPU) ReshapeAndCache(key, value, keyCache, valueCache, slotMapping *tensor.Tensor) error {
	if key.Rank() != 3 || value.Rank() != 3 {
		return errors.Errorf("reshape_and_cache: key/value rank %d/%d, want 3", key.Rank(), value.Rank())
	}
	if !tensor.SameShape(key, value) {
		return errors.Errorf("reshape_and_cache: key %v != value %v", key.Dims(), value.Dims())
	}
	numTokens := key.Dim(0)
	numKVHeads := key.Dim(1)
	headDim := key.Dim(2)
	if slotMapping.NumElems() != numTokens {
		return errors.Errorf("reshape_and_cache: %d slots for %d tokens", slotMapping.NumElems(), numTokens)
	}
	if keyCache.Dim(1) != numKVHeads || keyCache.Dim(2) != headDim {
		return errors.Errorf("reshape_and_cache: cache %v incompatible with key %v", keyCache.Dims(), key.Dims())
	}

	blockSize := keyCache.Dim(3)
	for i := 0; i < numTokens; i++ {
		slot := int(slotMapping.IntAt(i))
		if slot < 0 {
			continue
		}
		block := slot / blockSize
		off := slot % blockSize
		for h := 0; h < numKVHeads; h++ {
			kSrc := key.Offset(i, h, 0)
			vSrc := value.Offset(i, h, 0)
			kDst := keyCache.Offset(block, h, 0, off)
			vDst := valueCache.Offset(block, h, 0, off)
			dStride := keyCache.Strides()[2]
			for d := 0; d < headDim; d++ {
				keyCache.SetFloatAt(kDst+d*dStride, key.FloatAt(kSrc+d))
				valueCache.SetFloatAt(vDst+d*dStride, value.FloatAt(vSrc+d))
			}
		}
	}
	return nil
}

func (c *CPU) PagedAttentionV1(out, query, keyCache, valueCache, headMapping *tensor.Tensor,
	scale float32, blockTables, contextLens *tensor.Tensor,
	blockSize, maxContextLen int, alibiSlopes Optional) error {

	if err := checkAttentionShapes(out, query, keyCache, headMapping, blockTables, contextLens, blockSize); err != nil {
		return err
	}

	numSeqs := query.Dim(0)
	numHeads := query.Dim(1)
	headDim := query.Dim(2)

	q := make([]float32, headDim)
	acc := make([]float32, headDim)
	for s := 0; s < numSeqs; s++ {
		ctxLen := int(contextLens.IntAt(s))
		for h := 0; h < numHeads; h++ {
			kvHead := int(headMapping.IntAt(h))
			loadVector(q, query, query.Offset(s, h, 0), 1)

			var slope float32
			if alibiSlopes.Present {
				slope = alibiSlopes.Value.FloatAt(h)
			}

			attendContext(acc, q, keyCache, valueCache, blockTables, s, kvHead,
				0, ctxLen, ctxLen, blockSize, scale, slope)

			oOff := out.Offset(s, h, 0)
			for d := 0; d < headDim; d++ {
				out.SetFloatAt(oOff+d, acc[d])
			}
		}
	}
	return nil
}

func (c *CPU) PagedAttentionV2(out, expSums, maxLogits, tmpOut, query, keyCache, valueCache, headMapping *tensor.Tensor,
	scale float32, blockTables, contextLens *tensor.Tensor,
	blockSize, maxContextLen int, alibiSlopes Optional) error {

	if err := checkAttentionShapes(out, query, keyCache, headMapping, blockTables, contextLens, blockSize); err != nil {
		return err
	}

	numSeqs := query.Dim(0)
	numHeads := query.Dim(1)
	headDim := query.Dim(2)
	if tmpOut.Dim(2) < MaxNumPartitions(maxContextLen) {
		return errors.Errorf("paged_attention_v2: %d partitions for max context %d", tmpOut.Dim(2), maxContextLen)
	}

	q := make([]float32, headDim)
	acc := make([]float32, headDim)
	for s := 0; s < numSeqs; s++ {
		ctxLen := int(contextLens.IntAt(s))
		used := (ctxLen + PartitionSize - 1) / PartitionSize
		for h := 0; h < numHeads; h++ {
			kvHead := int(headMapping.IntAt(h))
			loadVector(q, query, query.Offset(s, h, 0), 1)

			var slope float32
			if alibiSlopes.Present {
				slope = alibiSlopes.Value.FloatAt(h)
			}

			// Pass 1: per-partition streaming softmax.
			for p := 0; p < used; p++ {
				start := p * PartitionSize
				end := start + PartitionSize
				if end > ctxLen {
					end = ctxLen
				}
				expSum, maxLogit := attendContext(acc, q, keyCache, valueCache, blockTables,
					s, kvHead, start, end, ctxLen, blockSize, scale, slope)

				expSums.SetFloat(expSum, s, h, p)
				maxLogits.SetFloat(maxLogit, s, h, p)
				tOff := tmpOut.Offset(s, h, p, 0)
				for d := 0; d < headDim; d++ {
					tmpOut.SetFloatAt(tOff+d, acc[d])
				}
			}

			// Pass 2: reduce partitions with a global max rescale.
			globalMax := float32(math.Inf(-1))
			for p := 0; p < used; p++ {
				if m := maxLogits.Float(s, h, p); m > globalMax {
					globalMax = m
				}
			}
			var total float32
			weights := make([]float32, used)
			for p := 0; p < used; p++ {
				w := expSums.Float(s, h, p) * expf(maxLogits.Float(s, h, p)-globalMax)
				weights[p] = w
				total += w
			}
			oOff := out.Offset(s, h, 0)
			for d := 0; d < headDim; d++ {
				var v float32
				for p := 0; p < used; p++ {
					v += tmpOut.Float(s, h, p, d) * weights[p]
				}
				out.SetFloatAt(oOff+d, v/total)
			}
		}
	}
	return nil
}

func (c *CPU) CopyBlocks(keyCaches, valueCaches []*tensor.Tensor, blockMapping map[int][]int) error {
	if len(keyCaches) != len(valueCaches) {
		return errors.Errorf("copy_blocks: %d key caches, %d value caches", len(keyCaches), len(valueCaches))
	}
	for layer := range keyCaches {
		for _, cache := range []*tensor.Tensor{keyCaches[layer], valueCaches[layer]} {
			elemsPerBlock := cache.Dim(1) * cache.Dim(2) * cache.Dim(3)
			for src, dsts := range blockMapping {
				for _, dst := range dsts {
					sOff := cache.Offset(src, 0, 0, 0)
					dOff := cache.Offset(dst, 0, 0, 0)
					for i := 0; i < elemsPerBlock; i++ {
						cache.SetFloatAt(dOff+i, cache.FloatAt(sOff+i))
					}
				}
			}
		}
	}
	return nil
}

// attendContext runs a streaming-softmax attention pass of one query vector
// over key positions [start, end) of one sequence, walking the block table.
// acc receives the (already normalized) weighted value sum; the returned
// expSum and maxLogit let V2 stitch partitions back together.
//
// ALiBi adds slope*(j - ctxLen + 1) to the pre-softmax score at position j.
func attendContext(acc, q []float32, keyCache, valueCache, blockTables *tensor.Tensor,
	seq, kvHead, start, end, ctxLen, blockSize int,
	scale, alibiSlope float32) (expSum, maxLogit float32) {

	headDim := len(q)
	dStride := keyCache.Strides()[2]

	m := float32(math.Inf(-1))
	var l float32
	for d := range acc {
		acc[d] = 0
	}

	for j := start; j < end; j++ {
		block := int(blockTables.Int(seq, j/blockSize))
		off := j % blockSize

		kOff := keyCache.Offset(block, kvHead, 0, off)
		var score float32
		for d := 0; d < headDim; d++ {
			score += q[d] * keyCache.FloatAt(kOff+d*dStride)
		}
		score *= scale
		if alibiSlope != 0 {
			score += alibiSlope * float32(j-ctxLen+1)
		}

		if score > m {
			correction := expf(m - score)
			l *= correction
			for d := 0; d < headDim; d++ {
				acc[d] *= correction
			}
			m = score
		}
		w := expf(score - m)
		l += w

		vOff := valueCache.Offset(block, kvHead, 0, off)
		for d := 0; d < headDim; d++ {
			acc[d] += w * valueCache.FloatAt(vOff+d*dStride)
		}
	}

	if l > 0 {
		inv := 1 / l
		for d := 0; d < headDim; d++ {
			acc[d] *= inv
		}
	}
	return l, m
}

func loadVector(dst []float32, t *tensor.Tensor, off, stride int) {
	for d := range dst {
		dst[d] = t.FloatAt(off + d*stride)
	}
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func checkAttentionShapes(out, query, keyCache, headMapping, blockTables, contextLens *tensor.Tensor, blockSize int) error {
	if query.Rank() != 3 || !tensor.SameShape(out, query) {
		return errors.Errorf("paged_attention: out %v vs query %v", out.Dims(), query.Dims())
	}
	if keyCache.Rank() != 4 || keyCache.Dim(3) != blockSize {
		return errors.Errorf("paged_attention: cache %v with block size %d", keyCache.Dims(), blockSize)
	}
	if headMapping.NumElems() != query.Dim(1) {
		return errors.Errorf("paged_attention: head mapping %d for %d heads", headMapping.NumElems(), query.Dim(1))
	}
	if blockTables.Dim(0) != query.Dim(0) || contextLens.NumElems() != query.Dim(0) {
		return errors.Errorf("paged_attention: %d block table rows, %d context lens for %d seqs",
			blockTables.Dim(0), contextLens.NumElems(), query.Dim(0))
	}
	return nil
}
