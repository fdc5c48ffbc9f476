// Implements the LogitsProcessor, which converts the model's final logits
// into one sampled token per batch row according to the per-request decoding
// policy. Sampling is deterministic for a fixed seed: the RNG is guarded by a
// mutex and rows are always drawn in ascending batch-row order.

package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/paged-infer/paged-infer/tensor"
)

// Sampling is the closed set of decoding policies. The single Sample entry
// point dispatches on the concrete variant, which keeps determinism and
// testing tractable compared to open-ended strategy objects.
type Sampling interface {
	sampling()
}

// ArgMax picks the index of the maximum logit per row. Deterministic.
type ArgMax struct{}

// All samples from the full softmax distribution at the given temperature.
type All struct {
	Temperature float64
}

// TopK samples among the k most probable tokens.
type TopK struct {
	K           int
	Temperature float64
}

// TopP samples from the nucleus: the smallest prefix of the sorted
// distribution whose cumulative mass first reaches P. P outside (0, 1)
// behaves as All.
type TopP struct {
	P           float64
	Temperature float64
}

// TopKThenTopP applies the top-k filter first, then top-p within those k.
type TopKThenTopP struct {
	K           int
	P           float64
	Temperature float64
}

func (ArgMax) sampling()       {}
func (All) sampling()          {}
func (TopK) sampling()         {}
func (TopP) sampling()         {}
func (TopKThenTopP) sampling() {}

var errZeroMass = errors.New("zero probability mass")

// LogitsProcessor samples next tokens from a logits tensor. The processor is
// immutable apart from its RNG; one instance serves one request (or one
// engine when all requests share a policy).
type LogitsProcessor struct {
	mu       sync.Mutex
	rng      *rand.Rand
	Sampling Sampling
}

// NewLogitsProcessor creates a processor with a deterministic RNG.
func NewLogitsProcessor(seed int64, s Sampling) *LogitsProcessor {
	return &LogitsProcessor{
		rng:      rand.New(rand.NewSource(seed)),
		Sampling: s,
	}
}

// rowCandidates is one row's filtered distribution, prepared in parallel and
// consumed sequentially by the shared RNG.
type rowCandidates struct {
	probs    []float64 // weights of the retained tokens, sorted descending
	indices  []int     // vocabulary index of each retained token
	fallback int       // argmax of the pre-clamp distribution
}

// Sample returns one token per batch row.
//
// Order of operations per the decoding contract: the caller applies the
// repetition penalty first (ApplyBatchRepetitionPenalty); Sample then casts
// to FP32, divides by temperature, takes the softmax, applies the variant's
// filter, and draws from the shared RNG in row order.
func (p *LogitsProcessor) Sample(logits *tensor.Tensor) ([]int, error) {
	if logits.Rank() != 2 {
		return nil, fmt.Errorf("sample: logits rank %d, want 2", logits.Rank())
	}
	batch := logits.Dim(0)
	vocab := logits.Dim(1)
	rows := splitRows(logits, batch, vocab)

	switch s := p.Sampling.(type) {
	case ArgMax:
		out := make([]int, batch)
		for b, row := range rows {
			out[b] = floats.MaxIdx(row)
		}
		return out, nil

	case All:
		return p.samplePrepared(rows, func(row []float64) *rowCandidates {
			return fullDistribution(softmax(row, s.Temperature))
		})

	case TopP:
		if s.P <= 0 || s.P >= 1 {
			// Degenerate nucleus: sample from the full distribution.
			return p.samplePrepared(rows, func(row []float64) *rowCandidates {
				return fullDistribution(softmax(row, s.Temperature))
			})
		}
		return p.samplePrepared(rows, func(row []float64) *rowCandidates {
			return topPCandidates(softmax(row, s.Temperature), s.P)
		})

	case TopK:
		return p.samplePrepared(rows, func(row []float64) *rowCandidates {
			return topKCandidates(softmax(row, s.Temperature), s.K)
		})

	case TopKThenTopP:
		return p.samplePrepared(rows, func(row []float64) *rowCandidates {
			return topKTopPCandidates(softmax(row, s.Temperature), s.K, s.P)
		})
	}
	return nil, fmt.Errorf("sample: unknown sampling variant %T", p.Sampling)
}

// samplePrepared filters rows in parallel, then draws sequentially in
// ascending row order so a fixed seed yields a fixed trace.
func (p *LogitsProcessor) samplePrepared(rows [][]float64, prepare func([]float64) *rowCandidates) ([]int, error) {
	prepared := make([]*rowCandidates, len(rows))
	var g errgroup.Group
	for b := range rows {
		g.Go(func() error {
			prepared[b] = prepare(rows[b])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]int, len(rows))
	for b, cand := range prepared {
		idx, err := p.sampleMultinomial(cand.probs)
		if err != nil {
			// All-zero mass after clamping: fall back to the pre-clamp argmax.
			out[b] = cand.fallback
			continue
		}
		out[b] = cand.indices[idx]
	}
	return out, nil
}

// sampleMultinomial draws one index from an unnormalized weight vector under
// the shared RNG.
func (p *LogitsProcessor) sampleMultinomial(probs []float64) (int, error) {
	total := floats.Sum(probs)
	if total <= 0 {
		return 0, errZeroMass
	}
	p.mu.Lock()
	r := p.rng.Float64() * total
	p.mu.Unlock()

	var cum float64
	for i, w := range probs {
		cum += w
		if r < cum {
			return i, nil
		}
	}
	return len(probs) - 1, nil
}

// splitRows casts the logits to FP32 and slices them per batch row. The
// host-side math runs in float64, which satisfies the FP32-accumulation
// floor of the numerical contract.
func splitRows(logits *tensor.Tensor, batch, vocab int) [][]float64 {
	f32 := logits.Floats()
	rows := make([][]float64, batch)
	for b := 0; b < batch; b++ {
		row := make([]float64, vocab)
		for v := 0; v < vocab; v++ {
			row[v] = float64(f32[b*vocab+v])
		}
		rows[b] = row
	}
	return rows
}

// softmax returns the normalized temperature-scaled distribution of one row.
func softmax(row []float64, temperature float64) []float64 {
	probs := make([]float64, len(row))
	copy(probs, row)
	if temperature > 0 {
		floats.Scale(1/temperature, probs)
	}
	m := floats.Max(probs)
	for i, v := range probs {
		probs[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// argsortDescending returns vocabulary indices ordered by descending
// probability. The stable sort breaks ties toward the lower vocabulary
// index, which fixes which token is retained at an ambiguous top-k boundary.
func argsortDescending(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	return idx
}

func fullDistribution(probs []float64) *rowCandidates {
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	return &rowCandidates{probs: probs, indices: indices, fallback: floats.MaxIdx(probs)}
}

// topPCandidates keeps the smallest descending-sorted prefix whose
// cumulative mass first reaches p. The token that pushes the sum over p is
// retained; everything at a strictly larger sorted index is dropped. The
// tail is dropped in sorted order, never through the unsorted index.
func topPCandidates(probs []float64, p float64) *rowCandidates {
	order := argsortDescending(probs)
	kept := len(order)
	var cum float64
	for i, id := range order {
		cum += probs[id]
		if cum >= p {
			kept = i + 1
			break
		}
	}
	return sortedPrefix(probs, order, kept)
}

// topKCandidates keeps the k most probable tokens, with k clamped to the
// vocabulary size.
func topKCandidates(probs []float64, k int) *rowCandidates {
	order := argsortDescending(probs)
	if k > len(order) {
		k = len(order)
	}
	if k < 1 {
		k = 1
	}
	return sortedPrefix(probs, order, k)
}

// topKTopPCandidates applies the top-k filter, then the nucleus rule within
// the k retained tokens. p outside (0, sum-of-kept-mass) degenerates to
// plain top-k.
func topKTopPCandidates(probs []float64, k int, p float64) *rowCandidates {
	cand := topKCandidates(probs, k)
	if p <= 0 || p >= floats.Sum(cand.probs) {
		return cand
	}
	kept := len(cand.probs)
	var cum float64
	for i, w := range cand.probs {
		cum += w
		if cum >= p {
			kept = i + 1
			break
		}
	}
	cand.probs = cand.probs[:kept]
	cand.indices = cand.indices[:kept]
	return cand
}

func sortedPrefix(probs []float64, order []int, kept int) *rowCandidates {
	keptProbs := make([]float64, kept)
	indices := make([]int, kept)
	for i := 0; i < kept; i++ {
		keptProbs[i] = probs[order[i]]
		indices[i] = order[i]
	}
	fallback := 0
	if len(order) > 0 {
		fallback = order[0]
	}
	return &rowCandidates{probs: keptProbs, indices: indices, fallback: fallback}
}

// ApplyBatchRepetitionPenalty applies the asymmetric repetition penalty to
// each row using that row's context tokens, and returns a new FP32 logits
// tensor; the input is not mutated. Rows with a penalty of 0 or 1, or with a
// context of at most one token, pass through unchanged.
//
// For each unique context token: a non-negative logit is divided by the
// penalty, a negative one is multiplied, preserving signs.
func (p *LogitsProcessor) ApplyBatchRepetitionPenalty(logits *tensor.Tensor, penalties []float32, context [][]int) (*tensor.Tensor, error) {
	if logits.Rank() != 2 {
		return nil, fmt.Errorf("repetition penalty: logits rank %d, want 2", logits.Rank())
	}
	batch := logits.Dim(0)
	vocab := logits.Dim(1)
	if len(penalties) != batch || len(context) != batch {
		return nil, fmt.Errorf("repetition penalty: %d penalties, %d contexts for batch %d",
			len(penalties), len(context), batch)
	}

	out := logits.Cast(tensor.F32)
	var g errgroup.Group
	for b := 0; b < batch; b++ {
		g.Go(func() error {
			penalty := penalties[b]
			if penalty == 0 || penalty == 1 || len(context[b]) <= 1 {
				return nil
			}
			seen := make(map[int]bool, len(context[b]))
			for _, tok := range context[b] {
				if tok < 0 || tok >= vocab || seen[tok] {
					continue
				}
				seen[tok] = true
				v := out.Float(b, tok)
				if v >= 0 {
					v /= penalty
				} else {
					v *= penalty
				}
				out.SetFloat(v, b, tok)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
