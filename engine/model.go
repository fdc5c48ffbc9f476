// Defines the Model interface the engine drives each step, plus a small
// deterministic decoder used by the CLI and the end-to-end tests. The stub
// has no learned weights but runs the full cache path: it writes K/V through
// reshape_and_cache and attends through the paged kernel, so every engine
// step exercises the same data flow as a real model.

package engine

import (
	"math"

	"github.com/pkg/errors"

	"github.com/paged-infer/paged-infer/tensor"
)

// Model produces next-token logits for a batch.
//
// tokens and positions are [B, T] I32 tensors, -1 padded in lockstep with
// meta.SlotMapping. The returned logits are [B, vocabSize].
type Model interface {
	Forward(tokens, positions *tensor.Tensor, meta *InputMetadata) (*tensor.Tensor, error)
}

// StubModel is a weightless transformer stand-in: embeddings, per-layer
// K/V/query projections and the output projection are fixed trigonometric
// functions of (token, position, head, dim). Deterministic by construction.
type StubModel struct {
	cfg  *Config
	attn *Attention
}

// NewStubModel builds a stub over the given attention stack.
func NewStubModel(cfg *Config, attn *Attention) *StubModel {
	return &StubModel{cfg: cfg, attn: attn}
}

// Attention exposes the underlying attention stack.
func (m *StubModel) Attention() *Attention { return m.attn }

func (m *StubModel) keyVal(layer, token, d int) float32 {
	return float32(math.Sin(float64(token+1)*0.011*float64(d+1) + float64(layer)*0.3))
}

func (m *StubModel) valueVal(layer, token, d int) float32 {
	return float32(math.Cos(float64(token+1)*0.017*float64(d+1) + float64(layer)*0.5))
}

func (m *StubModel) queryVal(layer, token, pos, d int) float32 {
	return float32(math.Sin(float64(token+1)*0.013*float64(d+1) + float64(pos)*0.019 + float64(layer)*0.7))
}

func (m *StubModel) Forward(tokens, positions *tensor.Tensor, meta *InputMetadata) (*tensor.Tensor, error) {
	cfg := m.cfg
	b := tokens.Dim(0)
	t := tokens.Dim(1)

	// Flatten the non-padded tokens in row-major order; this is the token
	// order reshape_and_cache expects the slot mapping in.
	var refs []tokenRef
	for row := 0; row < b; row++ {
		for col := 0; col < t; col++ {
			tok := int(tokens.Int(row, col))
			if tok < 0 {
				continue
			}
			refs = append(refs, tokenRef{row: row, col: col, token: tok, pos: int(positions.Int(row, col))})
		}
	}
	numTokens := len(refs)
	if numTokens == 0 {
		return nil, errors.New("forward: empty batch")
	}

	flatSlots := tensor.New(tensor.I32, numTokens)
	for i, r := range refs {
		flatSlots.SetIntAt(i, meta.SlotMapping.Int(r.row, r.col))
	}

	// last attention output per batch row (the row's final token)
	lastOut := make([][]float32, b)

	for layer := 0; layer < cfg.NumLayers; layer++ {
		key := tensor.New(tensor.F32, numTokens, cfg.NumKVHeads, cfg.HeadDim)
		value := tensor.New(tensor.F32, numTokens, cfg.NumKVHeads, cfg.HeadDim)
		for i, r := range refs {
			for h := 0; h < cfg.NumKVHeads; h++ {
				for d := 0; d < cfg.HeadDim; d++ {
					key.SetFloat(m.keyVal(layer, r.token, d)+0.1*float32(h), i, h, d)
					value.SetFloat(m.valueVal(layer, r.token, d)-0.1*float32(h), i, h, d)
				}
			}
		}
		if err := m.attn.WriteKV(layer, key, value, flatSlots); err != nil {
			return nil, &DeviceError{Op: "reshape_and_cache", Err: err}
		}

		if meta.IsPrompt {
			for row := 0; row < b; row++ {
				rowRefs := refsOfRow(refs, row)
				if len(rowRefs) == 0 {
					continue
				}
				query := tensor.New(tensor.F32, len(rowRefs), cfg.NumHeads, cfg.HeadDim)
				rowKey := tensor.New(tensor.F32, len(rowRefs), cfg.NumKVHeads, cfg.HeadDim)
				rowValue := tensor.New(tensor.F32, len(rowRefs), cfg.NumKVHeads, cfg.HeadDim)
				for i, r := range rowRefs {
					for h := 0; h < cfg.NumHeads; h++ {
						for d := 0; d < cfg.HeadDim; d++ {
							query.SetFloat(m.queryVal(layer, r.token, r.pos, d)+0.05*float32(h), i, h, d)
						}
					}
					for h := 0; h < cfg.NumKVHeads; h++ {
						for d := 0; d < cfg.HeadDim; d++ {
							rowKey.SetFloat(m.keyVal(layer, r.token, d)+0.1*float32(h), i, h, d)
							rowValue.SetFloat(m.valueVal(layer, r.token, d)-0.1*float32(h), i, h, d)
						}
					}
				}

				numCached := rowRefs[0].pos
				blockTable := rowBlockTable(meta.BlockTables, row)
				out, err := m.attn.Prefill(layer, query, rowKey, rowValue, blockTable, numCached)
				if err != nil {
					return nil, &DeviceError{Op: "prefill_attention", Err: err}
				}
				lastOut[row] = headVector(out, len(rowRefs)-1, cfg)
			}
		} else {
			query := tensor.New(tensor.F32, b, cfg.NumHeads, cfg.HeadDim)
			for i, r := range refs {
				for h := 0; h < cfg.NumHeads; h++ {
					for d := 0; d < cfg.HeadDim; d++ {
						query.SetFloat(m.queryVal(layer, r.token, r.pos, d)+0.05*float32(h), i, h, d)
					}
				}
			}
			out, err := m.attn.Decode(layer, query, meta)
			if err != nil {
				return nil, &DeviceError{Op: "paged_attention", Err: err}
			}
			for row := 0; row < b; row++ {
				lastOut[row] = headVector(out, row, cfg)
			}
		}
	}

	// Fixed output projection of the final layer's attention output.
	logits := tensor.New(tensor.F32, b, cfg.VocabSize)
	width := cfg.NumHeads * cfg.HeadDim
	for row := 0; row < b; row++ {
		hidden := lastOut[row]
		for v := 0; v < cfg.VocabSize; v++ {
			var acc float32
			for i := 0; i < width; i++ {
				w := float32(math.Sin(0.002 * float64(v+1) * float64(i+1)))
				acc += hidden[i] * w
			}
			logits.SetFloat(acc, row, v)
		}
	}
	return logits, nil
}

// tokenRef pins one batch token to its (row, column) cell and its absolute
// position in the sequence.
type tokenRef struct {
	row, col   int
	token, pos int
}

func refsOfRow(refs []tokenRef, row int) []tokenRef {
	var out []tokenRef
	for _, r := range refs {
		if r.row == row {
			out = append(out, r)
		}
	}
	return out
}

// rowBlockTable extracts one row of the padded block table tensor, stripping
// the -1 padding.
func rowBlockTable(blockTables *tensor.Tensor, row int) []int {
	var out []int
	for j := 0; j < blockTables.Dim(1); j++ {
		id := int(blockTables.Int(row, j))
		if id < 0 {
			break
		}
		out = append(out, id)
	}
	return out
}

// headVector flattens the [numHeads, headDim] output of one batch row into a
// single hidden vector.
func headVector(out *tensor.Tensor, row int, cfg *Config) []float32 {
	hidden := make([]float32, cfg.NumHeads*cfg.HeadDim)
	off := out.Offset(row, 0, 0)
	for i := range hidden {
		hidden[i] = out.FloatAt(off + i)
	}
	return hidden
}
