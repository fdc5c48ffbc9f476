// Defines the Batch struct which represents a group of sequences processed
// together in a single Step.

package engine

// Batch represents a group of sequences run through one forward pass. A batch
// is either a prefill batch (each row contributes its whole uncached prompt)
// or a decode batch (each row contributes exactly one token).
type Batch struct {
	Sequences []*Sequence
	IsPrompt  bool
}

// NewBatch creates a new Batch instance from a given slice of sequences.
func NewBatch(seqs []*Sequence, isPrompt bool) *Batch {
	return &Batch{Sequences: seqs, IsPrompt: isPrompt}
}

// Size returns the number of batch rows.
func (b *Batch) Size() int { return len(b.Sequences) }
