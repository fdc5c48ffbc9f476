// Defines the Sequence struct that models an individual generation request in
// the engine. Tracks the token history, the physical KV blocks backing it, and
// per-request sampling parameters.

package engine

import (
	"github.com/google/uuid"
)

// SeqState tracks a sequence through its lifecycle.
type SeqState int

const (
	SeqWaiting SeqState = iota
	SeqRunning
	SeqFinished
	SeqFailed
)

func (s SeqState) String() string {
	switch s {
	case SeqWaiting:
		return "waiting"
	case SeqRunning:
		return "running"
	case SeqFinished:
		return "finished"
	case SeqFailed:
		return "failed"
	}
	return "unknown"
}

// Sequence is one logical generation stream. The scheduler owns its
// lifecycle; the block table manager owns the BlockIDs/ContextLen fields.
//
// Invariants maintained by the block table manager:
//   - ContextLen <= BlockSize * len(BlockIDs)
//   - ContextLen >  BlockSize * (len(BlockIDs) - 1)
//   - BlockIDs are disjoint from every other live sequence's blocks
type Sequence struct {
	ID      string
	Tokens  []int // prompt followed by generated tokens
	arrival int64 // admission order tie-break for schedulers

	BlockIDs   []int // physical backing, in logical order
	ContextLen int   // tokens currently written to the cache
	NumCached  int   // prompt tokens served from the prefix index at admission

	// Chained-hash bookkeeping for the prefix index.
	prefixHash   uint64
	hashedBlocks int

	State        SeqState
	PromptLen    int
	MaxNewTokens int
	EOSToken     int // -1 disables EOS termination

	Sampling          Sampling
	RepetitionPenalty float32 // 0 or 1 disables
	SeedOffset        int64   // mixed into the engine seed for this request
}

// NewSequence creates a waiting sequence for the given prompt.
func NewSequence(prompt []int, sampling Sampling, maxNewTokens int) *Sequence {
	return &Sequence{
		ID:           uuid.NewString(),
		Tokens:       append([]int(nil), prompt...),
		State:        SeqWaiting,
		PromptLen:    len(prompt),
		MaxNewTokens: maxNewTokens,
		EOSToken:     -1,
		Sampling:     sampling,
	}
}

// NumGenerated returns the number of tokens produced after the prompt.
func (s *Sequence) NumGenerated() int {
	return len(s.Tokens) - s.PromptLen
}

// LastToken returns the most recent token in the sequence.
func (s *Sequence) LastToken() int {
	return s.Tokens[len(s.Tokens)-1]
}

// done reports whether the sequence has hit a stop condition.
func (s *Sequence) done() bool {
	if s.NumGenerated() >= s.MaxNewTokens {
		return true
	}
	return s.EOSToken >= 0 && s.NumGenerated() > 0 && s.LastToken() == s.EOSToken
}
