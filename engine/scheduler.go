package engine

import (
	"fmt"
	"sort"
)

// Scheduler reorders the wait queue before admission. Called each step to
// determine which sequences should be considered first. Implementations sort
// the slice in-place using sort.SliceStable for determinism.
type Scheduler interface {
	OrderQueue(seqs []*Sequence)
}

// FCFSScheduler preserves First-Come-First-Served order (no-op). This is the
// default policy.
type FCFSScheduler struct{}

func (f *FCFSScheduler) OrderQueue(_ []*Sequence) {
	// No-op: FIFO order preserved from enqueue order
}

// ShortestPromptScheduler sorts waiting sequences by prompt length
// (ascending, shortest first), then by arrival order, then by ID for
// determinism. Warning: can starve long prompts under sustained load.
type ShortestPromptScheduler struct{}

func (s *ShortestPromptScheduler) OrderQueue(seqs []*Sequence) {
	sort.SliceStable(seqs, func(i, j int) bool {
		if seqs[i].PromptLen != seqs[j].PromptLen {
			return seqs[i].PromptLen < seqs[j].PromptLen
		}
		if seqs[i].arrival != seqs[j].arrival {
			return seqs[i].arrival < seqs[j].arrival
		}
		return seqs[i].ID < seqs[j].ID
	})
}

// NewScheduler creates a Scheduler by name.
// Valid names: "fcfs" (default), "shortest-prompt".
func NewScheduler(name string) (Scheduler, error) {
	switch name {
	case "", "fcfs":
		return &FCFSScheduler{}, nil
	case "shortest-prompt":
		return &ShortestPromptScheduler{}, nil
	}
	return nil, fmt.Errorf("unknown scheduler policy %q", name)
}
