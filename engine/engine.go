// engine/engine.go
//
// The Engine is the per-GPU serving loop: it admits waiting sequences into
// the running batch, builds the per-step input metadata, drives the model
// forward pass, and feeds the resulting logits through each request's
// logits processor. One Step produces at most one new token per running
// sequence.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/paged-infer/paged-infer/tensor"
)

// Engine coordinates the allocator, block tables, model, and samplers. All
// methods must be called from a single goroutine per GPU context; kernel
// work is serialized on one stream.
type Engine struct {
	cfg     *Config
	model   Model
	tables  *BlockTableManager
	sched   Scheduler
	waitq   *WaitQueue
	running []*Sequence
	procs   map[string]*LogitsProcessor
	metrics *Metrics

	arrivals int64
	steps    int64
}

// NewEngine validates the configuration and assembles the engine around the
// given model and admission policy.
func NewEngine(cfg *Config, model Model, sched Scheduler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if sched == nil {
		sched = &FCFSScheduler{}
	}
	alloc := NewBlockAllocator(cfg.NumBlocks)
	return &Engine{
		cfg:     cfg,
		model:   model,
		tables:  NewBlockTableManager(cfg, alloc),
		sched:   sched,
		waitq:   &WaitQueue{},
		procs:   make(map[string]*LogitsProcessor),
		metrics: NewMetrics(),
	}, nil
}

// Tables exposes the block table manager (observability and tests).
func (e *Engine) Tables() *BlockTableManager { return e.tables }

// Metrics exposes the engine metric set.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Running returns the current running batch.
func (e *Engine) Running() []*Sequence { return e.running }

// NumWaiting returns the wait queue depth.
func (e *Engine) NumWaiting() int { return e.waitq.Len() }

// Add enqueues a sequence for admission at a later step.
func (e *Engine) Add(seq *Sequence) {
	e.arrivals++
	seq.arrival = e.arrivals
	if seq.SeedOffset == 0 {
		seq.SeedOffset = e.arrivals
	}
	seq.State = SeqWaiting
	e.waitq.Enqueue(seq)
}

// HasWork reports whether any sequence is waiting or running.
func (e *Engine) HasWork() bool {
	return e.waitq.Len() > 0 || len(e.running) > 0
}

// Step runs one engine tick: a prefill pass when sequences can be admitted,
// otherwise a decode pass over the running batch. A device error aborts only
// the current step; the affected sequences are marked failed and the engine
// stays serviceable.
func (e *Engine) Step() error {
	e.steps++
	defer e.updateGauges()

	admitted := e.admit()
	if len(admitted) > 0 {
		e.metrics.PrefillSteps.Inc()
		e.metrics.BatchSize.Observe(float64(len(admitted)))
		return e.runStep(NewBatch(admitted, true))
	}

	if len(e.running) == 0 {
		return nil
	}
	e.appendDecodeSlots()
	if len(e.running) == 0 {
		return nil
	}
	e.metrics.DecodeSteps.Inc()
	e.metrics.BatchSize.Observe(float64(len(e.running)))
	// Snapshot the running set: FinalizeStep removes finished sequences
	// from e.running while the batch's row order must stay fixed.
	return e.runStep(NewBatch(append([]*Sequence(nil), e.running...), false))
}

// admit moves waiting sequences into the running set while blocks and batch
// capacity allow. A sequence that cannot be backed stays at the head of the
// queue; admission order is the scheduler's.
func (e *Engine) admit() []*Sequence {
	e.sched.OrderQueue(e.waitq.Pending())

	var admitted []*Sequence
	for len(e.running)+len(admitted) < e.cfg.MaxBatchSize && e.waitq.Len() > 0 {
		seq := e.waitq.Pending()[0]
		numCached, err := e.tables.AllocatePrompt(seq)
		if err != nil {
			e.metrics.OutOfBlockEvents.Inc()
			logrus.Debugf("admission blocked: %v (free=%d)", err, e.tables.Allocator().NumFree())
			break
		}
		e.waitq.Dequeue()
		seq.State = SeqRunning
		e.procs[seq.ID] = NewLogitsProcessor(e.cfg.Seed+seq.SeedOffset, seq.Sampling)
		e.metrics.PrefixHitTokens.Add(float64(numCached))
		admitted = append(admitted, seq)
	}
	return admitted
}

// appendDecodeSlots reserves one cache slot per running sequence for the
// token sampled at the previous step. When the pool runs dry mid-batch, the
// most recently admitted sequence is preempted (blocks freed, re-queued for
// full recompute) and the reservation is retried.
func (e *Engine) appendDecodeSlots() {
	pending := append([]*Sequence(nil), e.running...)
	for _, seq := range pending {
		if seq.State != SeqRunning {
			continue // preempted earlier in this pass
		}
		for {
			if _, err := e.tables.AppendSlot(seq); err == nil {
				break
			}
			if e.preemptLast(seq) == nil {
				// Nothing left to evict but this sequence itself.
				e.preempt(seq)
				e.running = removeSeq(e.running, seq)
				break
			}
		}
	}
}

// preemptLast evicts the most recently admitted running sequence other than
// keep. Returns nil when no candidate exists.
func (e *Engine) preemptLast(keep *Sequence) *Sequence {
	for i := len(e.running) - 1; i >= 0; i-- {
		if e.running[i] == keep {
			continue
		}
		victim := e.running[i]
		e.preempt(victim)
		e.running = removeSeq(e.running, victim)
		return victim
	}
	return nil
}

// preempt frees a sequence's blocks and re-queues it; its whole token
// history becomes the prompt of the recompute.
func (e *Engine) preempt(seq *Sequence) {
	e.tables.FreeSequence(seq)
	delete(e.procs, seq.ID)
	seq.State = SeqWaiting
	e.waitq.Requeue(seq)
	e.metrics.Preemptions.Inc()
	logrus.Debugf("preempted sequence %s after %d tokens", seq.ID, len(seq.Tokens))
}

// runStep executes the forward pass and sampling for one batch.
func (e *Engine) runStep(batch *Batch) error {
	tokens, positions, meta, err := e.PrepareInputs(batch)
	if err != nil {
		return err
	}

	logits, err := e.model.Forward(tokens, positions, meta)
	if err != nil {
		e.failBatch(batch, err)
		return nil
	}

	next, err := e.sampleBatch(batch, logits)
	if err != nil {
		e.failBatch(batch, err)
		return nil
	}

	if batch.IsPrompt {
		e.running = append(e.running, batch.Sequences...)
	}
	e.FinalizeStep(batch, next)
	return nil
}

// PrepareInputs materializes the token, position, and metadata tensors for a
// batch, in the batch's row order.
func (e *Engine) PrepareInputs(batch *Batch) (tokens, positions *tensor.Tensor, meta *InputMetadata, err error) {
	meta, err = e.tables.BuildMetadata(batch)
	if err != nil {
		return nil, nil, nil, err
	}

	t := meta.SlotMapping.Dim(1)
	tokens = tensor.New(tensor.I32, batch.Size(), t)
	positions = tensor.New(tensor.I32, batch.Size(), t)
	for i := 0; i < tokens.NumElems(); i++ {
		tokens.SetIntAt(i, -1)
		positions.SetIntAt(i, -1)
	}

	for row, seq := range batch.Sequences {
		start := seq.ContextLen - 1
		if batch.IsPrompt {
			start = seq.NumCached
		}
		for col, pos := 0, start; pos < seq.ContextLen; col, pos = col+1, pos+1 {
			tokens.SetInt(int32(seq.Tokens[pos]), row, col)
			positions.SetInt(int32(pos), row, col)
		}
	}
	return tokens, positions, meta, nil
}

// sampleBatch applies each row's repetition penalty and sampling policy.
// Rows are drawn in ascending row order, so per-request seeds reproduce.
func (e *Engine) sampleBatch(batch *Batch, logits *tensor.Tensor) ([]int, error) {
	penalties := make([]float32, batch.Size())
	context := make([][]int, batch.Size())
	for row, seq := range batch.Sequences {
		penalties[row] = seq.RepetitionPenalty
		context[row] = seq.Tokens
	}

	// The penalty pass is policy-independent; any processor can host it.
	penalized, err := e.procs[batch.Sequences[0].ID].ApplyBatchRepetitionPenalty(logits, penalties, context)
	if err != nil {
		return nil, err
	}

	next := make([]int, batch.Size())
	vocab := penalized.Dim(1)
	for row, seq := range batch.Sequences {
		rowLogits := tensor.New(tensor.F32, 1, vocab)
		off := penalized.Offset(row, 0)
		for v := 0; v < vocab; v++ {
			rowLogits.SetFloatAt(v, penalized.FloatAt(off+v))
		}
		got, err := e.procs[seq.ID].Sample(rowLogits)
		if err != nil {
			return nil, err
		}
		next[row] = got[0]
	}
	e.metrics.TokensSampled.Add(float64(len(next)))
	return next, nil
}

// FinalizeStep appends the sampled tokens and retires finished sequences,
// returning their blocks to the pool.
func (e *Engine) FinalizeStep(batch *Batch, next []int) {
	for row, seq := range batch.Sequences {
		seq.Tokens = append(seq.Tokens, next[row])
		if seq.done() {
			seq.State = SeqFinished
			e.tables.FreeSequence(seq)
			delete(e.procs, seq.ID)
			e.running = removeSeq(e.running, seq)
			e.metrics.CompletedSeqs.Inc()
			logrus.Debugf("sequence %s finished with %d generated tokens", seq.ID, seq.NumGenerated())
		}
	}
}

// failBatch marks every sequence of an aborted step as failed and frees its
// blocks. Partial results of the step are discarded.
func (e *Engine) failBatch(batch *Batch, cause error) {
	logrus.Errorf("step %d aborted: %v", e.steps, cause)
	for _, seq := range batch.Sequences {
		seq.State = SeqFailed
		e.tables.FreeSequence(seq)
		delete(e.procs, seq.ID)
		e.running = removeSeq(e.running, seq)
		e.metrics.FailedSeqs.Inc()
	}
}

func (e *Engine) updateGauges() {
	alloc := e.tables.Allocator()
	e.metrics.KVBlocksInUse.Set(float64(alloc.NumTotal() - alloc.NumFree()))
	e.metrics.RunningSeqs.Set(float64(len(e.running)))
	e.metrics.WaitingSeqs.Set(float64(e.waitq.Len()))
}

func removeSeq(seqs []*Sequence, target *Sequence) []*Sequence {
	for i, s := range seqs {
		if s == target {
			return append(seqs[:i], seqs[i+1:]...)
		}
	}
	return seqs
}
