// Tracks engine-wide counters and gauges: block pool occupancy, step and
// token throughput, prefix cache behavior, and admission failures.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates engine statistics on a dedicated prometheus registry,
// so embedding applications can expose them without namespace collisions.
type Metrics struct {
	Registry *prometheus.Registry

	KVBlocksInUse prometheus.Gauge
	RunningSeqs   prometheus.Gauge
	WaitingSeqs   prometheus.Gauge

	PrefillSteps  prometheus.Counter
	DecodeSteps   prometheus.Counter
	TokensSampled prometheus.Counter

	PrefixHitTokens  prometheus.Counter
	OutOfBlockEvents prometheus.Counter
	Preemptions      prometheus.Counter

	CompletedSeqs prometheus.Counter
	FailedSeqs    prometheus.Counter

	BatchSize prometheus.Histogram
}

// NewMetrics creates and registers the engine metric set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		KVBlocksInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paged_infer", Name: "kv_blocks_in_use",
			Help: "KV cache blocks currently owned by live sequences.",
		}),
		RunningSeqs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paged_infer", Name: "running_sequences",
			Help: "Sequences in the running batch.",
		}),
		WaitingSeqs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paged_infer", Name: "waiting_sequences",
			Help: "Sequences in the wait queue.",
		}),
		PrefillSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "prefill_steps_total",
			Help: "Prefill forward passes executed.",
		}),
		DecodeSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "decode_steps_total",
			Help: "Decode forward passes executed.",
		}),
		TokensSampled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "tokens_sampled_total",
			Help: "Tokens produced by the logits processor.",
		}),
		PrefixHitTokens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "prefix_hit_tokens_total",
			Help: "Prompt tokens served from the prefix index instead of recomputed.",
		}),
		OutOfBlockEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "out_of_block_events_total",
			Help: "Admissions deferred because the block pool was exhausted.",
		}),
		Preemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "preemptions_total",
			Help: "Running sequences evicted to recompute later.",
		}),
		CompletedSeqs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "completed_sequences_total",
			Help: "Sequences that reached a stop condition.",
		}),
		FailedSeqs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paged_infer", Name: "failed_sequences_total",
			Help: "Sequences aborted by a device error.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paged_infer", Name: "batch_size",
			Help:    "Rows per executed step.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}
