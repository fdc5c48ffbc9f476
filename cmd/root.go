// cmd/root.go
package cmd

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paged-infer/paged-infer/engine"
	"github.com/paged-infer/paged-infer/kernels"
	"github.com/paged-infer/paged-infer/tensor"
)

var (
	blockSize    int
	totalBlocks  int
	maxBatchSize int
	numLayers    int
	numHeads     int
	numKVHeads   int
	headDim      int
	vocabSize    int
	cacheDType   string
	logLevel     string
	seed         int64

	numRequests  int
	promptLen    int
	maxNewTokens int
	policy       string

	samplingMode string
	temperature  float64
	topK         int
	topP         float64
	repPenalty   float64

	preset string
)

var rootCmd = &cobra.Command{
	Use:   "paged-infer",
	Short: "Paged-KV inference engine core with a CPU reference backend",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic decode workload through the engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if preset != "" {
			applyPreset(preset)
		}

		dtype, err := tensor.ParseDType(cacheDType)
		if err != nil {
			logrus.Fatalf("Invalid cache dtype: %v", err)
		}

		cfg := &engine.Config{
			BlockSize:    blockSize,
			NumBlocks:    totalBlocks,
			NumLayers:    numLayers,
			NumHeads:     numHeads,
			NumKVHeads:   numKVHeads,
			HeadDim:      headDim,
			VocabSize:    vocabSize,
			CacheDType:   dtype,
			MaxBatchSize: maxBatchSize,
			Seed:         seed,
		}

		sched, err := engine.NewScheduler(policy)
		if err != nil {
			logrus.Fatalf("Invalid scheduler policy: %v", err)
		}

		backend := kernels.NewCPU()
		model := engine.NewStubModel(cfg, engine.NewAttention(cfg, backend))
		eng, err := engine.NewEngine(cfg, model, sched)
		if err != nil {
			logrus.Fatalf("Failed to build engine: %v", err)
		}

		logrus.Infof("Starting engine: %d KV blocks x %d tokens, %s cache, %d requests",
			totalBlocks, blockSize, dtype, numRequests)

		sampling, err := parseSampling()
		if err != nil {
			logrus.Fatalf("Invalid sampling config: %v", err)
		}

		// Synthetic prompts from the workload RNG; the engine's sampling
		// determinism comes from its own per-request seeds.
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < numRequests; i++ {
			prompt := make([]int, promptLen)
			for j := range prompt {
				prompt[j] = rng.Intn(vocabSize)
			}
			seq := engine.NewSequence(prompt, sampling, maxNewTokens)
			seq.RepetitionPenalty = float32(repPenalty)
			eng.Add(seq)
		}

		steps := 0
		for eng.HasWork() {
			if err := eng.Step(); err != nil {
				logrus.Fatalf("Engine step failed: %v", err)
			}
			steps++
		}
		logrus.Infof("Workload drained in %d steps", steps)
		printMetrics(eng)
	},
}

func parseSampling() (engine.Sampling, error) {
	switch samplingMode {
	case "argmax":
		return engine.ArgMax{}, nil
	case "all":
		return engine.All{Temperature: temperature}, nil
	case "topk":
		return engine.TopK{K: topK, Temperature: temperature}, nil
	case "topp":
		return engine.TopP{P: topP, Temperature: temperature}, nil
	case "topk-topp":
		return engine.TopKThenTopP{K: topK, P: topP, Temperature: temperature}, nil
	}
	return nil, errUnknownSampling(samplingMode)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().IntVar(&blockSize, "block-size", 16, "Number of tokens contained in a KV cache block")
	runCmd.Flags().IntVar(&totalBlocks, "kv", 256, "Total number of KV cache blocks")
	runCmd.Flags().IntVar(&maxBatchSize, "max-batch", 8, "Maximum batch size")
	runCmd.Flags().IntVar(&numLayers, "layers", 2, "Transformer layers")
	runCmd.Flags().IntVar(&numHeads, "heads", 4, "Query heads")
	runCmd.Flags().IntVar(&numKVHeads, "kv-heads", 2, "KV head groups")
	runCmd.Flags().IntVar(&headDim, "head-dim", 32, "Head dimension")
	runCmd.Flags().IntVar(&vocabSize, "vocab", 128, "Vocabulary size of the stub model")
	runCmd.Flags().StringVar(&cacheDType, "dtype", "f16", "KV cache dtype (f32, f16, bf16, f8)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Master seed for workload and sampling")

	runCmd.Flags().IntVar(&numRequests, "requests", 16, "Synthetic requests to enqueue")
	runCmd.Flags().IntVar(&promptLen, "prompt-len", 32, "Prompt length per request")
	runCmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 32, "Tokens to generate per request")
	runCmd.Flags().StringVar(&policy, "scheduler", "fcfs", "Admission policy (fcfs, shortest-prompt)")

	runCmd.Flags().StringVar(&samplingMode, "sampling", "topp", "Sampling variant (argmax, all, topk, topp, topk-topp)")
	runCmd.Flags().Float64Var(&temperature, "temperature", 1.0, "Sampling temperature")
	runCmd.Flags().IntVar(&topK, "top-k", 40, "Top-k cutoff")
	runCmd.Flags().Float64Var(&topP, "top-p", 0.9, "Nucleus mass")
	runCmd.Flags().Float64Var(&repPenalty, "repetition-penalty", 1.0, "Repetition penalty (1.0 disables)")

	runCmd.Flags().StringVar(&preset, "preset", "", "Named preset from defaults.yaml")

	rootCmd.AddCommand(runCmd)
}
