package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/paged-infer/paged-infer/engine"
)

var defaultsFilePath = "cmd/defaults.yaml"

// Preset describes a named engine shape in defaults.yaml.
type Preset struct {
	BlockSize  int    `yaml:"block_size"`
	KVBlocks   int    `yaml:"kv_blocks"`
	Layers     int    `yaml:"layers"`
	Heads      int    `yaml:"heads"`
	KVHeads    int    `yaml:"kv_heads"`
	HeadDim    int    `yaml:"head_dim"`
	Vocab      int    `yaml:"vocab"`
	CacheDType string `yaml:"cache_dtype"`
	MaxBatch   int    `yaml:"max_batch"`
}

// Defaults represents the full defaults.yaml structure. All top-level
// sections must be listed to satisfy KnownFields(true) strict parsing.
type Defaults struct {
	Version string            `yaml:"version"`
	Presets map[string]Preset `yaml:"presets"`
}

// applyPreset overwrites the engine-shape flags from a named preset. Flags
// given explicitly on the command line are not distinguished: the preset is
// applied wholesale, matching how deployments pin an engine shape.
func applyPreset(name string) {
	data, err := os.ReadFile(defaultsFilePath)
	if err != nil {
		logrus.Fatalf("Failed to read defaults file: %v", err)
	}

	// Strict field checking: typos in the yaml must cause errors.
	var d Defaults
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&d); err != nil {
		logrus.Fatalf("Failed to parse defaults YAML: %v", err)
	}

	p, ok := d.Presets[name]
	if !ok {
		logrus.Fatalf("Unknown preset %q in %s", name, defaultsFilePath)
	}
	blockSize = p.BlockSize
	totalBlocks = p.KVBlocks
	numLayers = p.Layers
	numHeads = p.Heads
	numKVHeads = p.KVHeads
	headDim = p.HeadDim
	vocabSize = p.Vocab
	cacheDType = p.CacheDType
	maxBatchSize = p.MaxBatch
}

func errUnknownSampling(mode string) error {
	return fmt.Errorf("unknown sampling mode %q", mode)
}

// printMetrics dumps the engine's counters at the end of the workload.
func printMetrics(eng *engine.Engine) {
	families, err := eng.Metrics().Registry.Gather()
	if err != nil {
		logrus.Warnf("Failed to gather metrics: %v", err)
		return
	}
	fmt.Println("=== Engine Metrics ===")
	for _, fam := range families {
		for _, m := range fam.Metric {
			switch {
			case m.Counter != nil:
				fmt.Printf("%-45s : %.0f\n", fam.GetName(), m.Counter.GetValue())
			case m.Gauge != nil:
				fmt.Printf("%-45s : %.0f\n", fam.GetName(), m.Gauge.GetValue())
			case m.Histogram != nil:
				fmt.Printf("%-45s : count=%d sum=%.0f\n", fam.GetName(),
					m.Histogram.GetSampleCount(), m.Histogram.GetSampleSum())
			}
		}
	}
}
