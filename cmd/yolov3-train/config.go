// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// runConfig is the immutable result of flag parsing. All iteration-based
// values are in optimization steps.
type runConfig struct {
	NamesPath     string
	TrainPath     string
	ValidPath     string
	DetectionPath string

	BatchSize  int
	Iterations int
	GPUs       []int
	OutputDir  string
	Seed       int64

	DisplayInterval  int
	SnapshotInterval int

	IgnoreThresh float64
	Thresh       float64

	DarknetPath    string
	DarknetClasses int

	Steps  []int
	Scales []float64
}

var (
	flagNames     = flag.String("names", "", "Path to the newline-delimited class-name file. Required.")
	flagTrain     = flag.String("train", "", "Path to the training image list. Required.")
	flagValid     = flag.String("valid", "", "Path to the validation image list. Optional.")
	flagDetection = flag.String("detection", "", "Path to the list of images for periodic detection previews. Optional.")

	flagBatchSize = flag.Int("batchsize", 8, "Samples per training batch.")
	flagIteration = flag.Int("iteration", 50200, "Total number of optimization steps to run.")
	flagGPUs      = flag.String("gpus", "", "Comma-separated GPU ids. Empty trains on the default (CPU) backend.")
	flagOut       = flag.String("out", "yolov3-result", "Output directory for snapshots, logs and previews.")
	flagSeed      = flag.Int64("seed", 0, "Random seed for shuffling and augmentation.")

	flagDisplayInterval  = flag.Int("display_interval", 100, "Iterations between log/plot/evaluation/preview updates.")
	flagSnapshotInterval = flag.Int("snapshot_interval", 100, "Iterations between snapshot checks.")

	flagIgnoreThresh = flag.Float64("ignore_thresh", 0.5, "IoU above which unmatched predictions are not penalized as background.")
	flagThresh       = flag.Float64("thresh", 0.5, "Score threshold for detection previews.")

	flagDarknet      = flag.String("darknet", "", "Optional pretrained backbone weights (.npz).")
	flagDarknetClass = flag.Int("darknet_class", -1, "Class count the pretrained weights were trained for. -1 uses the class-name file count.")

	flagSteps  = flag.String("steps", "-10200,-5200", "Comma-separated iterations at which the learning rate is scaled. Negative counts from the end.")
	flagScales = flag.String("scales", "0.1,0.1", "Comma-separated learning-rate scale factors, one per step.")
)

func init() {
	// Short aliases.
	flag.IntVar(flagBatchSize, "b", 8, "Alias for -batchsize.")
	flag.IntVar(flagIteration, "i", 50200, "Alias for -iteration.")
	flag.StringVar(flagGPUs, "g", "", "Alias for -gpus.")
	flag.StringVar(flagOut, "o", "yolov3-result", "Alias for -out.")
}

// configFromFlags validates the parsed flags into a runConfig. It
// returns an error for anything that should stop the run before any
// training state is built.
func configFromFlags() (*runConfig, error) {
	cfg := &runConfig{
		NamesPath:        *flagNames,
		TrainPath:        *flagTrain,
		ValidPath:        *flagValid,
		DetectionPath:    *flagDetection,
		BatchSize:        *flagBatchSize,
		Iterations:       *flagIteration,
		OutputDir:        *flagOut,
		Seed:             *flagSeed,
		DisplayInterval:  *flagDisplayInterval,
		SnapshotInterval: *flagSnapshotInterval,
		IgnoreThresh:     *flagIgnoreThresh,
		Thresh:           *flagThresh,
		DarknetPath:      *flagDarknet,
		DarknetClasses:   *flagDarknetClass,
	}
	if cfg.NamesPath == "" {
		return nil, errors.New("-names is required")
	}
	if cfg.TrainPath == "" {
		return nil, errors.New("-train is required")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.Errorf("-batchsize must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.Iterations < 1 {
		return nil, errors.Errorf("-iteration must be at least 1, got %d", cfg.Iterations)
	}
	if cfg.DisplayInterval < 1 {
		return nil, errors.Errorf("-display_interval must be at least 1, got %d", cfg.DisplayInterval)
	}
	if cfg.SnapshotInterval < 1 {
		return nil, errors.Errorf("-snapshot_interval must be at least 1, got %d", cfg.SnapshotInterval)
	}
	var err error
	if cfg.GPUs, err = parseIntList(*flagGPUs); err != nil {
		return nil, errors.WithMessage(err, "-gpus")
	}
	if cfg.Steps, err = parseIntList(*flagSteps); err != nil {
		return nil, errors.WithMessage(err, "-steps")
	}
	if cfg.Scales, err = parseFloatList(*flagScales); err != nil {
		return nil, errors.WithMessage(err, "-scales")
	}
	if len(cfg.Scales) != len(cfg.Steps) {
		return nil, errors.Errorf("-scales has %d entries for %d entries in -steps", len(cfg.Scales), len(cfg.Steps))
	}
	return cfg, nil
}

func parseIntList(list string) ([]int, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	values := make([]int, len(parts))
	for ii, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Errorf("invalid integer %q in list %q", part, list)
		}
		values[ii] = value
	}
	return values, nil
}

func parseFloatList(list string) ([]float64, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	parts := strings.Split(list, ",")
	values := make([]float64, len(parts))
	for ii, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, errors.Errorf("invalid number %q in list %q", part, list)
		}
		values[ii] = value
	}
	return values, nil
}
