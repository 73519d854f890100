// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// yolov3-train trains a YOLOv3 object detector from a manifest of labeled
// images, optionally starting from pretrained darknet backbone weights.
//
// Minimal usage:
//
//	yolov3-train -names voc.names -train train.txt
//
// The run writes snapshots, a JSON-lines log, a loss plot and optional
// detection previews under the -out directory.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/yolov3/darknet"
	"github.com/gomlx/yolov3/datasets"
	"github.com/gomlx/yolov3/training"
)

const (
	burnInIterations = 1000
	cropFreezeTail   = 200
	weightDecay      = 0.0005
	gradientClip     = 10.0
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	cfg, err := configFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(cfg *runConfig) error {
	classNames, err := datasets.LoadList(cfg.NamesPath)
	if err != nil {
		return errors.WithMessage(err, "-names")
	}
	if len(classNames) == 0 {
		return errors.Errorf("-names file %q lists no classes", cfg.NamesPath)
	}
	trainPaths, err := datasets.LoadList(cfg.TrainPath)
	if err != nil {
		return errors.WithMessage(err, "-train")
	}
	if len(trainPaths) == 0 {
		return errors.Errorf("-train file %q lists no images", cfg.TrainPath)
	}

	// Resolve the schedules up front so configuration errors surface before
	// any backend or dataset work starts.
	lrSchedule, err := training.NewLRSchedule(
		training.MomentumDefaultLearningRate, burnInIterations, cfg.Steps, cfg.Scales, cfg.Iterations)
	if err != nil {
		return err
	}
	cropCutoff := cfg.Iterations - cropFreezeTail
	if cropCutoff < 1 {
		cropCutoff = 1
	}
	cropSchedule, err := training.NewCropSchedule(training.DefaultCropSizes(), cropCutoff)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "creating output directory %q", cfg.OutputDir)
	}

	if len(cfg.GPUs) > 0 && backends.DefaultConfig == "" {
		backends.DefaultConfig = "xla:cuda"
	}
	backend := backends.New()
	klog.Infof("Backend: %s (%s)", backend.Name(), backend.Description())

	ctx := context.New()
	modelCfg := darknet.NewConfig(len(classNames))
	modelCfg.IgnoreThresh = float32(cfg.IgnoreThresh)

	if cfg.DarknetPath != "" {
		if err := attachPretrained(ctx, cfg, len(classNames)); err != nil {
			return err
		}
	}

	modelFn := func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		return modelCfg.Graph(ctx, inputs[0])
	}
	optimizer := training.MomentumSGD().
		WithLearningRate(training.MomentumDefaultLearningRate).
		WithWeightDecay(weightDecay).
		WithGradientClip(gradientClip).
		Done()
	trainer := train.NewTrainer(backend, ctx, modelFn, darknet.Loss(modelCfg), optimizer, nil, nil)

	trainDS := datasets.NewYOLODataset("train", trainPaths, cfg.BatchSize, true, cfg.Seed)
	prefetched := datasets.Prefetch(trainDS)
	defer prefetched.Cancel()

	var runDS train.Dataset = prefetched
	if len(cfg.GPUs) > 1 {
		devices := make([]backends.DeviceNum, len(cfg.GPUs))
		for ii, id := range cfg.GPUs {
			devices[ii] = backends.DeviceNum(id)
		}
		if cfg.BatchSize%len(devices) != 0 {
			return errors.Errorf("-batchsize %d is not divisible by the %d GPUs given",
				cfg.BatchSize, len(devices))
		}
		runDS, err = datasets.NewDataParallel(prefetched, devices)
		if err != nil {
			return err
		}
	}

	loop := training.NewLoop(trainer, cfg.Iterations).
		HandleLearningRate(func(value float64) error {
			lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, value)
			return lrVar.SetValue(tensors.FromScalar(float32(value)))
		}).
		HandleCropSize(trainDS.SetCropSize)

	display := training.EveryN(cfg.DisplayInterval)
	snapshot := training.EveryN(cfg.SnapshotInterval)

	loop.Register(training.DarknetShift(lrSchedule))
	loop.Register(training.CropSizeUpdater(cropSchedule))

	bestMetric := "" // Track the training loss when there is no validation set.
	if cfg.ValidPath != "" {
		validPaths, err := datasets.LoadList(cfg.ValidPath)
		if err != nil {
			return errors.WithMessage(err, "-valid")
		}
		validDS := datasets.NewYOLODataset("valid", validPaths, cfg.BatchSize, false, cfg.Seed)
		loop.Register(training.Evaluator(training.TrainerEval(trainer, validDS), display))
		bestMetric = training.ValidationLossMetric
	}

	loop.Register(training.LogReport(cfg.OutputDir, display))
	loop.Register(training.PrintReport(os.Stdout, display))
	loop.Register(training.PlotReport(cfg.OutputDir, display))
	loop.Register(training.ProgressBar(os.Stderr))

	if cfg.DetectionPath != "" {
		previewPaths, err := datasets.LoadList(cfg.DetectionPath)
		if err != nil {
			return errors.WithMessage(err, "-detection")
		}
		predict := newPredictor(backend, ctx, modelCfg, float32(cfg.Thresh))
		loop.Register(training.DetectionPreview(predict, previewPaths, classNames, cfg.OutputDir, display))
	}

	saver := func(filePath string) error { return darknet.SaveWeights(ctx, filePath) }
	loop.Register(training.BestSnapshot(saver, cfg.OutputDir, bestMetric, snapshot))
	loop.Register(training.BackupSnapshot(saver, cfg.OutputDir, snapshot))
	loop.Register(training.FinalSnapshot(saver, cfg.OutputDir))

	finalState, err := loop.Run(runDS)
	if err != nil {
		return err
	}
	klog.Infof("Training finished at iteration %d, loss=%.4f", finalState.Iteration, finalState.TrainLoss)
	return nil
}

// attachPretrained loads the darknet .npz weights and registers them as the
// context loader, so model variables pick them up as the first graph is
// built. When the pretrained head was trained for a different number of
// classes only the backbone is kept.
func attachPretrained(ctx *context.Context, cfg *runConfig, numClasses int) error {
	weights, err := darknet.LoadWeightsFile(cfg.DarknetPath)
	if err != nil {
		return err
	}
	pretrainedClasses := cfg.DarknetClasses
	if pretrainedClasses < 0 {
		pretrainedClasses = numClasses
	}
	if err := weights.ValidateClasses(pretrainedClasses); err != nil {
		return errors.WithMessagef(err, "pretrained weights %q", cfg.DarknetPath)
	}
	if pretrainedClasses != numClasses {
		klog.Infof("Pretrained head targets %d classes, model has %d: restoring the backbone only.",
			pretrainedClasses, numClasses)
		weights = weights.BackboneOnly()
	}
	weights.Attach(ctx)
	return nil
}

// newPredictor compiles an inference-mode execution of the model and wraps
// it for the detection-preview extension. The executable is built lazily on
// the first call, after training has created the model variables.
func newPredictor(backend backends.Backend, ctx *context.Context, modelCfg darknet.Config, scoreThresh float32) training.PredictFunc {
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, input *graph.Node) []*graph.Node {
		ctx.SetTraining(input.Graph(), false)
		return modelCfg.Graph(ctx, input)
	})
	return func(batchImages []image.Image) ([][]darknet.Detection, error) {
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			batch := images.ToTensor(dtypes.Float32).Batch(batchImages)
			outputs = exec.MustExec(batch)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "detection-preview inference")
		}
		return modelCfg.Decode(outputs, scoreThresh, darknet.DefaultNMSThresh)
	}
}
