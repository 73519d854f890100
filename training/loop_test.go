// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataset yields empty batches, signalling io.EOF every epochSize
// yields to exercise the transparent restart.
type fakeDataset struct {
	epochSize int
	yields    int
	resets    int
}

func (ds *fakeDataset) Name() string { return "fake" }

func (ds *fakeDataset) Reset() {
	ds.resets++
	ds.yields = 0
}

func (ds *fakeDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.epochSize > 0 && ds.yields >= ds.epochSize {
		return nil, nil, nil, io.EOF
	}
	ds.yields++
	return ds, nil, nil, nil
}

// fakeStepper returns a scripted sequence of losses, repeating the last
// one when the script runs out.
type fakeStepper struct {
	losses []float64
	steps  int
}

func (s *fakeStepper) TrainStep(spec any, inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, error) {
	idx := s.steps
	if idx >= len(s.losses) {
		idx = len(s.losses) - 1
	}
	s.steps++
	return []*tensors.Tensor{tensors.FromScalar(float32(s.losses[idx]))}, nil
}

func TestLoopRunsFixedIterations(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{1.0}}
	loop := NewLoop(stepper, 5)

	var iterations []int
	loop.Register(&Extension{
		Name:    "recorder",
		Trigger: Always(),
		Action: func(state *State) ([]Effect, error) {
			iterations = append(iterations, state.Iteration)
			return nil, nil
		},
	})

	finalState, err := loop.Run(&fakeDataset{})
	require.NoError(t, err)
	assert.Equal(t, 5, finalState.Iteration)
	assert.Equal(t, 5, stepper.steps)
	// Pre-pass at iteration 0, then once after each step.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, iterations)
}

func TestLoopRestartsDatasetOnEOF(t *testing.T) {
	ds := &fakeDataset{epochSize: 2}
	loop := NewLoop(&fakeStepper{losses: []float64{1.0}}, 5)
	_, err := loop.Run(ds)
	require.NoError(t, err)
	// 5 steps over 2-sample epochs restart the dataset twice.
	assert.Equal(t, 2, ds.resets)
}

func TestLoopExtensionOrdering(t *testing.T) {
	loop := NewLoop(&fakeStepper{losses: []float64{1.0}}, 1)

	var order []string
	record := func(name string, priority int) *Extension {
		return &Extension{
			Name:     name,
			Priority: priority,
			Trigger:  AtEnd(),
			Action: func(state *State) ([]Effect, error) {
				order = append(order, name)
				return nil, nil
			},
		}
	}
	loop.Register(record("snapshot", PrioritySnapshot))
	loop.Register(record("schedule", PriorityScheduling))
	loop.Register(record("report_a", PriorityReporting))
	loop.Register(record("report_b", PriorityReporting))

	_, err := loop.Run(&fakeDataset{})
	require.NoError(t, err)
	// Ascending priority, registration order breaking the tie.
	assert.Equal(t, []string{"schedule", "report_a", "report_b", "snapshot"}, order)
}

func TestLoopAppliesEffects(t *testing.T) {
	loop := NewLoop(&fakeStepper{losses: []float64{1.0}}, 2)

	var lrs []float64
	var crops []int
	loop.HandleLearningRate(func(value float64) error {
		lrs = append(lrs, value)
		return nil
	})
	loop.HandleCropSize(func(size int) error {
		crops = append(crops, size)
		return nil
	})
	loop.Register(&Extension{
		Name:    "emitter",
		Trigger: Always(),
		Action: func(state *State) ([]Effect, error) {
			return []Effect{
				SetLearningRate{Value: float64(state.Iteration)},
				SetCropSize{Size: 320 + state.Iteration},
				RecordMetric{Name: "custom", Value: 42},
			}, nil
		},
	})

	finalState, err := loop.Run(&fakeDataset{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, lrs)
	assert.Equal(t, []int{320, 321, 322}, crops)
	assert.Equal(t, 2.0, finalState.LearningRate)
	assert.Equal(t, 322, finalState.CropSize)
	assert.Equal(t, 42.0, finalState.Metrics["custom"])
}

func TestLoopMetricsVisibleToLaterExtensions(t *testing.T) {
	loop := NewLoop(&fakeStepper{losses: []float64{1.0}}, 1)
	loop.Register(&Extension{
		Name:     "producer",
		Priority: PriorityEvaluation,
		Trigger:  Always(),
		Action: func(state *State) ([]Effect, error) {
			return []Effect{RecordMetric{Name: "validation/loss", Value: 0.5}}, nil
		},
	})
	var seen []float64
	loop.Register(&Extension{
		Name:     "consumer",
		Priority: PriorityReporting,
		Trigger:  Always(),
		Action: func(state *State) ([]Effect, error) {
			if value, ok := state.Metrics["validation/loss"]; ok {
				seen = append(seen, value)
			}
			return nil, nil
		},
	})
	_, err := loop.Run(&fakeDataset{})
	require.NoError(t, err)
	// The producer runs before the consumer within the same pass.
	assert.Equal(t, []float64{0.5, 0.5}, seen)
}

func TestLoopRequestStop(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{1.0}}
	loop := NewLoop(stepper, 100)
	finalized := 0
	loop.Register(&Extension{
		Name:    "early_stop",
		Trigger: AtIteration(3),
		Action: func(state *State) ([]Effect, error) {
			return []Effect{RequestStop{Reason: "enough"}}, nil
		},
		Finalize: func(state *State) ([]Effect, error) {
			finalized++
			return nil, nil
		},
	})
	finalState, err := loop.Run(&fakeDataset{})
	require.NoError(t, err)
	assert.Equal(t, 3, finalState.Iteration)
	assert.Equal(t, 3, stepper.steps)
	assert.Equal(t, 1, finalized, "finalizers still run after an early stop")
}

func TestLoopDivergedLoss(t *testing.T) {
	stepper := &fakeStepper{losses: []float64{1.0, math.NaN()}}
	loop := NewLoop(stepper, 10)
	_, err := loop.Run(&fakeDataset{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
}

func TestLoopExtensionErrorIsAnnotated(t *testing.T) {
	loop := NewLoop(&fakeStepper{losses: []float64{1.0}}, 10)
	loop.Register(&Extension{
		Name:    "broken",
		Trigger: AtIteration(2),
		Action: func(state *State) ([]Effect, error) {
			return nil, errors.New("disk full")
		},
	})
	_, err := loop.Run(&fakeDataset{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `extension "broken" at iteration 2`)
}

// TestLoopFullSchedule wires the real schedule, snapshot and report
// extensions around fake training: 2 samples, batch of one, 4 iterations,
// display and snapshot intervals of 2.
func TestLoopFullSchedule(t *testing.T) {
	outputDir := t.TempDir()
	stepper := &fakeStepper{losses: []float64{4.0, 3.0, 3.5, 2.0}}
	loop := NewLoop(stepper, 4)

	lrSchedule, err := NewLRSchedule(0.001, 2, nil, nil, 4)
	require.NoError(t, err)
	cropSchedule, err := NewCropSchedule([]int{320, 352}, 4)
	require.NoError(t, err)
	loop.Register(DarknetShift(lrSchedule))
	loop.Register(CropSizeUpdater(cropSchedule))
	loop.Register(LogReport(outputDir, EveryN(2)))

	var saved []string
	saver := func(filePath string) error {
		saved = append(saved, filepath.Base(filePath))
		return nil
	}
	loop.Register(BestSnapshot(saver, outputDir, "", EveryN(2)))
	loop.Register(BackupSnapshot(saver, outputDir, EveryN(2)))
	loop.Register(FinalSnapshot(saver, outputDir))

	finalState, err := loop.Run(&fakeDataset{epochSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, finalState.Iteration)
	assert.InDelta(t, 2.0, finalState.TrainLoss, 1e-9)
	assert.Equal(t, 352, finalState.CropSize)

	// Best fires at iterations 2 (loss 3.0) and 4 (loss 2.0), backups at
	// both snapshot intervals, final once at the end.
	assert.Equal(t, []string{
		SnapshotBestFile, SnapshotBackupFile,
		SnapshotBestFile, SnapshotBackupFile,
		SnapshotFinalFile,
	}, saved)

	logPath := filepath.Join(outputDir, LogFileName)
	assert.FileExists(t, logPath)
}
