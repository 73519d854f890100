// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training runs fixed-iteration YOLOv3 training: a loop pulling
// batches from a dataset into a Stepper, decorated by an explicitly
// ordered list of extension records.
//
// Extensions never mutate the loop or the model directly. Each returns a
// list of Effect values describing the mutations it wants (change the
// learning rate, change the dataset crop size, record a metric, stop),
// and the loop applies them centrally, in extension order. This keeps
// scheduling decisions pure and testable without an accelerator backend.
package training

import (
	"io"
	"math"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stepper runs one optimization step over a collated batch and returns
// the step metrics, the first of which must be the scalar batch loss.
// *train.Trainer implements it.
type Stepper interface {
	TrainStep(spec any, inputs, labels []*tensors.Tensor) (metrics []*tensors.Tensor, err error)
}

// DistributedStepper is implemented by steppers that can consume sharded
// batches, *train.Trainer among them.
type DistributedStepper interface {
	Stepper
	DistributedTrainStep(strategy distributed.Strategy, deviceAssignment []backends.DeviceNum,
		spec any, inputs, labels []*distributed.Tensor) (metrics []*tensors.Tensor, err error)
}

// State is the observable snapshot handed to extension triggers and
// actions after every iteration.
type State struct {
	// Iteration counts completed optimization steps, so it is 0 before
	// the first step and TotalIterations when the loop finishes.
	Iteration int

	// TotalIterations the loop will run.
	TotalIterations int

	// TrainLoss is the batch loss of the last completed step.
	TrainLoss float64

	// LearningRate and CropSize mirror the last applied effects.
	LearningRate float64
	CropSize     int

	// Metrics holds values recorded by extensions through RecordMetric,
	// keyed by metric name. They persist until overwritten.
	Metrics map[string]float64
}

// Trigger decides whether an extension's action runs for the given state.
type Trigger func(state *State) bool

// Action inspects the state and describes the mutations it wants applied.
type Action func(state *State) ([]Effect, error)

// Extension is one record of the loop's schedule. Records run in
// ascending Priority after each iteration; ties run in registration
// order.
type Extension struct {
	Name     string
	Priority int
	Trigger  Trigger
	Action   Action

	// Finalize, if set, runs once after the last iteration even when the
	// trigger no longer fires, e.g. to flush files.
	Finalize Action
}

// Effect is a mutation requested by an extension, applied by the loop.
type Effect interface {
	apply(loop *Loop) error
}

// SetLearningRate asks the loop to update the optimizer learning rate.
type SetLearningRate struct {
	Value float64
}

func (e SetLearningRate) apply(loop *Loop) error {
	if loop.setLearningRate != nil {
		if err := loop.setLearningRate(e.Value); err != nil {
			return err
		}
	}
	loop.state.LearningRate = e.Value
	return nil
}

// SetCropSize asks the loop to change the training resolution the dataset
// produces from the next batch on.
type SetCropSize struct {
	Size int
}

func (e SetCropSize) apply(loop *Loop) error {
	if loop.setCropSize != nil {
		if err := loop.setCropSize(e.Size); err != nil {
			return err
		}
	}
	loop.state.CropSize = e.Size
	return nil
}

// RecordMetric publishes a value into State.Metrics, visible to every
// extension running after the recording one.
type RecordMetric struct {
	Name  string
	Value float64
}

func (e RecordMetric) apply(loop *Loop) error {
	loop.state.Metrics[e.Name] = e.Value
	return nil
}

// RequestStop ends the loop after the current iteration's extensions.
type RequestStop struct {
	Reason string
}

func (e RequestStop) apply(loop *Loop) error {
	loop.stopReason = e.Reason
	loop.stopRequested = true
	return nil
}

// Loop drives training for a fixed number of iterations.
type Loop struct {
	stepper    Stepper
	extensions []*Extension
	sorted     bool

	state         State
	stopRequested bool
	stopReason    string

	setLearningRate func(value float64) error
	setCropSize     func(size int) error
}

// NewLoop creates a loop that will run totalIterations steps through the
// given stepper.
func NewLoop(stepper Stepper, totalIterations int) *Loop {
	return &Loop{
		stepper: stepper,
		state: State{
			TotalIterations: totalIterations,
			Metrics:         make(map[string]float64),
		},
	}
}

// HandleLearningRate installs the function that materializes
// SetLearningRate effects, typically writing the optimizer's learning
// rate variable.
func (loop *Loop) HandleLearningRate(fn func(value float64) error) *Loop {
	loop.setLearningRate = fn
	return loop
}

// HandleCropSize installs the function that materializes SetCropSize
// effects, typically YOLODataset.SetCropSize.
func (loop *Loop) HandleCropSize(fn func(size int) error) *Loop {
	loop.setCropSize = fn
	return loop
}

// Register adds an extension record to the schedule.
func (loop *Loop) Register(ext *Extension) *Loop {
	loop.extensions = append(loop.extensions, ext)
	loop.sorted = false
	return loop
}

// State returns a copy of the current loop state.
func (loop *Loop) State() State {
	state := loop.state
	state.Metrics = make(map[string]float64, len(loop.state.Metrics))
	for name, value := range loop.state.Metrics {
		state.Metrics[name] = value
	}
	return state
}

func (loop *Loop) sortExtensions() {
	if loop.sorted {
		return
	}
	sort.SliceStable(loop.extensions, func(i, j int) bool {
		return loop.extensions[i].Priority < loop.extensions[j].Priority
	})
	loop.sorted = true
}

// runExtensions triggers the schedule for the current state and applies
// the collected effects in extension order.
func (loop *Loop) runExtensions() error {
	for _, ext := range loop.extensions {
		if ext.Trigger != nil && !ext.Trigger(&loop.state) {
			continue
		}
		if ext.Action == nil {
			continue
		}
		effects, err := ext.Action(&loop.state)
		if err != nil {
			return errors.WithMessagef(err, "extension %q at iteration %d", ext.Name, loop.state.Iteration)
		}
		for _, effect := range effects {
			if err := effect.apply(loop); err != nil {
				return errors.WithMessagef(err, "applying effect of extension %q at iteration %d",
					ext.Name, loop.state.Iteration)
			}
		}
	}
	return nil
}

// finalizeExtensions runs the Finalize action of every extension that has
// one, still in priority order.
func (loop *Loop) finalizeExtensions() error {
	for _, ext := range loop.extensions {
		if ext.Finalize == nil {
			continue
		}
		effects, err := ext.Finalize(&loop.state)
		if err != nil {
			return errors.WithMessagef(err, "finalizing extension %q", ext.Name)
		}
		for _, effect := range effects {
			if err := effect.apply(loop); err != nil {
				return errors.WithMessagef(err, "applying final effect of extension %q", ext.Name)
			}
		}
	}
	return nil
}

// Run trains until TotalIterations steps completed, an extension requests
// a stop, or an error occurs. It returns the final state.
//
// The extension schedule runs once before the first step, with
// State.Iteration == 0, so schedules take effect from the start, and then
// after every completed step.
func (loop *Loop) Run(ds train.Dataset) (State, error) {
	loop.sortExtensions()
	if err := loop.runExtensions(); err != nil {
		return loop.State(), err
	}
	if distributedDS, ok := ds.(train.DistributedDataset); ok {
		return loop.run(func() ([]*tensors.Tensor, error) {
			return loop.distributedStep(distributedDS)
		})
	}
	return loop.run(func() ([]*tensors.Tensor, error) {
		return loop.hostStep(ds)
	})
}

func (loop *Loop) run(step func() ([]*tensors.Tensor, error)) (State, error) {
	for loop.state.Iteration < loop.state.TotalIterations && !loop.stopRequested {
		metrics, err := step()
		if err != nil {
			return loop.State(), errors.WithMessagef(err, "train step at iteration %d", loop.state.Iteration)
		}
		loss, err := scalarLoss(metrics)
		if err != nil {
			return loop.State(), err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return loop.State(), errors.Errorf("training diverged: loss is %v at iteration %d",
				loss, loop.state.Iteration+1)
		}
		loop.state.Iteration++
		loop.state.TrainLoss = loss
		if err := loop.runExtensions(); err != nil {
			return loop.State(), err
		}
	}
	if loop.stopRequested {
		klog.Infof("training stopped at iteration %d: %s", loop.state.Iteration, loop.stopReason)
	}
	if err := loop.finalizeExtensions(); err != nil {
		return loop.State(), err
	}
	return loop.State(), nil
}

func (loop *Loop) hostStep(ds train.Dataset) ([]*tensors.Tensor, error) {
	spec, inputs, labels, err := yieldWithRestart(ds)
	if err != nil {
		return nil, err
	}
	return loop.stepper.TrainStep(spec, inputs, labels)
}

func (loop *Loop) distributedStep(ds train.DistributedDataset) ([]*tensors.Tensor, error) {
	stepper, ok := loop.stepper.(DistributedStepper)
	if !ok {
		return nil, errors.Errorf("dataset %q is distributed but stepper %T cannot take distributed steps",
			ds.Name(), loop.stepper)
	}
	spec, inputs, labels, err := ds.DistributedYield()
	if err == io.EOF {
		ds.Reset()
		spec, inputs, labels, err = ds.DistributedYield()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "yielding from dataset %q", ds.Name())
	}
	return stepper.DistributedTrainStep(ds.Strategy(), ds.DeviceAssignment(), spec, inputs, labels)
}

// yieldWithRestart pulls the next batch, transparently restarting the
// dataset at the end of an epoch. Fixed-iteration training does not care
// about epoch boundaries.
func yieldWithRestart(ds train.Dataset) (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Yield()
	if err == io.EOF {
		ds.Reset()
		spec, inputs, labels, err = ds.Yield()
	}
	if err != nil {
		err = errors.WithMessagef(err, "yielding from dataset %q", ds.Name())
	}
	return
}

// scalarLoss extracts the batch loss, by convention the first metric
// returned by a step.
func scalarLoss(metrics []*tensors.Tensor) (float64, error) {
	if len(metrics) == 0 {
		return 0, errors.New("train step returned no metrics, expected the batch loss first")
	}
	t := metrics[0]
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("batch loss metric has shape %s, expected a scalar", t.Shape())
	}
	switch value := t.Value().(type) {
	case float32:
		return float64(value), nil
	case float64:
		return value, nil
	default:
		return 0, errors.Errorf("batch loss metric has unsupported dtype %s", t.DType())
	}
}
