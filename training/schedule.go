// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Extension priorities, ascending order runs first. Schedules run before
// evaluation so reports and snapshots observe the values already applied.
const (
	PriorityScheduling = 100
	PriorityEvaluation = 200
	PriorityReporting  = 300
	PrioritySnapshot   = 400
	PriorityProgress   = 500
)

// ResolveSteps turns the learning-rate step milestones into absolute
// iterations: a negative value counts back from totalIterations. A
// resolved milestone outside [0, totalIterations) is a configuration
// error.
func ResolveSteps(steps []int, totalIterations int) ([]int, error) {
	resolved := make([]int, len(steps))
	for ii, step := range steps {
		value := step
		if value < 0 {
			value += totalIterations
		}
		if value < 0 || value >= totalIterations {
			return nil, errors.Errorf(
				"learning-rate step %d resolves to iteration %d, outside of [0, %d)",
				step, value, totalIterations)
		}
		resolved[ii] = value
	}
	sort.Ints(resolved)
	return resolved, nil
}

// LRSchedule is the darknet learning-rate policy: a polynomial burn-in
// ramp up to the base rate, then multiplicative decays at fixed
// milestones.
type LRSchedule struct {
	base   float64
	burnIn int
	steps  []int
	scales []float64
}

// NewLRSchedule builds the schedule, resolving negative step milestones
// against totalIterations. scales must have one entry per step.
func NewLRSchedule(base float64, burnIn int, steps []int, scales []float64, totalIterations int) (*LRSchedule, error) {
	if base <= 0 {
		return nil, errors.Errorf("base learning rate must be positive, got %g", base)
	}
	if len(scales) != len(steps) {
		return nil, errors.Errorf("got %d learning-rate scales for %d steps", len(scales), len(steps))
	}
	resolved, err := ResolveSteps(steps, totalIterations)
	if err != nil {
		return nil, err
	}
	return &LRSchedule{
		base:   base,
		burnIn: burnIn,
		steps:  resolved,
		scales: scales,
	}, nil
}

// At returns the learning rate in force for the step following the given
// completed iteration count. It is a pure function of its input.
func (s *LRSchedule) At(iteration int) float64 {
	if s.burnIn > 0 && iteration < s.burnIn {
		return s.base * math.Pow(float64(iteration+1)/float64(s.burnIn), 4)
	}
	lr := s.base
	for ii, step := range s.steps {
		if iteration >= step {
			lr *= s.scales[ii]
		}
	}
	return lr
}

// DarknetShift returns the extension that keeps the optimizer learning
// rate on the schedule. It fires on every pass so the burn-in ramp takes
// effect from the very first step.
func DarknetShift(schedule *LRSchedule) *Extension {
	return &Extension{
		Name:     "darknet_shift",
		Priority: PriorityScheduling,
		Trigger:  Always(),
		Action: func(state *State) ([]Effect, error) {
			return []Effect{SetLearningRate{Value: schedule.At(state.Iteration)}}, nil
		},
	}
}

// CropSchedule grows the training resolution through a fixed list of
// sizes over the first cutoff iterations, deterministically, then freezes
// it.
type CropSchedule struct {
	sizes  []int
	cutoff int
}

// DefaultCropSizes are the multi-scale training resolutions, (10+i)*32
// for i in 0..4.
func DefaultCropSizes() []int {
	sizes := make([]int, 5)
	for ii := range sizes {
		sizes[ii] = (10 + ii) * 32
	}
	return sizes
}

// NewCropSchedule builds the schedule. cutoff is the iteration after
// which the size stays at the last entry; sizes must be non-empty.
func NewCropSchedule(sizes []int, cutoff int) (*CropSchedule, error) {
	if len(sizes) == 0 {
		return nil, errors.New("crop schedule needs at least one size")
	}
	if cutoff < 1 {
		return nil, errors.Errorf("crop schedule cutoff must be at least 1, got %d", cutoff)
	}
	return &CropSchedule{sizes: sizes, cutoff: cutoff}, nil
}

// SizeAt returns the crop size in force after the given completed
// iteration count. Sizes advance evenly over [0, cutoff) and freeze at
// the largest size from cutoff on.
func (s *CropSchedule) SizeAt(iteration int) int {
	if iteration >= s.cutoff {
		return s.sizes[len(s.sizes)-1]
	}
	idx := iteration * len(s.sizes) / s.cutoff
	if idx >= len(s.sizes) {
		idx = len(s.sizes) - 1
	}
	return s.sizes[idx]
}

// CropSizeUpdater returns the extension that keeps the dataset crop size
// on the schedule.
func CropSizeUpdater(schedule *CropSchedule) *Extension {
	last := -1
	return &Extension{
		Name:     "crop_size",
		Priority: PriorityScheduling,
		Trigger:  Always(),
		Action: func(state *State) ([]Effect, error) {
			size := schedule.SizeAt(state.Iteration)
			if size == last {
				return nil, nil
			}
			last = size
			return []Effect{SetCropSize{Size: size}}, nil
		},
	}
}
