// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSteps(t *testing.T) {
	steps, err := ResolveSteps([]int{-10200, -5200}, 50200)
	require.NoError(t, err)
	assert.Equal(t, []int{40000, 45000}, steps)

	steps, err = ResolveSteps([]int{45000, 40000}, 50200)
	require.NoError(t, err)
	assert.Equal(t, []int{40000, 45000}, steps, "steps should be sorted")

	_, err = ResolveSteps([]int{50200}, 50200)
	assert.Error(t, err, "a step at the total iteration count never fires")

	_, err = ResolveSteps([]int{-60000}, 50200)
	assert.Error(t, err, "a negative step resolving below zero is a configuration error")

	steps, err = ResolveSteps(nil, 100)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestLRScheduleBurnIn(t *testing.T) {
	s, err := NewLRSchedule(0.001, 1000, nil, nil, 2000)
	require.NoError(t, err)

	// Power-4 ramp from a near-zero start up to the base rate.
	assert.InDelta(t, 0.001*math.Pow(1.0/1000, 4), s.At(0), 1e-18)
	assert.InDelta(t, 0.001*math.Pow(500.0/1000, 4), s.At(499), 1e-12)
	assert.InDelta(t, 0.001, s.At(999), 1e-12)
	assert.InDelta(t, 0.001, s.At(1000), 1e-12)
	assert.InDelta(t, 0.001, s.At(1999), 1e-12)
}

func TestLRScheduleSteps(t *testing.T) {
	s, err := NewLRSchedule(0.001, 100, []int{-200, -100}, []float64{0.1, 0.1}, 1000)
	require.NoError(t, err)

	assert.InDelta(t, 0.001, s.At(100), 1e-12)
	assert.InDelta(t, 0.001, s.At(799), 1e-12)
	assert.InDelta(t, 0.0001, s.At(800), 1e-12, "first step scales by 0.1")
	assert.InDelta(t, 0.0001, s.At(899), 1e-12)
	assert.InDelta(t, 0.00001, s.At(900), 1e-12, "second step compounds")
	assert.InDelta(t, 0.00001, s.At(999), 1e-12)
}

func TestLRScheduleValidation(t *testing.T) {
	_, err := NewLRSchedule(0, 100, nil, nil, 1000)
	assert.Error(t, err, "base learning rate must be positive")

	_, err = NewLRSchedule(0.001, 100, []int{500}, []float64{0.1, 0.1}, 1000)
	assert.Error(t, err, "steps and scales lengths must match")
}

func TestCropScheduleSizeAt(t *testing.T) {
	sizes := DefaultCropSizes()
	assert.Equal(t, []int{320, 352, 384, 416, 448}, sizes)

	s, err := NewCropSchedule(sizes, 1000)
	require.NoError(t, err)

	assert.Equal(t, 320, s.SizeAt(0))
	assert.Equal(t, 320, s.SizeAt(199))
	assert.Equal(t, 352, s.SizeAt(200))
	assert.Equal(t, 448, s.SizeAt(999))
	// Frozen at the last size from the cutoff onwards.
	assert.Equal(t, 448, s.SizeAt(1000))
	assert.Equal(t, 448, s.SizeAt(5000))
}

func TestCropScheduleDeterminism(t *testing.T) {
	s, err := NewCropSchedule(DefaultCropSizes(), 777)
	require.NoError(t, err)
	for iteration := 0; iteration < 1000; iteration++ {
		assert.Equal(t, s.SizeAt(iteration), s.SizeAt(iteration),
			"iteration %d", iteration)
	}
}

func TestDarknetShiftEmitsLearningRate(t *testing.T) {
	s, err := NewLRSchedule(0.001, 10, nil, nil, 100)
	require.NoError(t, err)
	ext := DarknetShift(s)

	state := &State{Iteration: 9, TotalIterations: 100}
	require.True(t, ext.Trigger(state))
	effects, err := ext.Action(state)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	lr, ok := effects[0].(SetLearningRate)
	require.True(t, ok)
	assert.InDelta(t, 0.001, lr.Value, 1e-12)
}

func TestCropSizeUpdaterEmitsOnChangeOnly(t *testing.T) {
	s, err := NewCropSchedule([]int{320, 352}, 10)
	require.NoError(t, err)
	ext := CropSizeUpdater(s)

	var changes []int
	for iteration := 0; iteration <= 12; iteration++ {
		state := &State{Iteration: iteration, TotalIterations: 12}
		require.True(t, ext.Trigger(state))
		effects, err := ext.Action(state)
		require.NoError(t, err)
		for _, effect := range effects {
			changes = append(changes, effect.(SetCropSize).Size)
		}
	}
	assert.Equal(t, []int{320, 352}, changes)
}
