// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headOutput builds a zeroed raw head tensor for the given scale. Zero
// logits decode to a combined score of 0.25, below the default threshold.
func headOutput(cfg Config, batchSize, gridSize int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, gridSize, gridSize, cfg.outputChannels()))
}

// setCell overwrites the logits of one anchor slot.
func setCell(t *testing.T, out *tensors.Tensor, numFields, b, y, x, a int, values []float32) {
	t.Helper()
	dims := out.Shape().Dimensions
	gridSize := dims[1]
	require.Len(t, values, numFields)
	tensors.MustMutableFlatData[float32](out, func(flat []float32) {
		pos := (((b*gridSize+y)*gridSize+x)*NumAnchorsPerScale + a) * numFields
		copy(flat[pos:pos+numFields], values)
	})
}

func testDecodeConfig() Config {
	cfg := NewConfig(2)
	cfg.Anchors = [NumScales][NumAnchorsPerScale]Anchor{
		{{16, 16}, {24, 24}, {32, 32}},
		{{8, 8}, {12, 12}, {16, 16}},
		{{4, 4}, {6, 6}, {8, 8}},
	}
	return cfg
}

func TestDecode(t *testing.T) {
	cfg := testDecodeConfig()
	numFields := 5 + cfg.NumClasses

	// A 64-pixel input: grids of 2, 4 and 8 cells.
	outputs := []*tensors.Tensor{
		headOutput(cfg, 2, 2),
		headOutput(cfg, 2, 4),
		headOutput(cfg, 2, 8),
	}

	// Image 0: one confident class-0 box at the coarse scale, plus the
	// same box through a second anchor slot, for NMS to collapse.
	setCell(t, outputs[0], numFields, 0, 0, 1, 0, []float32{0, 0, 0, 0, 10, 10, -10})
	shrink := float32(math.Log(16.0 / 24.0))
	setCell(t, outputs[0], numFields, 0, 0, 1, 1, []float32{0, 0, shrink, shrink, 5, 5, -10})

	// Image 1: one class-1 box at the fine scale.
	setCell(t, outputs[2], numFields, 1, 4, 4, 2, []float32{0, 0, 0, 0, 10, -10, 10})

	detections, err := cfg.Decode(outputs, DefaultScoreThresh, DefaultNMSThresh)
	require.NoError(t, err)
	require.Len(t, detections, 2)

	require.Len(t, detections[0], 1, "overlapping anchors collapse to the best scorer")
	det := detections[0][0]
	assert.Equal(t, 0, det.Class)
	assert.Greater(t, det.Score, float32(0.99))
	// Cell (1, 0) of a 2x2 grid with a 16-pixel anchor on a 64-pixel input.
	assert.InDelta(t, 0.625, det.XMin, 1e-4)
	assert.InDelta(t, 0.875, det.XMax, 1e-4)
	assert.InDelta(t, 0.125, det.YMin, 1e-4)
	assert.InDelta(t, 0.375, det.YMax, 1e-4)

	require.Len(t, detections[1], 1)
	det = detections[1][0]
	assert.Equal(t, 1, det.Class)
	assert.InDelta(t, 0.5625, (det.XMin+det.XMax)/2, 1e-4)
	assert.InDelta(t, 0.125, det.XMax-det.XMin, 1e-4)
}

func TestDecodeScoreThreshold(t *testing.T) {
	cfg := testDecodeConfig()
	outputs := []*tensors.Tensor{
		headOutput(cfg, 1, 2),
		headOutput(cfg, 1, 4),
		headOutput(cfg, 1, 8),
	}
	// Zero logits everywhere: objectness 0.5 times class prob 0.5 stays
	// under any threshold above 0.25.
	detections, err := cfg.Decode(outputs, 0.3, DefaultNMSThresh)
	require.NoError(t, err)
	for _, dets := range detections {
		assert.Empty(t, dets)
	}

	detections, err = cfg.Decode(outputs, 0.2, DefaultNMSThresh)
	require.NoError(t, err)
	assert.NotEmpty(t, detections[0])
}

func TestDecodeValidation(t *testing.T) {
	cfg := testDecodeConfig()

	_, err := cfg.Decode([]*tensors.Tensor{headOutput(cfg, 1, 2)}, 0.5, 0.45)
	assert.Error(t, err, "needs one output per scale")

	wrong := NewConfig(5)
	_, err = cfg.Decode([]*tensors.Tensor{
		headOutput(wrong, 1, 2), headOutput(wrong, 1, 4), headOutput(wrong, 1, 8),
	}, 0.5, 0.45)
	assert.Error(t, err, "channel count must match the class count")

	_, err = cfg.Decode([]*tensors.Tensor{
		headOutput(cfg, 1, 2), headOutput(cfg, 2, 4), headOutput(cfg, 1, 8),
	}, 0.5, 0.45)
	assert.Error(t, err, "batch sizes must agree across scales")
}

func TestIoU(t *testing.T) {
	a := Detection{XMin: 0, YMin: 0, XMax: 1, YMax: 1}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-6)

	b := Detection{XMin: 0.5, YMin: 0, XMax: 1.5, YMax: 1}
	assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-6)

	c := Detection{XMin: 2, YMin: 2, XMax: 3, YMax: 3}
	assert.Zero(t, IoU(a, c))
}

func TestNonMaxSuppression(t *testing.T) {
	dets := []Detection{
		{XMin: 0, YMin: 0, XMax: 1, YMax: 1, Class: 0, Score: 0.8},
		{XMin: 0.05, YMin: 0.05, XMax: 1, YMax: 1, Class: 0, Score: 0.9},
		{XMin: 0.05, YMin: 0.05, XMax: 1, YMax: 1, Class: 1, Score: 0.7},
		{XMin: 2, YMin: 2, XMax: 3, YMax: 3, Class: 0, Score: 0.6},
	}
	kept := nonMaxSuppression(dets, 0.45)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0.9), kept[0].Score, "highest score wins its cluster")
	// A different class is never suppressed, nor is a disjoint box.
	assert.Equal(t, 1, kept[1].Class)
	assert.Equal(t, float32(0.6), kept[2].Score)
}
