// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWeights(entries map[string]*tensors.Tensor) *Weights {
	return &Weights{entries: entries}
}

func TestWeightsRoundTrip(t *testing.T) {
	ctx := context.New()
	ctx.In("darknet53").In("stem").In("conv").
		VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.In("yolov3").In("detect_32").
		VariableWithValue("offset", []float32{0.5})

	filePath := filepath.Join(t.TempDir(), "yolov3_snapshot.npz")
	require.NoError(t, SaveWeights(ctx, filePath))

	weights, err := LoadWeightsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/darknet53/stem/conv/weights",
		"/yolov3/detect_32/offset",
	}, weights.Keys())

	value, found := weights.LoadVariable(ctx, "/darknet53/stem/conv", "weights")
	require.True(t, found)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, value.Value())

	// Entries are handed over once.
	_, found = weights.LoadVariable(ctx, "/darknet53/stem/conv", "weights")
	assert.False(t, found)

	_, found = weights.LoadVariable(ctx, "/darknet53/stem/conv", "biases")
	assert.False(t, found)
}

func TestWeightsBackboneOnly(t *testing.T) {
	weights := testWeights(map[string]*tensors.Tensor{
		"/darknet53/stem/conv/weights":          tensors.FromValue([]float32{1}),
		"/darknet53/stage_0/block_0/conv/scale": tensors.FromValue([]float32{2}),
		"/yolov3/detect_32/project/conv/biases": tensors.FromValue([]float32{3}),
	})
	backbone := weights.BackboneOnly()
	assert.Equal(t, []string{
		"/darknet53/stage_0/block_0/conv/scale",
		"/darknet53/stem/conv/weights",
	}, backbone.Keys())
	// The original set is untouched.
	assert.Len(t, weights.Keys(), 3)
}

func TestWeightsValidateClasses(t *testing.T) {
	headBiases := tensors.FromShape(shapes.Make(dtypes.Float32, NumAnchorsPerScale*(5+80)))
	weights := testWeights(map[string]*tensors.Tensor{
		"/yolov3/detect_32/project/conv/biases": headBiases,
		"/darknet53/stem/conv/weights":          tensors.FromValue([]float32{1}),
	})

	require.NoError(t, weights.ValidateClasses(80))

	err := weights.ValidateClasses(20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "80 classes")
	assert.Contains(t, err.Error(), "configured for 20")
}

func TestWeightsValidateClassesBackboneOnly(t *testing.T) {
	weights := testWeights(map[string]*tensors.Tensor{
		"/darknet53/stem/conv/weights": tensors.FromValue([]float32{1}),
	})
	// No detection head stored: any class count is acceptable.
	assert.NoError(t, weights.ValidateClasses(20))
	assert.NoError(t, weights.ValidateClasses(80))
}

func TestAttachLoadsVariables(t *testing.T) {
	stored := tensors.FromValue([]float32{7, 8, 9})
	weights := testWeights(map[string]*tensors.Tensor{
		"/darknet53/stem/conv/biases": stored,
	})

	ctx := context.New()
	weights.Attach(ctx)
	v := ctx.In("darknet53").In("stem").In("conv").
		VariableWithValue("biases", []float32{0, 0, 0})
	value, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8, 9}, value.Value())
}
