// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// NumAnchorsPerScale is the number of prior boxes predicted per grid cell.
const NumAnchorsPerScale = 3

// NumScales is the number of detection scales (strides 32, 16 and 8).
const NumScales = 3

// Anchor is a prior box size in pixels at the 416x416 reference resolution.
type Anchor struct {
	Width, Height float32
}

// DefaultAnchors are the COCO priors, grouped by scale from the coarsest
// (stride 32) to the finest (stride 8).
var DefaultAnchors = [NumScales][NumAnchorsPerScale]Anchor{
	{{116, 90}, {156, 198}, {373, 326}},
	{{30, 61}, {62, 45}, {59, 119}},
	{{10, 13}, {16, 30}, {33, 23}},
}

// Strides of each detection scale relative to the input resolution, in the
// same order as DefaultAnchors.
var Strides = [NumScales]int{32, 16, 8}

// Config selects the detection head size and the loss behavior.
type Config struct {
	// NumClasses is the number of object categories to predict.
	NumClasses int

	// Anchors are the prior box sizes, per scale.
	Anchors [NumScales][NumAnchorsPerScale]Anchor

	// IgnoreThresh suppresses the no-objectness penalty for predictions
	// whose best IoU with any ground-truth box exceeds this value.
	IgnoreThresh float32
}

// NewConfig returns a Config with the COCO anchors and the usual 0.5
// ignore threshold.
func NewConfig(numClasses int) Config {
	return Config{
		NumClasses:   numClasses,
		Anchors:      DefaultAnchors,
		IgnoreThresh: 0.5,
	}
}

// outputChannels is the per-cell prediction width: box offsets, objectness
// and class logits for each anchor.
func (cfg Config) outputChannels() int {
	return NumAnchorsPerScale * (5 + cfg.NumClasses)
}

// convSet is the 5-convolution block shared by all detection branches,
// alternating 1x1 bottlenecks with 3x3 convolutions.
func convSet(ctx *context.Context, x *Node, channels int) *Node {
	x = convBlock(ctx.In("conv_0"), x, channels, 1, 1)
	x = convBlock(ctx.In("conv_1"), x, channels*2, 3, 1)
	x = convBlock(ctx.In("conv_2"), x, channels, 1, 1)
	x = convBlock(ctx.In("conv_3"), x, channels*2, 3, 1)
	return convBlock(ctx.In("conv_4"), x, channels, 1, 1)
}

// detectionBranch projects a feature map to the raw per-cell predictions.
// The final convolution is linear with bias, no batch normalization.
func detectionBranch(ctx *context.Context, x *Node, channels, outputChannels int) *Node {
	x = convBlock(ctx.In("conv"), x, channels*2, 3, 1)
	return layers.Convolution(ctx.In("project"), x).
		Channels(outputChannels).
		KernelSize(1).
		PadSame().
		Done()
}

// upsampleTo shrinks the channels with a 1x1 convolution and nearest-neighbor
// upsamples the spatial axes to match ref.
func upsampleTo(ctx *context.Context, x, ref *Node, channels int) *Node {
	x = convBlock(ctx.In("route"), x, channels, 1, 1)
	dims := ref.Shape().Dimensions
	return Interpolate(x, NoInterpolation, dims[1], dims[2], NoInterpolation).
		Nearest().Done()
}

// Graph builds the full YOLOv3 graph over a batch of images shaped
// [batch, size, size, 3]. It returns the raw head outputs for each scale,
// ordered coarsest first, shaped [batch, s, s, 3*(5+numClasses)] where s
// is size divided by the scale's stride.
func (cfg Config) Graph(ctx *context.Context, images *Node) []*Node {
	stride8, stride16, stride32 := Darknet53(ctx, images)
	ctx = ctx.In("yolov3")
	out := cfg.outputChannels()

	x := convSet(ctx.In("scale_32"), stride32, 512)
	out32 := detectionBranch(ctx.In("scale_32"), x, 512, out)

	up := upsampleTo(ctx.In("scale_16"), x, stride16, 256)
	x = Concatenate([]*Node{up, stride16}, -1)
	x = convSet(ctx.In("scale_16"), x, 256)
	out16 := detectionBranch(ctx.In("scale_16"), x, 256, out)

	up = upsampleTo(ctx.In("scale_8"), x, stride8, 128)
	x = Concatenate([]*Node{up, stride8}, -1)
	x = convSet(ctx.In("scale_8"), x, 128)
	out8 := detectionBranch(ctx.In("scale_8"), x, 128, out)

	return []*Node{out32, out16, out8}
}
