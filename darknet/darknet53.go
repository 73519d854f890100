// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package darknet builds the Darknet-53 backbone and the YOLOv3 detection
// head as GoMLX computation graphs, along with the multi-part detection
// loss and a host-side predictor that decodes raw head outputs into boxes.
//
// The model graph is fully convolutional: the same context variables serve
// any input resolution that is a multiple of 32, which is what allows the
// training loop to change the crop size between iterations.
package darknet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// convBlock is the basic Darknet unit: convolution without bias, batch
// normalization over the channels axis and leaky ReLU with slope 0.1.
func convBlock(ctx *context.Context, x *Node, channels, kernelSize, stride int) *Node {
	x = layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		UseBias(false).
		Done()
	x = batchnorm.New(ctx, x, -1).Done()
	return activations.LeakyReluWith(x, 0.1)
}

// residualBlock bottlenecks to half the channels with a 1x1 convolution,
// expands back with a 3x3 and adds the input.
func residualBlock(ctx *context.Context, x *Node, channels int) *Node {
	shortcut := x
	x = convBlock(ctx.In("conv_0"), x, channels/2, 1, 1)
	x = convBlock(ctx.In("conv_1"), x, channels, 3, 1)
	return Add(x, shortcut)
}

// residualStage downsamples with a stride-2 convolution and stacks
// numBlocks residual blocks at the given channel width.
func residualStage(ctx *context.Context, x *Node, channels, numBlocks int) *Node {
	x = convBlock(ctx.In("downsample"), x, channels, 3, 2)
	for ii := range numBlocks {
		x = residualBlock(ctx.Inf("block_%d", ii), x, channels)
	}
	return x
}

// Darknet53 computes the backbone features for a batch of images shaped
// [batch, height, width, 3] with values in [0, 1].
//
// It returns the three feature maps consumed by the detection head, at
// strides 8, 16 and 32 of the input resolution.
func Darknet53(ctx *context.Context, images *Node) (stride8, stride16, stride32 *Node) {
	ctx = ctx.In("darknet53")
	x := convBlock(ctx.In("stem"), images, 32, 3, 1)
	x = residualStage(ctx.In("stage_1"), x, 64, 1)
	x = residualStage(ctx.In("stage_2"), x, 128, 2)
	stride8 = residualStage(ctx.In("stage_3"), x, 256, 8)
	stride16 = residualStage(ctx.In("stage_4"), stride8, 512, 8)
	stride32 = residualStage(ctx.In("stage_5"), stride16, 1024, 4)
	return
}
