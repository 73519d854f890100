// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
)

const (
	// MomentumDefaultLearningRate matches the usual darknet training setup.
	MomentumDefaultLearningRate = 0.001

	// MomentumDefaultScope is the context scope holding the velocity slots.
	MomentumDefaultScope = "momentum_sgd"
)

// MomentumSGDConfig configures a classic momentum SGD optimizer with
// decoupled hooks for weight decay and global-norm gradient clipping.
// Build it with MomentumSGD and finish with Done.
type MomentumSGDConfig struct {
	learningRate float64
	momentum     float64
	weightDecay  float64
	gradientClip float64
	scopeName    string
}

// MomentumSGD returns a builder for the optimizer. Defaults: learning rate
// 0.001 (or the context's "learning_rate" parameter), momentum 0.9, no
// weight decay, no gradient clipping.
func MomentumSGD() *MomentumSGDConfig {
	return &MomentumSGDConfig{
		learningRate: -1,
		momentum:     0.9,
		scopeName:    MomentumDefaultScope,
	}
}

// WithLearningRate sets the initial learning rate.
func (cfg *MomentumSGDConfig) WithLearningRate(lr float64) *MomentumSGDConfig {
	cfg.learningRate = lr
	return cfg
}

// WithMomentum sets the velocity decay factor.
func (cfg *MomentumSGDConfig) WithMomentum(momentum float64) *MomentumSGDConfig {
	cfg.momentum = momentum
	return cfg
}

// WithWeightDecay adds rate*weight to every gradient before the update.
func (cfg *MomentumSGDConfig) WithWeightDecay(rate float64) *MomentumSGDConfig {
	cfg.weightDecay = rate
	return cfg
}

// WithGradientClip rescales all gradients so their global L2 norm never
// exceeds threshold. Zero disables clipping.
func (cfg *MomentumSGDConfig) WithGradientClip(threshold float64) *MomentumSGDConfig {
	cfg.gradientClip = threshold
	return cfg
}

// Done returns the configured optimizers.Interface.
func (cfg *MomentumSGDConfig) Done() optimizers.Interface {
	return &momentumSGD{config: *cfg}
}

type momentumSGD struct {
	config MomentumSGDConfig
}

// UpdateGraph builds the graph updating the weights for one training step.
// It implements optimizers.Interface.
func (o *momentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	_ = g
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

func (o *momentumSGD) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		return
	}
	dtype := lossDType
	g := grads[0].Graph()

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, MomentumDefaultLearningRate)
	}
	lrVar := optimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	// Collect trainable variables in gradient order.
	trainables := make([]*context.Variable, 0, len(grads))
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainables = append(trainables, v)
		}
	}
	if len(trainables) != len(grads) {
		exceptions.Panicf("got gradients for %d variables but %d trainable variables in use -- were variables "+
			"created in between?", len(grads), len(trainables))
	}

	if o.config.weightDecay > 0 {
		decay := ConstAsDType(g, dtype, o.config.weightDecay)
		for ii, v := range trainables {
			weight := ConvertDType(v.ValueGraph(g), dtype)
			grads[ii] = Add(grads[ii], Mul(decay, weight))
		}
	}
	if o.config.gradientClip > 0 {
		grads = clipByGlobalNorm(g, grads, dtype, o.config.gradientClip)
	}

	momentum := ConstAsDType(g, dtype, o.config.momentum)
	for ii, v := range trainables {
		velocityVar := o.velocityVariable(ctx, v, dtype)
		velocity := velocityVar.ValueGraph(g)
		velocity = Sub(Mul(momentum, velocity), Mul(learningRate, grads[ii]))
		velocityVar.SetValueGraph(velocity)

		updated := Add(ConvertDType(v.ValueGraph(g), dtype), velocity)
		if updated.DType() != v.Shape().DType {
			updated = ConvertDType(updated, v.Shape().DType)
		}
		v.SetValueGraph(updated)
	}
}

// clipByGlobalNorm scales all gradients by threshold/norm whenever the
// global L2 norm exceeds the threshold.
func clipByGlobalNorm(g *Graph, grads []*Node, dtype dtypes.DType, threshold float64) []*Node {
	var sumSquares *Node
	for _, grad := range grads {
		ss := ReduceAllSum(Square(ConvertDType(grad, dtype)))
		if sumSquares == nil {
			sumSquares = ss
		} else {
			sumSquares = Add(sumSquares, ss)
		}
	}
	norm := Sqrt(sumSquares)
	limit := ConstAsDType(g, dtype, threshold)
	scale := MinScalar(Div(limit, MaxScalar(norm, 1e-12)), 1.0)
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(ConvertDType(grad, dtype), scale)
	}
	return clipped
}

// velocityVariable returns (creating if needed) the momentum slot mirroring
// the trainable variable, under the optimizer scope.
func (o *momentumSGD) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	name := fmt.Sprintf("%s_velocity", trainable.Name())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, shape).
		SetTrainable(false)
}

// Clear drops all velocity slots. It implements optimizers.Interface.
func (o *momentumSGD) Clear(ctx *context.Context) error {
	return ctx.In(o.config.scopeName).DeleteVariablesInScope()
}
