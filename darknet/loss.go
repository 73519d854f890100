// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/compute/dtypes"
)

// Loss returns the YOLOv3 training loss over the raw head outputs.
//
// It matches the losses.LossFn signature used by the trainer: labels[0] are
// the collated ground-truth boxes shaped [batch, MaxBoxes, 5] with rows
// (class, cx, cy, w, h) and class = -1 marking padding, and predictions are
// the three per-scale head outputs from Config.Graph.
//
// Each ground-truth box is assigned to the anchor with the highest IoU
// against its width and height, at the grid cell containing its center.
// The loss sums squared errors on the box offsets, binary cross-entropy on
// objectness and per-class binary cross-entropy, averaged over the batch.
// Predictions overlapping any ground-truth box above IgnoreThresh are
// exempt from the no-objectness penalty.
func Loss(cfg Config) func(labels, predictions []*Node) *Node {
	return func(labels, predictions []*Node) *Node {
		boxes := labels[0]
		var total *Node
		for scaleIdx, raw := range predictions {
			l := cfg.scaleLoss(scaleIdx, raw, boxes)
			if total == nil {
				total = l
			} else {
				total = Add(total, l)
			}
		}
		return total
	}
}

// sigmoidCrossEntropy is the numerically stable BCE on logits:
// max(x, 0) - x*z + log(1 + exp(-|x|)).
func sigmoidCrossEntropy(logits, targets *Node) *Node {
	return Add(
		Sub(Max(logits, ZerosLike(logits)), Mul(logits, targets)),
		Log1P(Exp(Neg(Abs(logits)))))
}

// scaleLoss computes the loss contribution of one detection scale.
func (cfg Config) scaleLoss(scaleIdx int, raw, boxes *Node) *Node {
	g := raw.Graph()
	dims := raw.Shape().Dimensions
	batchSize, gridSize := dims[0], dims[1]
	inputSize := float64(gridSize * Strides[scaleIdx])
	numClasses := cfg.NumClasses

	// [batch, s, s, anchors, 5+classes]
	pred := Reshape(raw, batchSize, gridSize, gridSize, NumAnchorsPerScale, 5+numClasses)
	rawXY := Slice(pred, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 2))
	rawWH := Slice(pred, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRange(2, 4))
	objLogit := Squeeze(Slice(pred, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(4)), -1)
	classLogits := Slice(pred, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisRange(5, 5+numClasses))

	// Ground-truth columns, [batch, MaxBoxes].
	col := func(idx int) *Node {
		return Squeeze(Slice(boxes, AxisRange(), AxisRange(), AxisElem(idx)), -1)
	}
	gtClass := col(0)
	gtCX, gtCY := col(1), col(2)
	gtW, gtH := col(3), col(4)
	valid := ConvertDType(GreaterOrEqual(gtClass, ZerosLike(gtClass)), dtypes.Float32)

	// Anchor sizes normalized to the current input resolution.
	anchorW := make([]float32, 0, NumScales*NumAnchorsPerScale)
	anchorH := make([]float32, 0, NumScales*NumAnchorsPerScale)
	for _, scaleAnchors := range cfg.Anchors {
		for _, a := range scaleAnchors {
			anchorW = append(anchorW, a.Width/float32(inputSize))
			anchorH = append(anchorH, a.Height/float32(inputSize))
		}
	}
	allAnchorsW := Const(g, anchorW) // [9]
	allAnchorsH := Const(g, anchorH)

	// Best matching anchor per box over all scales, by width/height IoU.
	// [batch, MaxBoxes, 9]
	w3 := ExpandAxes(gtW, -1)
	h3 := ExpandAxes(gtH, -1)
	aw3 := ExpandAxes(allAnchorsW, 0, 1)
	ah3 := ExpandAxes(allAnchorsH, 0, 1)
	inter := Mul(Min(w3, aw3), Min(h3, ah3))
	union := Sub(Add(Mul(w3, h3), Mul(aw3, ah3)), inter)
	anchorIoU := Div(inter, AddScalar(union, 1e-9))
	bestAnchor := ArgMax(anchorIoU, -1, dtypes.Int32) // [batch, MaxBoxes]
	anchorHot9 := OneHot(bestAnchor, NumScales*NumAnchorsPerScale, dtypes.Float32)
	// Slots of this scale only: [batch, MaxBoxes, anchors]
	first := scaleIdx * NumAnchorsPerScale
	anchorHot := Slice(anchorHot9, AxisRange(), AxisRange(), AxisRange(first, first+NumAnchorsPerScale))

	// Cell containing each box center.
	fGrid := float64(gridSize)
	cellX := Floor(MinScalar(MulScalar(gtCX, fGrid), fGrid-1))
	cellY := Floor(MinScalar(MulScalar(gtCY, fGrid), fGrid-1))
	inCellX := Sub(MulScalar(gtCX, fGrid), cellX)
	inCellY := Sub(MulScalar(gtCY, fGrid), cellY)
	hotX := OneHot(ConvertDType(cellX, dtypes.Int32), gridSize, dtypes.Float32) // [batch, MaxBoxes, s]
	hotY := OneHot(ConvertDType(cellY, dtypes.Int32), gridSize, dtypes.Float32)

	// Responsibility mask: [batch, MaxBoxes, s(y), s(x), anchors]
	cellMask := Mul(
		Mul(ExpandAxes(hotY, 3, 4), ExpandAxes(hotX, 2, 4)),
		Mul(ExpandAxes(anchorHot, 2, 3), ExpandAxes(valid, 2, 3, 4)))
	cellMask = StopGradient(cellMask)

	// Scatter a per-box value onto the grid. [batch, s, s, anchors]
	scatter := func(values *Node) *Node {
		return ReduceSum(Mul(cellMask, ExpandAxes(values, 2, 3, 4)), 1)
	}
	objTarget := ReduceMax(cellMask, 1)
	txTarget := scatter(inCellX)
	tyTarget := scatter(inCellY)
	// Avoid log(0) on padding rows, they are masked out anyway.
	safeW := MaxScalar(gtW, 1e-6)
	safeH := MaxScalar(gtH, 1e-6)
	anchorOfBoxW := ReduceSum(Mul(anchorHot9, aw3), -1) // [batch, MaxBoxes]
	anchorOfBoxH := ReduceSum(Mul(anchorHot9, ah3), -1)
	twTarget := scatter(Log(Div(safeW, MaxScalar(anchorOfBoxW, 1e-6))))
	thTarget := scatter(Log(Div(safeH, MaxScalar(anchorOfBoxH, 1e-6))))
	// Small boxes get their coordinate errors weighted up.
	boxScale := scatter(Sub(ConstAs(gtW, 2.0), Mul(gtW, gtH)))
	classIdx := scatter(Max(gtClass, ZerosLike(gtClass)))
	classTarget := OneHot(ConvertDType(classIdx, dtypes.Int32), numClasses, dtypes.Float32)

	// Decoded predictions for the ignore mask, normalized to [0, 1].
	sigXY := Sigmoid(rawXY)
	gridIdxX := Iota(g, shapes.Make(dtypes.Float32, batchSize, gridSize, gridSize, NumAnchorsPerScale), 2)
	gridIdxY := Iota(g, shapes.Make(dtypes.Float32, batchSize, gridSize, gridSize, NumAnchorsPerScale), 1)
	predCX := DivScalar(Add(gridIdxX, Squeeze(Slice(sigXY, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(0)), -1)), fGrid)
	predCY := DivScalar(Add(gridIdxY, Squeeze(Slice(sigXY, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(1)), -1)), fGrid)
	scaleAnchorsW := Const(g, anchorW[first:first+NumAnchorsPerScale])
	scaleAnchorsH := Const(g, anchorH[first:first+NumAnchorsPerScale])
	rawW := Squeeze(Slice(rawWH, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(0)), -1)
	rawH := Squeeze(Slice(rawWH, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(1)), -1)
	predW := Mul(ExpandAxes(scaleAnchorsW, 0, 1, 2), Exp(rawW))
	predH := Mul(ExpandAxes(scaleAnchorsH, 0, 1, 2), Exp(rawH))

	// IoU of every prediction against every ground-truth box:
	// predictions as [batch, s, s, anchors, 1], boxes as [batch, 1, 1, 1, MaxBoxes].
	predIoU := boxIoU(
		ExpandAxes(predCX, -1), ExpandAxes(predCY, -1),
		ExpandAxes(predW, -1), ExpandAxes(predH, -1),
		ExpandAxes(gtCX, 1, 2, 3), ExpandAxes(gtCY, 1, 2, 3),
		ExpandAxes(Mul(gtW, valid), 1, 2, 3), ExpandAxes(Mul(gtH, valid), 1, 2, 3))
	bestIoU := ReduceMax(predIoU, -1) // [batch, s, s, anchors]
	ignoreFree := ConvertDType(
		LessThan(bestIoU, ConstAs(bestIoU, cfg.IgnoreThresh)), dtypes.Float32)
	ignoreFree = StopGradient(ignoreFree)

	coordWeight := Mul(objTarget, boxScale)
	lossXY := Mul(coordWeight, Add(
		Square(Sub(Squeeze(Slice(sigXY, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(0)), -1), txTarget)),
		Square(Sub(Squeeze(Slice(sigXY, AxisRange(), AxisRange(), AxisRange(), AxisRange(), AxisElem(1)), -1), tyTarget))))
	lossWH := MulScalar(Mul(coordWeight, Add(
		Square(Sub(rawW, twTarget)),
		Square(Sub(rawH, thTarget)))), 0.5)
	objBCE := sigmoidCrossEntropy(objLogit, objTarget)
	lossObj := Add(
		Mul(objTarget, objBCE),
		Mul(Mul(OneMinus(objTarget), ignoreFree), objBCE))
	lossClass := Mul(ExpandAxes(objTarget, -1), sigmoidCrossEntropy(classLogits, classTarget))

	total := Add(
		Add(ReduceAllSum(lossXY), ReduceAllSum(lossWH)),
		Add(ReduceAllSum(lossObj), ReduceAllSum(lossClass)))
	return DivScalar(total, float64(batchSize))
}

// boxIoU computes the IoU of center-format boxes, all operands broadcast
// against each other.
func boxIoU(cx1, cy1, w1, h1, cx2, cy2, w2, h2 *Node) *Node {
	half := func(x *Node) *Node { return MulScalar(x, 0.5) }
	left := Max(Sub(cx1, half(w1)), Sub(cx2, half(w2)))
	right := Min(Add(cx1, half(w1)), Add(cx2, half(w2)))
	top := Max(Sub(cy1, half(h1)), Sub(cy2, half(h2)))
	bottom := Min(Add(cy1, half(h1)), Add(cy2, half(h2)))
	interW := Max(Sub(right, left), ZerosLike(left))
	interH := Max(Sub(bottom, top), ZerosLike(top))
	inter := Mul(interW, interH)
	union := Sub(Add(Mul(w1, h1), Mul(w2, h2)), inter)
	return Div(inter, AddScalar(union, 1e-9))
}
