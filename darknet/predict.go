// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"math"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// Detection is one decoded box, with corner coordinates normalized to
// [0, 1] of the input image.
type Detection struct {
	XMin, YMin, XMax, YMax float32
	Class                  int
	Score                  float32
}

// DefaultScoreThresh and DefaultNMSThresh are the usual inference
// thresholds for previewing detections.
const (
	DefaultScoreThresh = float32(0.5)
	DefaultNMSThresh   = float32(0.45)
)

// Decode converts the raw per-scale head outputs of one evaluated batch
// into detections per image. Outputs must be the host tensors produced by
// evaluating Config.Graph, ordered coarsest scale first. Boxes scoring
// below scoreThresh are dropped and the rest filtered with per-class
// non-maximum suppression at nmsThresh IoU.
func (cfg Config) Decode(outputs []*tensors.Tensor, scoreThresh, nmsThresh float32) ([][]Detection, error) {
	if len(outputs) != NumScales {
		return nil, errors.Errorf("expected %d head outputs, got %d", NumScales, len(outputs))
	}
	var batchSize int
	var perImage [][]Detection
	for scaleIdx, out := range outputs {
		dims := out.Shape().Dimensions
		if out.DType() != dtypes.Float32 || len(dims) != 4 || dims[3] != cfg.outputChannels() {
			return nil, errors.Errorf("head output %d has shape %s, want [batch, s, s, %d] of float32",
				scaleIdx, out.Shape(), cfg.outputChannels())
		}
		if perImage == nil {
			batchSize = dims[0]
			perImage = make([][]Detection, batchSize)
		} else if dims[0] != batchSize {
			return nil, errors.Errorf("head output %d has batch size %d, want %d", scaleIdx, dims[0], batchSize)
		}
		gridSize := dims[1]
		inputSize := float32(gridSize * Strides[scaleIdx])
		var flat []float32
		if err := tensors.ConstFlatData(out, func(data []float32) {
			flat = data
		}); err != nil {
			return nil, errors.Wrapf(err, "reading head output %d", scaleIdx)
		}
		cfg.decodeScale(flat, scaleIdx, batchSize, gridSize, inputSize, scoreThresh, perImage)
	}
	for ii := range perImage {
		perImage[ii] = nonMaxSuppression(perImage[ii], nmsThresh)
	}
	return perImage, nil
}

func (cfg Config) decodeScale(flat []float32, scaleIdx, batchSize, gridSize int, inputSize, scoreThresh float32, perImage [][]Detection) {
	numFields := 5 + cfg.NumClasses
	fGrid := float32(gridSize)
	pos := 0
	for b := 0; b < batchSize; b++ {
		for y := 0; y < gridSize; y++ {
			for x := 0; x < gridSize; x++ {
				for a := 0; a < NumAnchorsPerScale; a++ {
					cell := flat[pos : pos+numFields]
					pos += numFields
					objScore := sigmoid(cell[4])
					if objScore < scoreThresh {
						continue
					}
					bestClass, bestProb := 0, float32(-1)
					for c := 0; c < cfg.NumClasses; c++ {
						if p := sigmoid(cell[5+c]); p > bestProb {
							bestClass, bestProb = c, p
						}
					}
					score := objScore * bestProb
					if score < scoreThresh {
						continue
					}
					anchor := cfg.Anchors[scaleIdx][a]
					cx := (float32(x) + sigmoid(cell[0])) / fGrid
					cy := (float32(y) + sigmoid(cell[1])) / fGrid
					w := anchor.Width / inputSize * expf(cell[2])
					h := anchor.Height / inputSize * expf(cell[3])
					perImage[b] = append(perImage[b], Detection{
						XMin:  clamp01(cx - w/2),
						YMin:  clamp01(cy - h/2),
						XMax:  clamp01(cx + w/2),
						YMax:  clamp01(cy + h/2),
						Class: bestClass,
						Score: score,
					})
				}
			}
		}
	}
}

// nonMaxSuppression keeps the highest scoring box of each overlapping
// cluster, per class.
func nonMaxSuppression(dets []Detection, iouThresh float32) []Detection {
	sort.Slice(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
	kept := dets[:0]
	for _, candidate := range dets {
		suppressed := false
		for _, winner := range kept {
			if winner.Class == candidate.Class && IoU(winner, candidate) > iouThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// IoU is the intersection-over-union of two detections.
func IoU(a, b Detection) float32 {
	interW := minf(a.XMax, b.XMax) - maxf(a.XMin, b.XMin)
	interH := minf(a.YMax, b.YMax) - maxf(a.YMin, b.YMin)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	areaA := (a.XMax - a.XMin) * (a.YMax - a.YMin)
	areaB := (b.XMax - b.XMin) * (b.YMax - b.YMin)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func clamp01(x float32) float32 {
	return minf(maxf(x, 0), 1)
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
