// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

const (
	// MaxBoxes is the fixed per-sample box capacity of the collation buffer.
	MaxBoxes = 100

	// BoxFields is class index + 4 coordinates.
	BoxFields = 5

	// MaxResolution is the largest input resolution the collation buffer is
	// sized for.
	MaxResolution = 448

	// DefaultSize is the input resolution used when no crop-size schedule is
	// driving the dataset (validation, detection preview).
	DefaultSize = 416

	// ImageChannels of the collated image tensor.
	ImageChannels = 3

	// SampleBytes is the fixed per-sample size of the batching buffer:
	// a MaxResolution image plus MaxBoxes boxes, in float32.
	SampleBytes = (MaxResolution*MaxResolution*ImageChannels + BoxFields*MaxBoxes) * 4
)

// YOLODataset implements train.Dataset over a manifest of labeled images.
//
// In training mode it shuffles, loops forever and augments each image
// (jitter crop, horizontal flip, HSV distortion) before resizing to the
// current crop size. In validation mode it is sequential, non-shuffled and
// single-pass, always at DefaultSize.
//
// Yield is safe for concurrent use, so the dataset can be wrapped in a
// Prefetch worker pool.
type YOLODataset struct {
	name       string
	imagePaths []string
	batchSize  int
	train      bool

	// Augmentation parameters (training mode only).
	jitter, hue, sat, val float64

	// cropSize is the current input resolution. The crop-size schedule
	// updates it between iterations.
	cropSize atomic.Int32

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	pos   int
}

// NewYOLODataset creates a dataset from a manifest of image paths.
// Training mode enables shuffling, infinite looping and augmentation with
// the given jitter/hue/saturation/value parameters.
func NewYOLODataset(name string, imagePaths []string, batchSize int, train bool, seed int64) *YOLODataset {
	ds := &YOLODataset{
		name:       name,
		imagePaths: imagePaths,
		batchSize:  batchSize,
		train:      train,
		jitter:     0.3,
		hue:        0.1,
		sat:        1.5,
		val:        1.5,
		rng:        rand.New(rand.NewSource(seed)),
	}
	ds.cropSize.Store(DefaultSize)
	ds.Reset()
	return ds
}

// WithAugmentation overrides the training augmentation parameters.
func (ds *YOLODataset) WithAugmentation(jitter, hue, sat, val float64) *YOLODataset {
	ds.jitter, ds.hue, ds.sat, ds.val = jitter, hue, sat, val
	return ds
}

// Name implements train.Dataset.
func (ds *YOLODataset) Name() string { return ds.name }

// NumSamples in the manifest.
func (ds *YOLODataset) NumSamples() int { return len(ds.imagePaths) }

// SetCropSize changes the input resolution of subsequently yielded batches.
// Sizes above MaxResolution overflow the fixed collation buffer.
func (ds *YOLODataset) SetCropSize(size int) error {
	if size <= 0 || size > MaxResolution {
		return errors.Errorf("crop size %d out of range (0, %d]", size, MaxResolution)
	}
	ds.cropSize.Store(int32(size))
	return nil
}

// CropSize returns the current input resolution.
func (ds *YOLODataset) CropSize() int { return int(ds.cropSize.Load()) }

// Reset implements train.Dataset: it restarts (and in training mode
// reshuffles) the iteration order.
func (ds *YOLODataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.order == nil {
		ds.order = make([]int, len(ds.imagePaths))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	ds.pos = 0
	if ds.train {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextIndices picks the sample indices of the next batch, and one RNG seed
// per sample for augmentation, so the image work can happen outside the lock.
func (ds *YOLODataset) nextIndices() (indices []int, seeds []int64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	indices = make([]int, 0, ds.batchSize)
	for len(indices) < ds.batchSize {
		if ds.pos >= len(ds.order) {
			if !ds.train {
				break // Single pass: the last batch may be partial.
			}
			ds.pos = 0
			ds.rng.Shuffle(len(ds.order), func(i, j int) {
				ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
			})
		}
		indices = append(indices, ds.order[ds.pos])
		ds.pos++
	}
	if len(indices) == 0 {
		return nil, nil, io.EOF
	}
	seeds = make([]int64, len(indices))
	for ii := range seeds {
		seeds[ii] = ds.rng.Int63()
	}
	return indices, seeds, nil
}

// Yield implements train.Dataset. It returns two dense tensors:
//
//   - inputs[0]: images shaped [batchSize, size, size, 3], float32 in [0, 1];
//   - labels[0]: boxes shaped [batchSize, MaxBoxes, 5] with rows
//     (class, cx, cy, w, h), padded with class = -1.
func (ds *YOLODataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, seeds, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	size := ds.CropSize()
	if !ds.train {
		size = DefaultSize
	}

	batch := make([]collatedSample, len(indices))
	for ii, sampleIdx := range indices {
		sample, err := LoadSample(ds.imagePaths[sampleIdx])
		if err != nil {
			return nil, nil, nil, err
		}
		img, err := LoadImage(sample.ImagePath)
		if err != nil {
			return nil, nil, nil, err
		}
		boxes := sample.Boxes
		if ds.train {
			img, boxes = Augment(img, boxes, AugmentParams{
				Jitter: ds.jitter, Hue: ds.hue, Sat: ds.sat, Val: ds.val,
			}, rand.New(rand.NewSource(seeds[ii])))
		}
		batch[ii] = collatedSample{image: resizeTo(img, size), boxes: boxes}
	}
	inputsT, labelsT, err := collate(batch, size)
	if err != nil {
		return nil, nil, nil, err
	}
	return ds, []*tensors.Tensor{inputsT}, []*tensors.Tensor{labelsT}, nil
}

type collatedSample struct {
	image image.Image
	boxes []Box
}

// collate packs a batch of same-size images and variable-length box lists
// into dense tensors, padding box rows with class = -1 up to MaxBoxes.
// Sample order is preserved.
func collate(batch []collatedSample, size int) (images, labels *tensors.Tensor, err error) {
	if size > MaxResolution {
		return nil, nil, errors.Errorf("collation size %d exceeds the buffer resolution bound %d",
			size, MaxResolution)
	}
	batchSize := len(batch)
	images = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, size, size, ImageChannels))
	labels = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, MaxBoxes, BoxFields))

	var collateErr error
	tensors.MustMutableFlatData[float32](images, func(imageData []float32) {
		for sampleIdx, sample := range batch {
			bounds := sample.image.Bounds()
			if bounds.Dx() != size || bounds.Dy() != size {
				collateErr = errors.Errorf("sample %d is %dx%d, want %dx%d",
					sampleIdx, bounds.Dx(), bounds.Dy(), size, size)
				return
			}
			pos := sampleIdx * size * size * ImageChannels
			for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
				for x := bounds.Min.X; x < bounds.Max.X; x++ {
					r, g, b, _ := sample.image.At(x, y).RGBA()
					imageData[pos] = float32(r) / 0xffff
					imageData[pos+1] = float32(g) / 0xffff
					imageData[pos+2] = float32(b) / 0xffff
					pos += ImageChannels
				}
			}
		}
	})
	if collateErr != nil {
		return nil, nil, collateErr
	}
	tensors.MustMutableFlatData[float32](labels, func(labelData []float32) {
		for sampleIdx, sample := range batch {
			if len(sample.boxes) > MaxBoxes {
				collateErr = errors.Errorf("sample %d has %d boxes, more than the buffer capacity of %d",
					sampleIdx, len(sample.boxes), MaxBoxes)
				return
			}
			for boxIdx := 0; boxIdx < MaxBoxes; boxIdx++ {
				pos := (sampleIdx*MaxBoxes + boxIdx) * BoxFields
				if boxIdx < len(sample.boxes) {
					box := sample.boxes[boxIdx]
					labelData[pos] = float32(box.Class)
					labelData[pos+1] = box.CenterX
					labelData[pos+2] = box.CenterY
					labelData[pos+3] = box.Width
					labelData[pos+4] = box.Height
				} else {
					labelData[pos] = -1 // Padding row.
				}
			}
		}
	})
	if collateErr != nil {
		return nil, nil, collateErr
	}
	return images, labels, nil
}
