// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Box is one ground-truth object: a class index plus center/size coordinates,
// all normalized to [0, 1] relative to the image (darknet label convention).
type Box struct {
	Class                          int
	CenterX, CenterY, Width, Height float32
}

// Sample is one training example: an image path and its ground-truth boxes.
// The boxes come from a sidecar label file next to the image, with the image
// extension replaced by ".txt", one "class cx cy w h" line per box.
type Sample struct {
	ImagePath string
	Boxes     []Box
}

// LabelPathFor returns the sidecar label file path for an image path.
func LabelPathFor(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + ".txt"
}

// LoadSample reads the boxes of the sample from its label file.
// A missing label file means an image with no objects, which is valid.
// More than MaxBoxes boxes overflows the collation buffer and is an error.
func LoadSample(imagePath string) (Sample, error) {
	sample := Sample{ImagePath: imagePath}
	labelPath := LabelPathFor(imagePath)
	f, err := os.Open(labelPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sample, nil
		}
		return sample, errors.Wrapf(err, "failed to open label file %q", labelPath)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != BoxFields {
			return sample, errors.Errorf("label file %q line %d: want %d fields, got %d",
				labelPath, lineNum, BoxFields, len(fields))
		}
		classIdx, err := strconv.Atoi(fields[0])
		if err != nil {
			return sample, errors.Wrapf(err, "label file %q line %d: bad class index %q",
				labelPath, lineNum, fields[0])
		}
		var coords [4]float32
		for ii, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return sample, errors.Wrapf(err, "label file %q line %d: bad coordinate %q",
					labelPath, lineNum, field)
			}
			coords[ii] = float32(v)
		}
		sample.Boxes = append(sample.Boxes, Box{
			Class:   classIdx,
			CenterX: coords[0],
			CenterY: coords[1],
			Width:   coords[2],
			Height:  coords[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return sample, errors.Wrapf(err, "failed reading label file %q", labelPath)
	}
	if len(sample.Boxes) > MaxBoxes {
		return sample, errors.Errorf("sample %q has %d boxes, more than the buffer capacity of %d",
			imagePath, len(sample.Boxes), MaxBoxes)
	}
	return sample, nil
}

// LoadImage decodes the sample's image file.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}
