// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gomlx/yolov3/darknet"
	"github.com/gomlx/yolov3/datasets"
)

// PreviewDirName is the directory under the output directory receiving
// rendered detection previews, one subdirectory per iteration.
const PreviewDirName = "detection"

// PredictFunc runs detection over images already resized to the preview
// resolution and returns the decoded detections per image.
type PredictFunc func(images []image.Image) ([][]darknet.Detection, error)

// DetectionPreview returns the extension that renders the model's current
// detections over a fixed set of held-out images whenever the trigger
// fires. Images are resized to the standard 416x416 test resolution and
// the annotated copies written as PNG under
// outputDir/detection/iter_<n>/.
func DetectionPreview(predict PredictFunc, imagePaths []string, classNames []string, outputDir string, trigger Trigger) *Extension {
	return &Extension{
		Name:     "detection_preview",
		Priority: PriorityReporting,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			previews := make([]image.Image, 0, len(imagePaths))
			for _, path := range imagePaths {
				img, err := datasets.LoadImage(path)
				if err != nil {
					return nil, errors.WithMessagef(err, "loading preview image %q", path)
				}
				previews = append(previews, imaging.Resize(img, datasets.DefaultSize, datasets.DefaultSize, imaging.Linear))
			}
			detections, err := predict(previews)
			if err != nil {
				return nil, errors.WithMessage(err, "predicting preview detections")
			}
			if len(detections) != len(previews) {
				return nil, errors.Errorf("predictor returned %d detection sets for %d images",
					len(detections), len(previews))
			}
			dir := filepath.Join(outputDir, PreviewDirName, fmt.Sprintf("iter_%d", state.Iteration))
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.WithMessage(err, "creating preview directory")
			}
			for ii, img := range previews {
				annotated := RenderDetections(img, detections[ii], classNames)
				name := filepath.Base(imagePaths[ii])
				name = name[:len(name)-len(filepath.Ext(name))] + ".png"
				if err := writePNG(filepath.Join(dir, name), annotated); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}
}

var previewPalette = []color.RGBA{
	{R: 0xe6, G: 0x19, B: 0x4b, A: 0xff},
	{R: 0x3c, G: 0xb4, B: 0x4b, A: 0xff},
	{R: 0x43, G: 0x63, B: 0xd8, A: 0xff},
	{R: 0xf5, G: 0x82, B: 0x31, A: 0xff},
	{R: 0x91, G: 0x1e, B: 0xb4, A: 0xff},
	{R: 0x46, G: 0xf0, B: 0xf0, A: 0xff},
}

// RenderDetections draws boxes and class labels over a copy of img.
// Detection coordinates are normalized to [0, 1] of the image bounds.
func RenderDetections(img image.Image, detections []darknet.Detection, classNames []string) *image.RGBA {
	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)
	width := float32(bounds.Dx())
	height := float32(bounds.Dy())
	for _, det := range detections {
		boxColor := previewPalette[det.Class%len(previewPalette)]
		x0 := bounds.Min.X + int(det.XMin*width)
		y0 := bounds.Min.Y + int(det.YMin*height)
		x1 := bounds.Min.X + int(det.XMax*width)
		y1 := bounds.Min.Y + int(det.YMax*height)
		drawRect(canvas, x0, y0, x1, y1, boxColor)

		label := fmt.Sprintf("#%d %.0f%%", det.Class, det.Score*100)
		if det.Class >= 0 && det.Class < len(classNames) {
			label = fmt.Sprintf("%s %.0f%%", classNames[det.Class], det.Score*100)
		}
		drawLabel(canvas, x0+2, y0+basicfont.Face7x13.Ascent+2, label, boxColor)
	}
	return canvas
}

// drawRect draws a 2px rectangle outline, clipped to the canvas.
func drawRect(canvas *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	for t := 0; t < 2; t++ {
		for x := x0; x <= x1; x++ {
			canvas.Set(x, y0+t, c)
			canvas.Set(x, y1-t, c)
		}
		for y := y0; y <= y1; y++ {
			canvas.Set(x0+t, y, c)
			canvas.Set(x1-t, y, c)
		}
	}
}

func drawLabel(canvas *image.RGBA, x, y int, label string, c color.RGBA) {
	drawer := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	drawer.DrawString(label)
}

func writePNG(filePath string, img image.Image) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.WithMessage(err, "creating preview file")
	}
	if err := png.Encode(file, img); err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "encoding preview %q", filePath)
	}
	return errors.WithMessage(file.Close(), "closing preview file")
}
