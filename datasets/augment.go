// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// AugmentParams configure the training-time image augmentation: jitter is
// the max crop offset as a fraction of the image size, hue the max hue shift
// as a fraction of the color wheel, sat/val the max saturation/value scaling
// (a factor is drawn in [1/s, s]).
type AugmentParams struct {
	Jitter, Hue, Sat, Val float64
}

// Augment applies a random jitter crop, horizontal flip and HSV distortion,
// adjusting the normalized boxes to the cropped frame. Boxes whose center
// falls outside the crop are dropped.
func Augment(img image.Image, boxes []Box, params AugmentParams, rng *rand.Rand) (image.Image, []Box) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// Jitter crop: each edge moves inward or outward by up to jitter.
	dw := int(params.Jitter * float64(width))
	dh := int(params.Jitter * float64(height))
	left := rng.Intn(2*dw+1) - dw
	top := rng.Intn(2*dh+1) - dh
	right := width - (rng.Intn(2*dw+1) - dw)
	bottom := height - (rng.Intn(2*dh+1) - dh)
	if right-left < width/2 {
		left, right = 0, width
	}
	if bottom-top < height/2 {
		top, bottom = 0, height
	}
	cropW, cropH := right-left, bottom-top
	cropped := imaging.Crop(img, image.Rect(
		bounds.Min.X+max(left, 0), bounds.Min.Y+max(top, 0),
		bounds.Min.X+min(right, width), bounds.Min.Y+min(bottom, height)))
	// Out-of-image crop regions shrink the frame instead of padding.
	actualLeft := max(left, 0)
	actualTop := max(top, 0)
	cropW = min(right, width) - actualLeft
	cropH = min(bottom, height) - actualTop

	flip := rng.Intn(2) == 1
	if flip {
		cropped = imaging.FlipH(cropped)
	}

	out := make([]Box, 0, len(boxes))
	for _, box := range boxes {
		cx := (float64(box.CenterX)*float64(width) - float64(actualLeft)) / float64(cropW)
		cy := (float64(box.CenterY)*float64(height) - float64(actualTop)) / float64(cropH)
		if cx <= 0 || cx >= 1 || cy <= 0 || cy >= 1 {
			continue
		}
		if flip {
			cx = 1 - cx
		}
		out = append(out, Box{
			Class:   box.Class,
			CenterX: float32(cx),
			CenterY: float32(cy),
			Width:   box.Width * float32(width) / float32(cropW),
			Height:  box.Height * float32(height) / float32(cropH),
		})
	}

	distorted := distortHSV(cropped,
		rng.Float64()*2*params.Hue-params.Hue,
		randomScale(rng, params.Sat),
		randomScale(rng, params.Val))
	return distorted, out
}

// randomScale draws a factor in [1/s, s], uniformly choosing between the
// scaling-up and scaling-down halves (darknet convention).
func randomScale(rng *rand.Rand, s float64) float64 {
	if s <= 1 {
		return 1
	}
	factor := 1 + rng.Float64()*(s-1)
	if rng.Intn(2) == 1 {
		return 1 / factor
	}
	return factor
}

// distortHSV shifts hue (fraction of the wheel) and scales saturation and
// value, pixel by pixel.
func distortHSV(img image.Image, hueShift, satScale, valScale float64) image.Image {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r16, g16, b16, _ := img.At(x, y).RGBA()
			h, s, v := rgbToHSV(float64(r16)/0xffff, float64(g16)/0xffff, float64(b16)/0xffff)
			h += hueShift
			if h < 0 {
				h += 1
			} else if h >= 1 {
				h -= 1
			}
			s = math.Min(s*satScale, 1)
			v = math.Min(v*valScale, 1)
			r, g, b := hsvToRGB(h, s, v)
			offset := out.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			out.Pix[offset] = uint8(r*255 + 0.5)
			out.Pix[offset+1] = uint8(g*255 + 0.5)
			out.Pix[offset+2] = uint8(b*255 + 0.5)
			out.Pix[offset+3] = 0xff
		}
	}
	return out
}

// rgbToHSV with all components in [0, 1]; hue is a fraction of the wheel.
func rgbToHSV(r, g, b float64) (h, s, v float64) {
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	v = maxC
	delta := maxC - minC
	if delta == 0 || maxC == 0 {
		return 0, 0, v
	}
	s = delta / maxC
	switch maxC {
	case r:
		h = (g - b) / delta
	case g:
		h = 2 + (b-r)/delta
	default:
		h = 4 + (r-g)/delta
	}
	h /= 6
	if h < 0 {
		h += 1
	}
	return h, s, v
}

func hsvToRGB(h, s, v float64) (r, g, b float64) {
	if s == 0 {
		return v, v, v
	}
	h = h * 6
	sector := int(h) % 6
	f := h - math.Floor(h)
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch sector {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

// resizeTo scales the image to a square size x size canvas.
func resizeTo(img image.Image, size int) image.Image {
	return imaging.Resize(img, size, size, imaging.Linear)
}
