// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images converts images to and from tensors, so they can be fed into (and read out of)
// a NetGraph.
//
// Images are resized with github.com/disintegration/imaging before conversion.
package images

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
)

// ToTensorConfig holds the configuration for converting images to tensors.
// Create it with ToTensor.
type ToTensorConfig struct {
	width, height int
	maxValue      float64
}

// ToTensor returns a configuration to convert images to tensors with 3 maps (RGB, alpha is dropped).
// Values are scaled to [0, 1] by default.
//
// Use Single or Batch to do the conversion.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{maxValue: 1.0}
}

// Resize the images to the given dimensions before conversion. The default is to keep the size
// of the first image.
//
// It returns the ToTensorConfig object, so configuration calls can be cascaded.
func (tt *ToTensorConfig) Resize(width, height int) *ToTensorConfig {
	tt.width, tt.height = width, height
	return tt
}

// MaxValue sets the value a full-intensity channel is mapped to. Default is 1.0.
//
// It returns the ToTensorConfig object, so configuration calls can be cascaded.
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Single converts one image to a tensor shaped [w, h, 3, 1].
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	return tt.Batch([]image.Image{img})
}

// Batch converts the images to a tensor shaped [w, h, 3, len(images)].
//
// It panics if images is empty.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	if len(images) == 0 {
		exceptions.Panicf("images.ToTensor: no images given")
	}
	width, height := tt.targetSize(images[0])
	t := tensors.New(shapes.Make(width, height, 3, len(images)))
	for sample, img := range images {
		nrgba := imaging.Resize(img, width, height, imaging.Lanczos)
		for y := range height {
			for x := range width {
				pix := nrgba.Pix[y*nrgba.Stride+x*4:]
				for m := range 3 {
					t.Set(x, y, m, sample, float32(float64(pix[m])/255.0*tt.maxValue))
				}
			}
		}
	}
	return t
}

func (tt *ToTensorConfig) targetSize(img image.Image) (width, height int) {
	width, height = tt.width, tt.height
	if width <= 0 || height <= 0 {
		size := img.Bounds().Size()
		width, height = size.X, size.Y
	}
	return
}

// LabelFromImage converts a label image to a label tensor shaped [w, h, maps, 1] with
// maps = max(classes, 1), resized (nearest-neighbour, so classes don't blend) to the given size.
//
// For classes <= 1 the label is +1 for bright pixels (luminance >= 0.5) and -1 otherwise, matching
// a tanh output. For more classes the luminance range is split in equal buckets, and the label
// is one-hot encoded (1 for the pixel's class, 0 otherwise), matching a sigmoid output.
func LabelFromImage(img image.Image, width, height, classes int) *tensors.Tensor {
	grey := imaging.Grayscale(imaging.Resize(img, width, height, imaging.NearestNeighbor))
	maps := max(classes, 1)
	t := tensors.New(shapes.Make(width, height, maps, 1))
	for y := range height {
		for x := range width {
			luminance := float64(grey.Pix[y*grey.Stride+x*4]) / 255.0
			if maps == 1 {
				if luminance >= 0.5 {
					t.Set(x, y, 0, 0, 1)
				} else {
					t.Set(x, y, 0, 0, -1)
				}
				continue
			}
			class := min(int(luminance*float64(maps)), maps-1)
			t.Set(x, y, class, 0, 1)
		}
	}
	return t
}

// ToImageConfig holds the configuration for converting tensors to images.
// Create it with ToImage.
type ToImageConfig struct {
	minValue, maxValue float64
}

// ToImage returns a configuration to convert tensors to images. Values are mapped from [0, 1] by default.
func ToImage() *ToImageConfig {
	return &ToImageConfig{minValue: 0, maxValue: 1}
}

// Range sets the tensor values mapped to black (minValue) and full intensity (maxValue).
// E.g.: use Range(-1, 1) for a tanh output.
func (ti *ToImageConfig) Range(minValue, maxValue float64) *ToImageConfig {
	ti.minValue, ti.maxValue = minValue, maxValue
	return ti
}

// Single converts one sample of the tensor to an image.
// Tensors with 3 or more maps use the first 3 as RGB, otherwise the first map is rendered in greyscale.
func (ti *ToImageConfig) Single(t *tensors.Tensor, sample int) *image.NRGBA {
	width, height := t.Width(), t.Height()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	scale := func(v float32) uint8 {
		normalized := (float64(v) - ti.minValue) / (ti.maxValue - ti.minValue)
		normalized = math.Max(0, math.Min(1, normalized))
		return uint8(math.Round(255 * normalized))
	}
	for y := range height {
		for x := range width {
			var c color.NRGBA
			if t.Maps() >= 3 {
				c = color.NRGBA{R: scale(t.At(x, y, 0, sample)), G: scale(t.At(x, y, 1, sample)),
					B: scale(t.At(x, y, 2, sample)), A: 255}
			} else {
				v := scale(t.At(x, y, 0, sample))
				c = color.NRGBA{R: v, G: v, B: v, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
