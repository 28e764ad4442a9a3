// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func halfWhiteImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			if x >= width/2 {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			}
		}
	}
	return img
}

func TestToTensor(t *testing.T) {
	img := halfWhiteImage(8, 4)
	tensor := ToTensor().Single(img)
	require.Equal(t, shapes.Make(8, 4, 3, 1), tensor.Shape())
	assert.InDelta(t, 0.0, tensor.At(0, 0, 0, 0), 1e-6)
	assert.InDelta(t, 1.0, tensor.At(7, 3, 2, 0), 1e-6)

	white := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	for ii := range white.Pix {
		white.Pix[ii] = 255
	}
	batch := ToTensor().Resize(4, 2).MaxValue(255).Batch([]image.Image{white, white})
	require.Equal(t, shapes.Make(4, 2, 3, 2), batch.Shape())
	assert.InDelta(t, 255.0, batch.At(3, 1, 0, 1), 1e-3)
	require.Panics(t, func() { ToTensor().Batch(nil) })
}

func TestLabelFromImage(t *testing.T) {
	img := halfWhiteImage(8, 8)
	binary := LabelFromImage(img, 4, 4, 1)
	require.Equal(t, shapes.Make(4, 4, 1, 1), binary.Shape())
	assert.Equal(t, float32(-1), binary.At(0, 0, 0, 0))
	assert.Equal(t, float32(1), binary.At(3, 3, 0, 0))

	oneHot := LabelFromImage(img, 4, 4, 2)
	require.Equal(t, shapes.Make(4, 4, 2, 1), oneHot.Shape())
	assert.Equal(t, float32(1), oneHot.At(0, 0, 0, 0))
	assert.Equal(t, float32(0), oneHot.At(0, 0, 1, 0))
	assert.Equal(t, float32(1), oneHot.At(3, 0, 1, 0))
}

func TestToImage(t *testing.T) {
	tensor := LabelFromImage(halfWhiteImage(4, 4), 4, 4, 1)
	img := ToImage().Range(-1, 1).Single(tensor, 0)
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, img.NRGBAAt(3, 0))

	rgb := ToTensor().Single(halfWhiteImage(4, 4))
	back := ToImage().Single(rgb, 0)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, back.NRGBAAt(2, 1))
}
