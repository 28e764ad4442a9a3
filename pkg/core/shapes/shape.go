// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dimensions of the 4D tensors flowing through a NetGraph.
//
// Every tensor in seggraph is addressed by (width, height, maps, samples):
//
//   - Width, Height: the spatial extent of an image (or feature map).
//   - Maps: number of feature maps (channels) per sample.
//   - Samples: number of samples in the (mini-)batch.
//
// Example: a batch of 2 RGB images of 64x48 pixels has shape `shapes.Make(64, 48, 3, 2)`,
// printed as `[w=64 h=48 maps=3 samples=2]`.
//
// ## Asserts
//
// Layers check shapes when they are connected (construction time), using CheckDims, which returns
// an error. Inside FeedForward/BackPropagate a mismatch can only be a construction defect, and
// AssertDims is used instead: it panics.
package shapes

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Shape of a tensor: all dimensions must be > 0 for a valid shape.
//
// Use Make to create a new shape.
type Shape struct {
	Width, Height, Maps, Samples int
}

// Make returns a Shape with the given dimensions. It panics if any of them is <= 0.
func Make(width, height, maps, samples int) Shape {
	s := Shape{Width: width, Height: height, Maps: maps, Samples: samples}
	if width <= 0 || height <= 0 || maps <= 0 || samples <= 0 {
		exceptions.Panicf("shapes.Make(%s): cannot create a shape with a dimension <= 0", s)
	}
	return s
}

// Ok returns whether all dimensions are positive. The zero value Shape{} is not ok.
func (s Shape) Ok() bool {
	return s.Width > 0 && s.Height > 0 && s.Maps > 0 && s.Samples > 0
}

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("[w=%d h=%d maps=%d samples=%d]", s.Width, s.Height, s.Maps, s.Samples)
}

// Size returns the number of elements needed for this shape: the product of all dimensions.
func (s Shape) Size() int {
	return s.Width * s.Height * s.Maps * s.Samples
}

// SampleSize returns the number of elements of one sample, that is Width*Height*Maps.
func (s Shape) SampleSize() int {
	return s.Width * s.Height * s.Maps
}

// Memory returns the number of bytes used to store a float32 tensor of this shape.
func (s Shape) Memory() uintptr {
	return unsafe.Sizeof(float32(0)) * uintptr(s.Size())
}

// Equal compares all dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s == s2
}

// EqualSpatial compares Width, Height and Samples, ignoring Maps.
func (s Shape) EqualSpatial(s2 Shape) bool {
	return s.Width == s2.Width && s.Height == s2.Height && s.Samples == s2.Samples
}

// WithMaps returns a copy of the shape with the number of maps changed.
func (s Shape) WithMaps(maps int) Shape {
	return Make(s.Width, s.Height, maps, s.Samples)
}

// WithSpatial returns a copy of the shape with width and height changed.
func (s Shape) WithSpatial(width, height int) Shape {
	return Make(width, height, s.Maps, s.Samples)
}

// WithSamples returns a copy of the shape with the number of samples changed.
func (s Shape) WithSamples(samples int) Shape {
	return Make(s.Width, s.Height, s.Maps, samples)
}
