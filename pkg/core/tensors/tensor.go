// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement Tensor, a 4D float32 buffer addressed by (width, height, maps, samples),
// and CombinedTensor, the pair of data and gradient (delta) tensors that flows on the edges of a NetGraph.
//
// The memory layout is "samples-major": for a tensor of shape [w, h, maps, samples], the element at
// (x, y, map, sample) is at flat index `((sample*maps+map)*h+y)*w+x`. This makes one sample, and one
// map of one sample, contiguous in memory.
//
// Tensors own their buffer; there is no sharing between tensors. Within a training run the shape of a
// tensor never changes after allocation.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor is a 4D array of float32 values.
type Tensor struct {
	shape shapes.Shape
	data  []float32
}

// New creates a zero-initialized tensor with the given shape.
func New(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.New(%s): invalid shape", shape)
	}
	return &Tensor{shape: shape, data: make([]float32, shape.Size())}
}

// FromFlatData creates a tensor with the given shape using data as its storage (it is not copied).
// It panics if len(data) doesn't match the shape size.
func FromFlatData(shape shapes.Shape, data []float32) *Tensor {
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatData(%s): got %d values, wanted %d", shape, len(data), shape.Size())
	}
	return &Tensor{shape: shape, data: data}
}

// Shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Data returns the flat underlying storage. Changes to it are reflected in the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Width of the tensor.
func (t *Tensor) Width() int { return t.shape.Width }

// Height of the tensor.
func (t *Tensor) Height() int { return t.shape.Height }

// Maps returns the number of feature maps of the tensor.
func (t *Tensor) Maps() int { return t.shape.Maps }

// Samples returns the number of samples of the tensor.
func (t *Tensor) Samples() int { return t.shape.Samples }

// Index returns the flat index of the element at (x, y, map, sample). It panics if out-of-bounds.
func (t *Tensor) Index(x, y, m, sample int) int {
	s := t.shape
	if x < 0 || x >= s.Width || y < 0 || y >= s.Height || m < 0 || m >= s.Maps || sample < 0 || sample >= s.Samples {
		exceptions.Panicf("Tensor.Index(x=%d, y=%d, map=%d, sample=%d) out-of-bounds for shape %s", x, y, m, sample, s)
	}
	return ((sample*s.Maps+m)*s.Height+y)*s.Width + x
}

// At returns the value at (x, y, map, sample).
func (t *Tensor) At(x, y, m, sample int) float32 {
	return t.data[t.Index(x, y, m, sample)]
}

// Set the value at (x, y, map, sample).
func (t *Tensor) Set(x, y, m, sample int, value float32) {
	t.data[t.Index(x, y, m, sample)] = value
}

// SampleData returns the sub-slice of the storage holding the given sample.
func (t *Tensor) SampleData(sample int) []float32 {
	if sample < 0 || sample >= t.shape.Samples {
		exceptions.Panicf("Tensor.SampleData(%d) out-of-bounds for shape %s", sample, t.shape)
	}
	n := t.shape.SampleSize()
	return t.data[sample*n : (sample+1)*n]
}

// MapData returns the sub-slice of the storage holding the given map of the given sample.
func (t *Tensor) MapData(m, sample int) []float32 {
	start := t.Index(0, 0, m, sample)
	return t.data[start : start+t.shape.Width*t.shape.Height]
}

// Clear sets all values to 0.
func (t *Tensor) Clear() {
	clear(t.data)
}

// Fill sets all values to value.
func (t *Tensor) Fill(value float32) {
	if len(t.data) == 0 {
		return
	}
	t.data[0] = value
	for filled := 1; filled < len(t.data); filled *= 2 {
		copy(t.data[filled:], t.data[:filled])
	}
}

// CopyFrom copies the contents of src, which must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) {
	shapes.AssertEqual(t, src)
	copy(t.data, src.data)
}

// CopySample copies sample srcSample of src into sample dstSample of t.
// Both tensors must have the same per-sample dimensions.
// It returns false (and copies nothing) if the dimensions don't match or a sample index is out-of-range.
func (t *Tensor) CopySample(dstSample int, src *Tensor, srcSample int) bool {
	if t.shape.Width != src.shape.Width || t.shape.Height != src.shape.Height || t.shape.Maps != src.shape.Maps {
		return false
	}
	if dstSample < 0 || dstSample >= t.shape.Samples || srcSample < 0 || srcSample >= src.shape.Samples {
		return false
	}
	copy(t.SampleData(dstSample), src.SampleData(srcSample))
	return true
}

// AccumulateFrom adds src to t element-wise (t += src). Both must have the same shape.
func (t *Tensor) AccumulateFrom(src *Tensor) {
	shapes.AssertEqual(t, src)
	blas32.Axpy(1, vector(src.data), vector(t.data))
}

// Scale multiplies all values by alpha.
func (t *Tensor) Scale(alpha float32) {
	blas32.Scal(alpha, vector(t.data))
}

// Sum returns the sum of all values, accumulated in float64.
func (t *Tensor) Sum() float64 {
	var sum float64
	for _, v := range t.data {
		sum += float64(v)
	}
	return sum
}

// String pretty-prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	const maxPrinted = 64
	if t.shape.Size() > maxPrinted {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	var parts []string
	for sample := range t.shape.Samples {
		for m := range t.shape.Maps {
			parts = append(parts, fmt.Sprintf("s%d/m%d=%v", sample, m, t.MapData(m, sample)))
		}
	}
	return fmt.Sprintf("Tensor%s{%s}", t.shape, strings.Join(parts, ", "))
}

// vector wraps a slice as a contiguous blas32.Vector.
func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}
