// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ResizeLayer adds a zero border around the spatial extent of its input, so that after the shrinkage of
// the following (valid) convolutions and poolings the output matches the size of the input.
//
// The border (borderX, borderY) is the total: the input is placed at offset (borderX/2, borderY/2) of the
// output. Backward crops the interior of the output delta into the input delta: the gradient at
// the border is discarded.
type ResizeLayer struct {
	singleInputLayer
	accelerable
	borderX, borderY int
}

// NewResizeLayer creates a ResizeLayer with the given total borders.
func NewResizeLayer(borderX, borderY int) *ResizeLayer {
	l := &ResizeLayer{borderX: borderX, borderY: borderY}
	l.singleInputLayer = singleInputLayer{layerType: "resize", outputShape: l.outputShape}
	return l
}

// Borders returns the total borders added.
func (l *ResizeLayer) Borders() (borderX, borderY int) { return l.borderX, l.borderY }

func (l *ResizeLayer) outputShape(in shapes.Shape) (shapes.Shape, error) {
	if l.borderX < 0 || l.borderY < 0 {
		return shapes.Shape{}, errors.Errorf("resize layer borders must be >= 0, got %dx%d", l.borderX, l.borderY)
	}
	return in.WithSpatial(in.Width+l.borderX, in.Height+l.borderY), nil
}

// TransformGeometry implements graph.GeometryTransformer.
func (l *ResizeLayer) TransformGeometry(g graph.Geometry) (graph.Geometry, error) {
	g.BorderX += l.borderX
	g.BorderY += l.borderY
	return g, nil
}

// FeedForward implements graph.Layer.
func (l *ResizeLayer) FeedForward() {
	in, out := l.in.Data, l.out.Data
	offsetX, offsetY := l.borderX/2, l.borderY/2
	width := in.Width()
	l.forSamples(in.Samples(), func(sample int) {
		clear(out.SampleData(sample))
		for m := range in.Maps() {
			for y := range in.Height() {
				src := in.Index(0, y, m, sample)
				dst := out.Index(offsetX, y+offsetY, m, sample)
				copy(out.Data()[dst:dst+width], in.Data()[src:src+width])
			}
		}
	})
}

// BackPropagate implements graph.Layer.
func (l *ResizeLayer) BackPropagate() {
	inDelta, outDelta := l.in.Delta, l.out.Delta
	offsetX, offsetY := l.borderX/2, l.borderY/2
	width := inDelta.Width()
	l.forSamples(inDelta.Samples(), func(sample int) {
		for m := range inDelta.Maps() {
			for y := range inDelta.Height() {
				dst := inDelta.Index(0, y, m, sample)
				src := outDelta.Index(offsetX, y+offsetY, m, sample)
				dstRow, srcRow := inDelta.Data()[dst:dst+width], outDelta.Data()[src:src+width]
				for x, d := range srcRow {
					dstRow[x] += d
				}
			}
		}
	})
}
