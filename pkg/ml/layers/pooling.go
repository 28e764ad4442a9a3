// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// MaxPoolingLayer takes the maximum of non-overlapping poolX x poolY windows. Partial windows at the right and
// bottom edges are dropped. Backward routes the delta to the position of the maximum.
type MaxPoolingLayer struct {
	singleInputLayer
	accelerable
	poolX, poolY int

	// argMax holds, per output element, the flat index of the input element selected.
	argMax []int
}

// NewMaxPoolingLayer creates a MaxPoolingLayer with the given window size.
func NewMaxPoolingLayer(poolX, poolY int) *MaxPoolingLayer {
	l := &MaxPoolingLayer{poolX: poolX, poolY: poolY}
	l.singleInputLayer = singleInputLayer{layerType: "max_pooling", outputShape: l.outputShape}
	return l
}

// PoolSize returns the window size.
func (l *MaxPoolingLayer) PoolSize() (poolX, poolY int) { return l.poolX, l.poolY }

func (l *MaxPoolingLayer) outputShape(in shapes.Shape) (shapes.Shape, error) {
	if l.poolX < 1 || l.poolY < 1 {
		return shapes.Shape{}, errors.Errorf("max pooling size must be >= 1, got %dx%d", l.poolX, l.poolY)
	}
	if in.Width < l.poolX || in.Height < l.poolY {
		return shapes.Shape{}, errors.Errorf("max pooling %dx%d larger than input %s", l.poolX, l.poolY, in)
	}
	return in.WithSpatial(in.Width/l.poolX, in.Height/l.poolY), nil
}

// TransformGeometry implements graph.GeometryTransformer.
func (l *MaxPoolingLayer) TransformGeometry(g graph.Geometry) (graph.Geometry, error) {
	g.ReceptiveX += (l.poolX - 1) * g.StrideX
	g.ReceptiveY += (l.poolY - 1) * g.StrideY
	g.StrideX *= l.poolX
	g.StrideY *= l.poolY
	return g, nil
}

// FeedForward implements graph.Layer.
func (l *MaxPoolingLayer) FeedForward() {
	in, out := l.in.Data, l.out.Data
	if len(l.argMax) != out.Shape().Size() {
		l.argMax = make([]int, out.Shape().Size())
	}
	l.forSamples(in.Samples(), func(sample int) {
		for m := range out.Maps() {
			for oy := range out.Height() {
				for ox := range out.Width() {
					best := in.Index(ox*l.poolX, oy*l.poolY, m, sample)
					for dy := range l.poolY {
						for dx := range l.poolX {
							idx := in.Index(ox*l.poolX+dx, oy*l.poolY+dy, m, sample)
							if in.Data()[idx] > in.Data()[best] {
								best = idx
							}
						}
					}
					outIdx := out.Index(ox, oy, m, sample)
					out.Data()[outIdx] = in.Data()[best]
					l.argMax[outIdx] = best
				}
			}
		}
	})
}

// BackPropagate implements graph.Layer. It requires a previous FeedForward.
func (l *MaxPoolingLayer) BackPropagate() {
	inDelta, outDelta := l.in.Delta, l.out.Delta
	if len(l.argMax) != outDelta.Shape().Size() {
		return
	}
	n := outDelta.Shape().SampleSize()
	l.forSamples(outDelta.Samples(), func(sample int) {
		for ii := sample * n; ii < (sample+1)*n; ii++ {
			inDelta.Data()[l.argMax[ii]] += outDelta.Data()[ii]
		}
	})
}
