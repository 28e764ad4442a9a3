// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// UpscaleLayer enlarges its input by integer factors, replicating each value over a factorX x factorY block
// (nearest-neighbour). Backward sums the delta of each block.
//
// It is used to bring the output of a network with stride > 1 back to the input resolution.
type UpscaleLayer struct {
	singleInputLayer
	accelerable
	factorX, factorY int
}

// NewUpscaleLayer creates an UpscaleLayer with the given factors.
func NewUpscaleLayer(factorX, factorY int) *UpscaleLayer {
	l := &UpscaleLayer{factorX: factorX, factorY: factorY}
	l.singleInputLayer = singleInputLayer{layerType: "upscale", outputShape: l.outputShape}
	return l
}

// Factors returns the upscaling factors.
func (l *UpscaleLayer) Factors() (factorX, factorY int) { return l.factorX, l.factorY }

func (l *UpscaleLayer) outputShape(in shapes.Shape) (shapes.Shape, error) {
	if l.factorX < 1 || l.factorY < 1 {
		return shapes.Shape{}, errors.Errorf("upscale factors must be >= 1, got %dx%d", l.factorX, l.factorY)
	}
	return in.WithSpatial(in.Width*l.factorX, in.Height*l.factorY), nil
}

// TransformGeometry implements graph.GeometryTransformer: the stride is divided by the factors, which
// must divide it exactly.
func (l *UpscaleLayer) TransformGeometry(g graph.Geometry) (graph.Geometry, error) {
	if l.factorX < 1 || l.factorY < 1 || g.StrideX%l.factorX != 0 || g.StrideY%l.factorY != 0 {
		return g, errors.Errorf("upscale by %dx%d doesn't divide the stride %dx%d", l.factorX, l.factorY, g.StrideX, g.StrideY)
	}
	g.StrideX /= l.factorX
	g.StrideY /= l.factorY
	return g, nil
}

// FeedForward implements graph.Layer.
func (l *UpscaleLayer) FeedForward() {
	in, out := l.in.Data, l.out.Data
	l.forSamples(in.Samples(), func(sample int) {
		for m := range out.Maps() {
			outMap := out.MapData(m, sample)
			inMap := in.MapData(m, sample)
			for y := range out.Height() {
				inRow := (y / l.factorY) * in.Width()
				for x := range out.Width() {
					outMap[y*out.Width()+x] = inMap[inRow+x/l.factorX]
				}
			}
		}
	})
}

// BackPropagate implements graph.Layer.
func (l *UpscaleLayer) BackPropagate() {
	inDelta, outDelta := l.in.Delta, l.out.Delta
	l.forSamples(inDelta.Samples(), func(sample int) {
		for m := range outDelta.Maps() {
			outMap := outDelta.MapData(m, sample)
			inMap := inDelta.MapData(m, sample)
			for y := range outDelta.Height() {
				inRow := (y / l.factorY) * inDelta.Width()
				for x := range outDelta.Width() {
					inMap[inRow+x/l.factorX] += outMap[y*outDelta.Width()+x]
				}
			}
		}
	})
}
