// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// Geometry describes, for one node of the graph, how its output pixels relate to the pixels of the graph input.
//
// It is accumulated in construction order, each layer contributing with its GeometryTransformer
// (layers that don't implement it leave it unchanged). The per-layer contributions, per axis, are:
//
//   - convolution with kernel k and stride s: Receptive += (k-1)*Stride; Stride *= s
//   - pooling of size p: Receptive += (p-1)*Stride; Stride *= p
//   - upscale by factor f: Stride /= f
//   - resize with border b: Border += b
//
// For nodes with multiple inputs, each field is the maximum over the inputs.
type Geometry struct {
	// ReceptiveX, ReceptiveY is the extent of input pixels that influences one output pixel.
	ReceptiveX, ReceptiveY int

	// StrideX, StrideY is the "patch field": how many input pixels the output moves when moving by one output pixel.
	StrideX, StrideY int

	// BorderX, BorderY is the total border added by resize layers.
	BorderX, BorderY int
}

// InputGeometry is the geometry of an input node: each pixel only sees itself.
func InputGeometry() Geometry {
	return Geometry{ReceptiveX: 1, ReceptiveY: 1, StrideX: 1, StrideY: 1}
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("receptive=%dx%d stride=%dx%d border=%dx%d",
		g.ReceptiveX, g.ReceptiveY, g.StrideX, g.StrideY, g.BorderX, g.BorderY)
}

// combineGeometries takes the per-field maximum.
func combineGeometries(geometries []Geometry) Geometry {
	if len(geometries) == 0 {
		return InputGeometry()
	}
	g := geometries[0]
	for _, g2 := range geometries[1:] {
		g.ReceptiveX = max(g.ReceptiveX, g2.ReceptiveX)
		g.ReceptiveY = max(g.ReceptiveY, g2.ReceptiveY)
		g.StrideX = max(g.StrideX, g2.StrideX)
		g.StrideY = max(g.StrideY, g2.StrideY)
		g.BorderX = max(g.BorderX, g2.BorderX)
		g.BorderY = max(g.BorderY, g2.BorderY)
	}
	return g
}

// TransformGeometry applies the contribution of a layer to g, if the layer implements GeometryTransformer.
func TransformGeometry(layer Layer, g Geometry) (Geometry, error) {
	if transformer, ok := layer.(GeometryTransformer); ok {
		return transformer.TransformGeometry(g)
	}
	return g, nil
}
