// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"

	"github.com/gomlx/seggraph/pkg/core/shapes"
)

// CombinedTensor pairs a Data tensor with a Delta (gradient) tensor of the exact same shape.
//
// It is the unit of data that flows on the edges of a NetGraph: a producing layer writes Data during the
// forward pass, and the consuming layers accumulate into Delta during the backward pass.
// Delta must be zeroed before every backward pass (NetGraph.BackPropagate does it).
type CombinedTensor struct {
	Data  *Tensor
	Delta *Tensor
}

// NewCombined allocates a zero-initialized data/delta pair of the given shape.
func NewCombined(shape shapes.Shape) *CombinedTensor {
	return &CombinedTensor{Data: New(shape), Delta: New(shape)}
}

// Shape of both the data and delta tensors. It implements shapes.HasShape.
func (c *CombinedTensor) Shape() shapes.Shape { return c.Data.Shape() }

// ZeroDelta clears the gradient.
func (c *CombinedTensor) ZeroDelta() { c.Delta.Clear() }

// String implements fmt.Stringer.
func (c *CombinedTensor) String() string {
	return fmt.Sprintf("CombinedTensor%s", c.Shape())
}
