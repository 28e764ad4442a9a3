// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math/rand"

	"github.com/gomlx/seggraph/pkg/core/tensors"
)

// Layer is a unit of computation in a NetGraph, with paired forward and backward transforms over
// tensor-pairs (tensors.CombinedTensor).
//
// The NetGraph drives a layer through its life-cycle:
//
//  1. CreateOutputs is called once, with the already resolved input tensor-pairs, and the layer allocates
//     its output tensor-pairs. It returns an error if the input shapes are incompatible with the layer.
//  2. Connect is called once with the inputs and the outputs created in step 1. The layer validates the
//     pairing and keeps references to them.
//  3. FeedForward and BackPropagate are called any number of times, in construction order and reverse
//     construction order respectively.
//
// BackPropagate must accumulate (+=) into the input deltas, never overwrite them: an input connection may be
// consumed by several layers, and its delta is the sum of their contributions. The NetGraph zeroes all deltas
// before each backward pass.
//
// Shape invariants are checked in CreateOutputs/Connect only: FeedForward and BackPropagate don't return errors.
type Layer interface {
	// Type returns a short name of the layer type, e.g. "resize" or "convolution". Used for logging and
	// pretty-printing.
	Type() string

	// CreateOutputs allocates the outputs of the layer, given its inputs.
	CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error)

	// Connect validates and binds the inputs and outputs of the layer.
	Connect(inputs, outputs []*tensors.CombinedTensor) error

	// FeedForward reads the inputs' data and writes the outputs' data.
	FeedForward()

	// BackPropagate reads the outputs' deltas and accumulates into the inputs' deltas (and the parameters' deltas).
	BackPropagate()
}

// AccelerationAware is implemented by layers whose type has an accelerated execution path.
//
// The accelerated path may run work concurrently, but it must be drained before FeedForward or BackPropagate
// return: from the NetGraph point of view both calls are blocking.
type AccelerationAware interface {
	// IsAccelerationAware is a static property of the layer type.
	IsAccelerationAware() bool

	// SetAccelerated switches between the accelerated and the plain path.
	SetAccelerated(accelerated bool)
}

// GeometryTransformer is implemented by layers that change the receptive field, patch field (stride) or border
// of the graph. Layers that don't implement it leave the geometry unchanged.
type GeometryTransformer interface {
	TransformGeometry(in Geometry) (Geometry, error)
}

// ParameterizedLayer is implemented by layers with learnable parameters (weights).
type ParameterizedLayer interface {
	// Parameters returns the learnable parameters as tensor-pairs: Data holds the weights, and Delta the
	// gradients accumulated during BackPropagate.
	Parameters() []*tensors.CombinedTensor

	// InitializeWeights (re-)initializes the parameters using the given random number generator.
	InitializeWeights(rng *rand.Rand)
}

// LossLayer is implemented by layers that compute a training objective. They typically have no outputs, and
// seed the gradients of their inputs in BackPropagate.
type LossLayer interface {
	// Loss returns the value of the objective computed in the last FeedForward.
	Loss() float64
}

// PortNamer is implemented by layers with named output ports, so connections can refer to a port by name,
// e.g. "input:label".
type PortNamer interface {
	OutputPortNames() []string
}
