// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the concrete layers that can be added to a graph.NetGraph.
//
// Layers don't depend on the graph package: they only implement its Layer contract (and optionally
// its capability interfaces) over tensors.CombinedTensor.
//
// Layers that implement the accelerated path (IsAccelerationAware) process the samples of a batch in parallel,
// using internal/workerspool, and wait for all of them before returning.
package layers

import (
	"github.com/gomlx/seggraph/internal/workerspool"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/pkg/errors"
)

// accelerable is embedded by layers that have an accelerated per-sample parallel path.
type accelerable struct {
	accelerated bool
}

// IsAccelerationAware implements graph.AccelerationAware.
func (a *accelerable) IsAccelerationAware() bool { return true }

// SetAccelerated implements graph.AccelerationAware.
func (a *accelerable) SetAccelerated(accelerated bool) { a.accelerated = accelerated }

// IsAccelerated returns the last value given to SetAccelerated.
func (a *accelerable) IsAccelerated() bool { return a.accelerated }

// forSamples calls fn for every sample, in parallel if accelerated.
func (a *accelerable) forSamples(samples int, fn func(sample int)) {
	if a.accelerated {
		workerspool.Default.Run(samples, fn)
		return
	}
	for sample := range samples {
		fn(sample)
	}
}

// allocate creates one tensor-pair per shape.
func allocate(outputShapes ...shapes.Shape) []*tensors.CombinedTensor {
	outputs := make([]*tensors.CombinedTensor, len(outputShapes))
	for ii, shape := range outputShapes {
		outputs[ii] = tensors.NewCombined(shape)
	}
	return outputs
}

// checkArity returns an error if the number of inputs is not within [minInputs, maxInputs].
// maxInputs < 0 means unlimited.
func checkArity(layerType string, inputs []*tensors.CombinedTensor, minInputs, maxInputs int) error {
	n := len(inputs)
	if n < minInputs || (maxInputs >= 0 && n > maxInputs) {
		switch {
		case minInputs == maxInputs:
			return errors.Errorf("%s layer takes exactly %d input(s), got %d", layerType, minInputs, n)
		case maxInputs < 0:
			return errors.Errorf("%s layer takes at least %d input(s), got %d", layerType, minInputs, n)
		default:
			return errors.Errorf("%s layer takes %d to %d inputs, got %d", layerType, minInputs, maxInputs, n)
		}
	}
	return nil
}

// checkOutputs verifies that the outputs given to Connect have the shapes the layer creates.
func checkOutputs(layerType string, outputs []*tensors.CombinedTensor, want []shapes.Shape) error {
	if len(outputs) != len(want) {
		return errors.Errorf("%s layer has %d output(s), got %d", layerType, len(want), len(outputs))
	}
	for ii, output := range outputs {
		if !output.Shape().Equal(want[ii]) {
			return errors.Errorf("%s layer output #%d should be shaped %s, got %s", layerType, ii, want[ii], output.Shape())
		}
	}
	return nil
}

// singleInputLayer is the plumbing shared by layers with exactly one input and one output, whose
// output shape is a function of the input shape.
type singleInputLayer struct {
	layerType   string
	outputShape func(in shapes.Shape) (shapes.Shape, error)
	in, out     *tensors.CombinedTensor
}

// Type implements graph.Layer.
func (l *singleInputLayer) Type() string { return l.layerType }

// CreateOutputs implements graph.Layer.
func (l *singleInputLayer) CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error) {
	if err := checkArity(l.layerType, inputs, 1, 1); err != nil {
		return nil, err
	}
	shape, err := l.outputShape(inputs[0].Shape())
	if err != nil {
		return nil, err
	}
	return allocate(shape), nil
}

// Connect implements graph.Layer.
func (l *singleInputLayer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	if err := checkArity(l.layerType, inputs, 1, 1); err != nil {
		return err
	}
	shape, err := l.outputShape(inputs[0].Shape())
	if err != nil {
		return err
	}
	if err = checkOutputs(l.layerType, outputs, []shapes.Shape{shape}); err != nil {
		return err
	}
	l.in, l.out = inputs[0], outputs[0]
	return nil
}
