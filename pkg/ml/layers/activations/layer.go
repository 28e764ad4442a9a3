// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package activations

import (
	"github.com/gomlx/seggraph/internal/workerspool"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Layer applies an activation elementwise. It takes one input, and its output has the same shape.
type Layer struct {
	activation  Type
	accelerated bool
	in, out     *tensors.CombinedTensor
}

// NewLayer creates a layer applying the given activation.
func NewLayer(activation Type) *Layer {
	return &Layer{activation: activation}
}

// Activation returns the type of activation applied.
func (l *Layer) Activation() Type { return l.activation }

// Type implements graph.Layer.
func (l *Layer) Type() string { return l.activation.String() }

// CreateOutputs implements graph.Layer.
func (l *Layer) CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("%s activation takes exactly one input, got %d", l.activation, len(inputs))
	}
	return []*tensors.CombinedTensor{tensors.NewCombined(inputs[0].Shape())}, nil
}

// Connect implements graph.Layer.
func (l *Layer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	if len(inputs) != 1 || len(outputs) != 1 {
		return errors.Errorf("%s activation needs 1 input and 1 output, got %d and %d",
			l.activation, len(inputs), len(outputs))
	}
	if !inputs[0].Shape().Equal(outputs[0].Shape()) {
		return errors.Errorf("%s activation input shape %s differs from output shape %s",
			l.activation, inputs[0].Shape(), outputs[0].Shape())
	}
	l.in, l.out = inputs[0], outputs[0]
	return nil
}

func (l *Layer) forSamples(fn func(sample int)) {
	samples := l.in.Shape().Samples
	if l.accelerated {
		workerspool.Default.Run(samples, fn)
		return
	}
	for sample := range samples {
		fn(sample)
	}
}

// FeedForward implements graph.Layer.
func (l *Layer) FeedForward() {
	l.forSamples(func(sample int) {
		x, y := l.in.Data.SampleData(sample), l.out.Data.SampleData(sample)
		for ii, v := range x {
			y[ii] = Apply(l.activation, v)
		}
	})
}

// BackPropagate implements graph.Layer.
func (l *Layer) BackPropagate() {
	l.forSamples(func(sample int) {
		y := l.out.Data.SampleData(sample)
		dy, dx := l.out.Delta.SampleData(sample), l.in.Delta.SampleData(sample)
		for ii, d := range dy {
			dx[ii] += d * Derivative(l.activation, y[ii])
		}
	})
}

// IsAccelerationAware implements graph.AccelerationAware.
func (l *Layer) IsAccelerationAware() bool { return true }

// SetAccelerated implements graph.AccelerationAware.
func (l *Layer) SetAccelerated(accelerated bool) { l.accelerated = accelerated }
