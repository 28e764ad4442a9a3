// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// ErrorLayer is the loss layer: a weighted squared error between the activated prediction and the label.
//
// Inputs are, in order: the prediction (the raw output of the network), the label (same shape) and,
// optionally, a per-pixel weight shaped [width, height, 1, samples]. It has no outputs.
//
// With p = activation(prediction), the loss is
//
//	lossWeight * 0.5 * Σ weight * (p - label)² / samples
//
// and BackPropagate accumulates its gradient w.r.t. the prediction into the prediction's delta.
type ErrorLayer struct {
	activation activations.Type
	lossWeight float32

	prediction, label, weight *tensors.CombinedTensor
	activated                 *tensors.Tensor
	loss                      float64
}

// NewErrorLayer creates a loss layer with the given activation applied to the prediction, and the given weight.
func NewErrorLayer(activation activations.Type, lossWeight float32) *ErrorLayer {
	return &ErrorLayer{activation: activation, lossWeight: lossWeight}
}

// Type implements graph.Layer.
func (l *ErrorLayer) Type() string { return "error" }

// Activation returns the activation applied to the prediction before comparing with the label.
func (l *ErrorLayer) Activation() activations.Type { return l.activation }

// LossWeight returns the factor the loss is scaled by.
func (l *ErrorLayer) LossWeight() float32 { return l.lossWeight }

// Loss implements graph.LossLayer.
func (l *ErrorLayer) Loss() float64 { return l.loss }

// Prediction returns the activated prediction computed by the last FeedForward, or nil before the layer is connected.
func (l *ErrorLayer) Prediction() *tensors.Tensor { return l.activated }

func (l *ErrorLayer) checkInputs(inputs []*tensors.CombinedTensor) error {
	if err := checkArity(l.Type(), inputs, 2, 3); err != nil {
		return err
	}
	prediction, label := inputs[0].Shape(), inputs[1].Shape()
	if !prediction.Equal(label) {
		return errors.Errorf("error layer prediction shaped %s but label shaped %s", prediction, label)
	}
	if len(inputs) == 3 {
		weight := inputs[2].Shape()
		if !weight.Equal(prediction.WithMaps(1)) {
			return errors.Errorf("error layer weight shaped %s, but it should be %s", weight, prediction.WithMaps(1))
		}
	}
	return nil
}

// CreateOutputs implements graph.Layer. The loss layer has no outputs.
func (l *ErrorLayer) CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error) {
	if err := l.checkInputs(inputs); err != nil {
		return nil, err
	}
	return nil, nil
}

// Connect implements graph.Layer.
func (l *ErrorLayer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	if err := l.checkInputs(inputs); err != nil {
		return err
	}
	if err := checkOutputs(l.Type(), outputs, []shapes.Shape{}); err != nil {
		return err
	}
	l.prediction, l.label = inputs[0], inputs[1]
	l.weight = nil
	if len(inputs) == 3 {
		l.weight = inputs[2]
	}
	l.activated = tensors.New(l.prediction.Shape())
	return nil
}

// pixelWeight returns the weight of pixel (x, y) of the sample.
func (l *ErrorLayer) pixelWeight(x, y, sample int) float32 {
	if l.weight == nil {
		return 1
	}
	return l.weight.Data.At(x, y, 0, sample)
}

// forEach calls fn with the flat index of every element and its pixel weight.
func (l *ErrorLayer) forEach(fn func(idx int, w float32)) {
	s := l.prediction.Shape()
	for sample := range s.Samples {
		for m := range s.Maps {
			for y := range s.Height {
				for x := range s.Width {
					fn(l.activated.Index(x, y, m, sample), l.pixelWeight(x, y, sample))
				}
			}
		}
	}
}

// FeedForward implements graph.Layer.
func (l *ErrorLayer) FeedForward() {
	x, y, p := l.prediction.Data.Data(), l.label.Data.Data(), l.activated.Data()
	var sum float64
	l.forEach(func(idx int, w float32) {
		p[idx] = activations.Apply(l.activation, x[idx])
		diff := float64(p[idx] - y[idx])
		sum += float64(w) * diff * diff
	})
	l.loss = float64(l.lossWeight) * 0.5 * sum / float64(l.prediction.Shape().Samples)
}

// BackPropagate implements graph.Layer. It requires a previous FeedForward.
func (l *ErrorLayer) BackPropagate() {
	y, p, dx := l.label.Data.Data(), l.activated.Data(), l.prediction.Delta.Data()
	scale := l.lossWeight / float32(l.prediction.Shape().Samples)
	l.forEach(func(idx int, w float32) {
		dx[idx] += scale * w * (p[idx] - y[idx]) * activations.Derivative(l.activation, p[idx])
	})
}
