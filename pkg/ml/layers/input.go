// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/pkg/errors"
)

// Output ports of InputLayer.
const (
	InputDataPort = iota
	InputLabelPort
	InputWeightPort
)

// InputLayer has no inputs: it holds the batch fed to the graph from outside, in three named output ports:
//
//   - "data": the input images, shaped [width, height, maps, samples].
//   - "label": the ground truth, shaped [width, height, max(classes, 1), samples].
//   - "weight": a per-pixel weight of the loss, shaped [width, height, 1, samples]. Initialized to 1.
type InputLayer struct {
	shape                   shapes.Shape
	classes                 int
	labelWidth, labelHeight int

	data, label, weight *tensors.CombinedTensor
}

var inputPortNames = []string{"data", "label", "weight"}

// NewInputLayer creates an input layer for a batch of the given shape, with labels for the given number of classes.
func NewInputLayer(shape shapes.Shape, classes int) *InputLayer {
	return &InputLayer{shape: shape, classes: classes}
}

// WithLabelSize sets the spatial size of the "label" and "weight" ports, when it differs from the data's.
// E.g.: when training on patches, the label is the class of the patch center, so its size is 1x1.
//
// It must be called before the layer is added to a graph, and returns the layer itself.
func (l *InputLayer) WithLabelSize(width, height int) *InputLayer {
	l.labelWidth, l.labelHeight = width, height
	return l
}

// Type implements graph.Layer.
func (l *InputLayer) Type() string { return "input" }

// OutputPortNames implements graph.PortNamer.
func (l *InputLayer) OutputPortNames() []string { return inputPortNames }

func (l *InputLayer) outputShapes() ([]shapes.Shape, error) {
	if !l.shape.Ok() {
		return nil, errors.Errorf("input layer has an invalid shape %s", l.shape)
	}
	labelShape := l.shape
	if l.labelWidth > 0 || l.labelHeight > 0 {
		if l.labelWidth <= 0 || l.labelHeight <= 0 {
			return nil, errors.Errorf("input layer has an invalid label size %dx%d", l.labelWidth, l.labelHeight)
		}
		labelShape = l.shape.WithSpatial(l.labelWidth, l.labelHeight)
	}
	return []shapes.Shape{l.shape, labelShape.WithMaps(max(l.classes, 1)), labelShape.WithMaps(1)}, nil
}

// CreateOutputs implements graph.Layer.
func (l *InputLayer) CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error) {
	if err := checkArity(l.Type(), inputs, 0, 0); err != nil {
		return nil, err
	}
	outputShapes, err := l.outputShapes()
	if err != nil {
		return nil, err
	}
	outputs := allocate(outputShapes...)
	outputs[InputWeightPort].Data.Fill(1)
	return outputs, nil
}

// Connect implements graph.Layer.
func (l *InputLayer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	if err := checkArity(l.Type(), inputs, 0, 0); err != nil {
		return err
	}
	outputShapes, err := l.outputShapes()
	if err != nil {
		return err
	}
	if err = checkOutputs(l.Type(), outputs, outputShapes); err != nil {
		return err
	}
	l.data, l.label, l.weight = outputs[InputDataPort], outputs[InputLabelPort], outputs[InputWeightPort]
	return nil
}

// FeedForward is a no-op: the data is loaded with LoadSample or written directly into Data.
func (l *InputLayer) FeedForward() {}

// BackPropagate is a no-op.
func (l *InputLayer) BackPropagate() {}

// Data returns the tensor-pair of the "data" port. Only valid after the layer is added to a graph.
func (l *InputLayer) Data() *tensors.CombinedTensor { return l.data }

// Label returns the tensor-pair of the "label" port. Only valid after the layer is added to a graph.
func (l *InputLayer) Label() *tensors.CombinedTensor { return l.label }

// Weight returns the tensor-pair of the "weight" port. Only valid after the layer is added to a graph.
func (l *InputLayer) Weight() *tensors.CombinedTensor { return l.weight }

// LoadSample copies the tensor at index of the data stream (and of the label stream, if not nil) into the
// given sample slot of the batch, and resets the slot's weight to 1.
func (l *InputLayer) LoadSample(slot int, data, label stream.TensorStream, index int) error {
	if l.data == nil {
		return errors.New("InputLayer.LoadSample called before the layer was connected")
	}
	if slot < 0 || slot >= l.shape.Samples {
		return errors.Errorf("InputLayer.LoadSample: slot %d out-of-range for batch of %d samples", slot, l.shape.Samples)
	}
	if err := data.CopySample(index, 0, l.data.Data, slot); err != nil {
		return errors.WithMessage(err, "loading data")
	}
	if label != nil {
		if err := label.CopySample(index, 0, l.label.Data, slot); err != nil {
			return errors.WithMessage(err, "loading label")
		}
	}
	l.SetWeight(slot, 1)
	return nil
}

// SetWeight sets the loss weight of every pixel of the given sample slot. A weight of 0 excludes the sample
// from the loss.
func (l *InputLayer) SetWeight(slot int, weight float32) {
	ws := l.weight.Data.SampleData(slot)
	for ii := range ws {
		ws[ii] = weight
	}
}
