// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PassthroughLayer copies its single input to its output, and the output delta back to the input delta.
type PassthroughLayer struct {
	singleInputLayer
}

// NewPassthroughLayer creates an identity layer.
func NewPassthroughLayer() *PassthroughLayer {
	return &PassthroughLayer{singleInputLayer{
		layerType:   "passthrough",
		outputShape: func(in shapes.Shape) (shapes.Shape, error) { return in, nil },
	}}
}

// FeedForward implements graph.Layer.
func (l *PassthroughLayer) FeedForward() {
	l.out.Data.CopyFrom(l.in.Data)
}

// BackPropagate implements graph.Layer.
func (l *PassthroughLayer) BackPropagate() {
	l.in.Delta.AccumulateFrom(l.out.Delta)
}

// multiInputLayer is the plumbing shared by layers with 2 or more inputs and one output.
type multiInputLayer struct {
	layerType   string
	outputShape func(inputs []shapes.Shape) (shapes.Shape, error)
	inputs      []*tensors.CombinedTensor
	out         *tensors.CombinedTensor
}

// Type implements graph.Layer.
func (l *multiInputLayer) Type() string { return l.layerType }

func (l *multiInputLayer) shape(inputs []*tensors.CombinedTensor) (shapes.Shape, error) {
	if err := checkArity(l.layerType, inputs, 2, -1); err != nil {
		return shapes.Shape{}, err
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, in := range inputs {
		inputShapes[ii] = in.Shape()
	}
	return l.outputShape(inputShapes)
}

// CreateOutputs implements graph.Layer.
func (l *multiInputLayer) CreateOutputs(inputs []*tensors.CombinedTensor) ([]*tensors.CombinedTensor, error) {
	shape, err := l.shape(inputs)
	if err != nil {
		return nil, err
	}
	return allocate(shape), nil
}

// Connect implements graph.Layer.
func (l *multiInputLayer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	shape, err := l.shape(inputs)
	if err != nil {
		return err
	}
	if err = checkOutputs(l.layerType, outputs, []shapes.Shape{shape}); err != nil {
		return err
	}
	l.inputs, l.out = inputs, outputs[0]
	return nil
}

// SumLayer adds 2 or more inputs of the same shape elementwise.
type SumLayer struct {
	multiInputLayer
}

// NewSumLayer creates an elementwise sum layer.
func NewSumLayer() *SumLayer {
	return &SumLayer{multiInputLayer{
		layerType: "sum",
		outputShape: func(inputs []shapes.Shape) (shapes.Shape, error) {
			for ii, s := range inputs[1:] {
				if !s.Equal(inputs[0]) {
					return shapes.Shape{}, errors.Errorf("sum layer input #%d shaped %s, but input #0 is shaped %s",
						ii+1, s, inputs[0])
				}
			}
			return inputs[0], nil
		},
	}}
}

// FeedForward implements graph.Layer.
func (l *SumLayer) FeedForward() {
	l.out.Data.CopyFrom(l.inputs[0].Data)
	for _, in := range l.inputs[1:] {
		l.out.Data.AccumulateFrom(in.Data)
	}
}

// BackPropagate implements graph.Layer.
func (l *SumLayer) BackPropagate() {
	for _, in := range l.inputs {
		in.Delta.AccumulateFrom(l.out.Delta)
	}
}

// ConcatenationLayer stacks the maps of 2 or more inputs with the same width, height and number of samples.
type ConcatenationLayer struct {
	multiInputLayer
}

// NewConcatenationLayer creates a layer concatenating its inputs along the maps axis.
func NewConcatenationLayer() *ConcatenationLayer {
	return &ConcatenationLayer{multiInputLayer{
		layerType: "concatenation",
		outputShape: func(inputs []shapes.Shape) (shapes.Shape, error) {
			maps := 0
			for ii, s := range inputs {
				if !s.EqualSpatial(inputs[0]) || s.Samples != inputs[0].Samples {
					return shapes.Shape{}, errors.Errorf("concatenation layer input #%d shaped %s, incompatible with input #0 shaped %s",
						ii, s, inputs[0])
				}
				maps += s.Maps
			}
			return inputs[0].WithMaps(maps), nil
		},
	}}
}

// FeedForward implements graph.Layer.
func (l *ConcatenationLayer) FeedForward() {
	for sample := range l.out.Data.Samples() {
		dst := l.out.Data.SampleData(sample)
		for _, in := range l.inputs {
			n := copy(dst, in.Data.SampleData(sample))
			dst = dst[n:]
		}
	}
}

// BackPropagate implements graph.Layer.
func (l *ConcatenationLayer) BackPropagate() {
	for sample := range l.out.Delta.Samples() {
		src := l.out.Delta.SampleData(sample)
		for _, in := range l.inputs {
			dst := in.Delta.SampleData(sample)
			for ii := range dst {
				dst[ii] += src[ii]
			}
			src = src[len(dst):]
		}
	}
}
