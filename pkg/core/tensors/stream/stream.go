// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stream defines TensorStream, the source of the tensors fed into the input node of a NetGraph,
// and FloatTensorStream, a simple in-memory implementation.
//
// Decoding tensors from files or datasets is done elsewhere: a TensorStream only has to answer shape
// queries by tensor index and copy individual samples out.
package stream

import (
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/pkg/errors"
)

// TensorStream is an indexed collection of tensors.
//
// Shape queries for an out-of-range index return 0.
type TensorStream interface {
	// TensorCount returns the number of tensors in the stream.
	TensorCount() int

	Width(index int) int
	Height(index int) int
	Maps(index int) int
	Samples(index int) int

	// CopySample copies sample sourceSample of tensor index into sample targetSample of target.
	CopySample(index, sourceSample int, target *tensors.Tensor, targetSample int) error
}

// FloatTensorStream keeps its tensors in memory.
type FloatTensorStream struct {
	tensors []*tensors.Tensor
}

var _ TensorStream = (*FloatTensorStream)(nil)

// NewFloatTensorStream creates a stream with the given tensors. Ownership of the tensors is transferred.
func NewFloatTensorStream(ts ...*tensors.Tensor) *FloatTensorStream {
	s := &FloatTensorStream{}
	for _, t := range ts {
		s.Append(t)
	}
	return s
}

// Append a tensor to the stream, returning its index.
func (s *FloatTensorStream) Append(t *tensors.Tensor) int {
	s.tensors = append(s.tensors, t)
	return len(s.tensors) - 1
}

// Tensor returns the tensor at the given index, or nil if out-of-range.
func (s *FloatTensorStream) Tensor(index int) *tensors.Tensor {
	if index < 0 || index >= len(s.tensors) {
		return nil
	}
	return s.tensors[index]
}

// TensorCount implements TensorStream.
func (s *FloatTensorStream) TensorCount() int { return len(s.tensors) }

// Width implements TensorStream.
func (s *FloatTensorStream) Width(index int) int {
	if t := s.Tensor(index); t != nil {
		return t.Width()
	}
	return 0
}

// Height implements TensorStream.
func (s *FloatTensorStream) Height(index int) int {
	if t := s.Tensor(index); t != nil {
		return t.Height()
	}
	return 0
}

// Maps implements TensorStream.
func (s *FloatTensorStream) Maps(index int) int {
	if t := s.Tensor(index); t != nil {
		return t.Maps()
	}
	return 0
}

// Samples implements TensorStream.
func (s *FloatTensorStream) Samples(index int) int {
	if t := s.Tensor(index); t != nil {
		return t.Samples()
	}
	return 0
}

// CopySample implements TensorStream.
func (s *FloatTensorStream) CopySample(index, sourceSample int, target *tensors.Tensor, targetSample int) error {
	source := s.Tensor(index)
	if source == nil {
		return errors.Errorf("FloatTensorStream.CopySample: tensor index %d out-of-range (%d tensors)", index, len(s.tensors))
	}
	if !target.CopySample(targetSample, source, sourceSample) {
		return errors.Errorf("FloatTensorStream.CopySample: can't copy sample %d of tensor #%d %s into sample %d of %s",
			sourceSample, index, source.Shape(), targetSample, target.Shape())
	}
	return nil
}
