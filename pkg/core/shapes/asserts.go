// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims or AssertDims for a dimension whose value doesn't matter.
const UncheckedAxis = int(-1)

// HasShape is an interface for objects that have an associated Shape.
// tensors.Tensor, tensors.CombinedTensor and Shape itself implement it.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks that the shape has the given dimensions. A value of UncheckedAxis (-1)
// means the dimension can take any value and is not checked.
//
// It returns an error if any of the dimensions doesn't match.
func (s Shape) CheckDims(width, height, maps, samples int) error {
	want := [4]int{width, height, maps, samples}
	got := [4]int{s.Width, s.Height, s.Maps, s.Samples}
	names := [4]string{"width", "height", "maps", "samples"}
	for ii, wantDim := range want {
		if wantDim != UncheckedAxis && got[ii] != wantDim {
			return errors.Errorf("shape %s has %s %d, wanted %d", s, names[ii], got[ii], wantDim)
		}
	}
	return nil
}

// AssertDims is like CheckDims, but it panics if the shape doesn't match.
func (s Shape) AssertDims(width, height, maps, samples int) {
	if err := s.CheckDims(width, height, maps, samples); err != nil {
		exceptions.Panicf("shapes.AssertDims: %+v", err)
	}
}

// CheckEqual returns an error if the shapes of a and b differ.
func CheckEqual(a, b HasShape) error {
	if !a.Shape().Equal(b.Shape()) {
		return errors.Errorf("shapes %s and %s differ", a.Shape(), b.Shape())
	}
	return nil
}

// AssertEqual panics if the shapes of a and b differ.
func AssertEqual(a, b HasShape) {
	if err := CheckEqual(a, b); err != nil {
		exceptions.Panicf("shapes.AssertEqual: %+v", err)
	}
}
