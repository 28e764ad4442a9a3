// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorLayout(t *testing.T) {
	tensor := New(shapes.Make(3, 2, 2, 2))
	assert.Len(t, tensor.Data(), 24)
	assert.Equal(t, 0, tensor.Index(0, 0, 0, 0))
	assert.Equal(t, 1, tensor.Index(1, 0, 0, 0))
	assert.Equal(t, 3, tensor.Index(0, 1, 0, 0))
	assert.Equal(t, 6, tensor.Index(0, 0, 1, 0))
	assert.Equal(t, 12, tensor.Index(0, 0, 0, 1))
	assert.Equal(t, 23, tensor.Index(2, 1, 1, 1))
	require.Panics(t, func() { tensor.Index(3, 0, 0, 0) })
	require.Panics(t, func() { tensor.Index(0, 0, 0, 2) })

	tensor.Set(2, 1, 1, 1, 7)
	assert.Equal(t, float32(7), tensor.At(2, 1, 1, 1))
	assert.Equal(t, float32(7), tensor.SampleData(1)[11])
	assert.Equal(t, float32(7), tensor.MapData(1, 1)[5])
}

func TestTensorOps(t *testing.T) {
	shape := shapes.Make(2, 2, 1, 1)
	a := FromFlatData(shape, []float32{1, 2, 3, 4})
	b := New(shape)
	b.Fill(0.5)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, b.Data())

	b.AccumulateFrom(a)
	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5}, b.Data())
	b.Scale(2)
	assert.Equal(t, []float32{3, 5, 7, 9}, b.Data())
	assert.InDelta(t, 24.0, b.Sum(), 1e-6)

	b.CopyFrom(a)
	assert.Equal(t, a.Data(), b.Data())
	b.Clear()
	assert.Equal(t, 0.0, b.Sum())

	require.Panics(t, func() { b.AccumulateFrom(New(shapes.Make(1, 1, 1, 1))) })
	require.Panics(t, func() { FromFlatData(shape, []float32{1}) })
}

func TestCopySample(t *testing.T) {
	src := New(shapes.Make(2, 1, 1, 3))
	copy(src.Data(), []float32{1, 2, 3, 4, 5, 6})
	dst := New(shapes.Make(2, 1, 1, 2))
	require.True(t, dst.CopySample(1, src, 2))
	assert.Equal(t, []float32{0, 0, 5, 6}, dst.Data())
	require.False(t, dst.CopySample(2, src, 0))
	require.False(t, dst.CopySample(0, New(shapes.Make(3, 1, 1, 1)), 0))
}

func TestCombinedTensor(t *testing.T) {
	c := NewCombined(shapes.Make(4, 4, 2, 1))
	require.True(t, c.Data.Shape().Equal(c.Delta.Shape()))
	c.Delta.Fill(3)
	c.ZeroDelta()
	assert.Equal(t, 0.0, c.Delta.Sum())
	assert.Equal(t, "CombinedTensor[w=4 h=4 maps=2 samples=1]", c.String())
}
