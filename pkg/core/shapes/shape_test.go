// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(4, 3, 2, 5)
	assert.True(t, s.Ok())
	assert.Equal(t, 4*3*2*5, s.Size())
	assert.Equal(t, 4*3*2, s.SampleSize())
	assert.Equal(t, uintptr(4*4*3*2*5), s.Memory())
	assert.Equal(t, "[w=4 h=3 maps=2 samples=5]", s.String())
	assert.False(t, Shape{}.Ok())

	s2 := s.WithMaps(7)
	assert.Equal(t, 7, s2.Maps)
	assert.True(t, s.EqualSpatial(s2))
	assert.False(t, s.Equal(s2))
	assert.True(t, s.Equal(s2.WithMaps(2)))
	assert.Equal(t, Make(9, 8, 2, 5), s.WithSpatial(9, 8))
	assert.Equal(t, Make(4, 3, 2, 1), s.WithSamples(1))

	require.Panics(t, func() { _ = Make(0, 1, 1, 1) })
	require.Panics(t, func() { _ = s.WithMaps(-1) })
}

func TestCheckDims(t *testing.T) {
	s := Make(4, 3, 2, 1)
	require.NoError(t, s.CheckDims(4, 3, 2, 1))
	require.NoError(t, s.CheckDims(UncheckedAxis, 3, UncheckedAxis, UncheckedAxis))
	err := s.CheckDims(4, 4, 2, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height 3")
	require.Panics(t, func() { s.AssertDims(1, 1, 1, 1) })
	require.NotPanics(t, func() { s.AssertDims(-1, -1, -1, -1) })

	require.NoError(t, CheckEqual(s, Make(4, 3, 2, 1)))
	require.Error(t, CheckEqual(s, Make(4, 3, 2, 2)))
	require.Panics(t, func() { AssertEqual(s, Make(1, 3, 2, 1)) })
}
