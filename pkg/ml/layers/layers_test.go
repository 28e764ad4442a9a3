// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"flag"
	"math/rand"
	"testing"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "1")
}

var S = shapes.Make

// connect creates the outputs of the layer for the given inputs and connects them.
func connect(t *testing.T, layer graph.Layer, inputs ...*tensors.CombinedTensor) []*tensors.CombinedTensor {
	outputs, err := layer.CreateOutputs(inputs)
	require.NoError(t, err)
	require.NoError(t, layer.Connect(inputs, outputs))
	return outputs
}

// sequential returns a tensor-pair with the values 1, 2, 3...
func sequential(shape shapes.Shape) *tensors.CombinedTensor {
	ct := tensors.NewCombined(shape)
	for ii := range ct.Data.Data() {
		ct.Data.Data()[ii] = float32(ii + 1)
	}
	return ct
}

func randomFill(rng *rand.Rand, t *tensors.Tensor) {
	for ii := range t.Data() {
		t.Data()[ii] = float32(rng.Float64()*2 - 1)
	}
}

func TestResizeRoundTrip(t *testing.T) {
	for _, accelerated := range []bool{false, true} {
		const w, h, bx, by = 3, 2, 4, 2
		l := NewResizeLayer(bx, by)
		l.SetAccelerated(accelerated)
		in := sequential(S(w, h, 2, 2))
		out := connect(t, l, in)[0]
		require.True(t, out.Shape().Equal(S(w+bx, h+by, 2, 2)))

		l.FeedForward()
		for sample := range 2 {
			for m := range 2 {
				for y := range h + by {
					for x := range w + bx {
						want := float32(0)
						ix, iy := x-bx/2, y-by/2
						if ix >= 0 && ix < w && iy >= 0 && iy < h {
							want = in.Data.At(ix, iy, m, sample)
						}
						require.Equalf(t, want, out.Data.At(x, y, m, sample), "x=%d y=%d m=%d s=%d", x, y, m, sample)
					}
				}
			}
		}

		// Every output delta position gets a distinct value: only the interior must reach the input.
		for ii := range out.Delta.Data() {
			out.Delta.Data()[ii] = float32(1000 + ii)
		}
		in.Delta.Fill(1)
		l.BackPropagate()
		for sample := range 2 {
			for m := range 2 {
				for y := range h {
					for x := range w {
						want := 1 + out.Delta.At(x+bx/2, y+by/2, m, sample)
						require.Equal(t, want, in.Delta.At(x, y, m, sample))
					}
				}
			}
		}
		assert.InDelta(t, float64(in.Delta.Shape().Size()), in.Delta.Sum()-sumInterior(out.Delta, w, h, bx, by), 1e-3)
	}
}

func sumInterior(t *tensors.Tensor, w, h, bx, by int) float64 {
	var sum float64
	for sample := range t.Samples() {
		for m := range t.Maps() {
			for y := range h {
				for x := range w {
					sum += float64(t.At(x+bx/2, y+by/2, m, sample))
				}
			}
		}
	}
	return sum
}

func TestResizeGeometry(t *testing.T) {
	g := graph.InputGeometry()
	var err error
	for _, l := range []graph.Layer{NewResizeLayer(2, 4), NewResizeLayer(6, 0)} {
		g, err = graph.TransformGeometry(l, g)
		require.NoError(t, err)
	}
	assert.Equal(t, 8, g.BorderX)
	assert.Equal(t, 4, g.BorderY)
	assert.Equal(t, 1, g.ReceptiveX)

	_, err = NewResizeLayer(-1, 0).CreateOutputs([]*tensors.CombinedTensor{sequential(S(2, 2, 1, 1))})
	assert.Error(t, err)
}

// naiveConvolution computes the convolution directly from its definition.
func naiveConvolution(l *ConvolutionLayer, in *tensors.Tensor) *tensors.Tensor {
	kx, ky := l.KernelSize()
	sx, sy := l.Strides()
	inMaps := in.Maps()
	cols := kx * ky * inMaps
	outW, outH := (in.Width()-kx)/sx+1, (in.Height()-ky)/sy+1
	out := tensors.New(S(outW, outH, l.OutputMaps(), in.Samples()))
	w := l.Weights().Data.Data()
	for sample := range in.Samples() {
		for k := range l.OutputMaps() {
			for oy := range outH {
				for ox := range outW {
					var sum float32
					if l.Bias() != nil {
						sum = l.Bias().Data.Data()[k]
					}
					for m := range inMaps {
						for dy := range ky {
							for dx := range kx {
								sum += w[k*cols+(m*ky+dy)*kx+dx] * in.At(ox*sx+dx, oy*sy+dy, m, sample)
							}
						}
					}
					out.Set(ox, oy, k, sample, sum)
				}
			}
		}
	}
	return out
}

func TestConvolutionForward(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, accelerated := range []bool{false, true} {
		for _, stride := range []int{1, 2} {
			l := Convolution(3).KernelSizePerAxis(3, 2).Strides(stride).Done()
			l.SetAccelerated(accelerated)
			in := tensors.NewCombined(S(7, 5, 2, 3))
			randomFill(rng, in.Data)
			out := connect(t, l, in)[0]
			l.InitializeWeights(rng)
			randomFill(rng, l.Bias().Data)

			l.FeedForward()
			want := naiveConvolution(l, in.Data)
			require.True(t, want.Shape().Equal(out.Shape()), "want %s, got %s", want.Shape(), out.Shape())
			for ii, v := range want.Data() {
				require.InDeltaf(t, v, out.Data.Data()[ii], 1e-4, "stride=%d, index=%d", stride, ii)
			}
		}
	}
}

func TestConvolutionGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, accelerated := range []bool{false, true} {
		l := Convolution(2).KernelSize(2).StridePerAxis(1, 2).Done()
		l.SetAccelerated(accelerated)
		in := tensors.NewCombined(S(4, 5, 2, 2))
		randomFill(rng, in.Data)
		out := connect(t, l, in)[0]
		l.InitializeWeights(rng)

		// loss = Σ coef * out, so the output delta is coef.
		coef := tensors.New(out.Shape())
		randomFill(rng, coef)
		loss := func() float64 {
			l.FeedForward()
			var sum float64
			for ii, v := range out.Data.Data() {
				sum += float64(v * coef.Data()[ii])
			}
			return sum
		}
		loss()
		out.Delta.CopyFrom(coef)
		in.Delta.Clear()
		for _, p := range l.Parameters() {
			p.ZeroDelta()
		}
		l.BackPropagate()

		const eps = 1e-2
		check := func(name string, values, deltas []float32) {
			for ii := range values {
				orig := values[ii]
				values[ii] = orig + eps
				plus := loss()
				values[ii] = orig - eps
				minus := loss()
				values[ii] = orig
				require.InDeltaf(t, (plus-minus)/(2*eps), deltas[ii], 2e-2, "%s[%d] accelerated=%v", name, ii, accelerated)
			}
		}
		check("input", in.Data.Data(), in.Delta.Data())
		check("weights", l.Weights().Data.Data(), l.Weights().Delta.Data())
		check("bias", l.Bias().Data.Data(), l.Bias().Delta.Data())
	}
}

func TestConvolutionConfig(t *testing.T) {
	assert.Panics(t, func() { Convolution(0) })
	assert.Panics(t, func() { Convolution(2).Done() })
	assert.Panics(t, func() { Convolution(2).KernelSize(0) })

	l := Convolution(4).KernelSize(5).UseBias(false).Done()
	_, err := l.CreateOutputs([]*tensors.CombinedTensor{sequential(S(4, 8, 1, 1))})
	require.Error(t, err, "kernel is wider than the input")
	connect(t, l, sequential(S(8, 8, 3, 1)))
	assert.Nil(t, l.Bias())
	require.Len(t, l.Parameters(), 1)
	assert.True(t, l.Weights().Shape().Equal(S(5*5*3, 4, 1, 1)))

	l.InitializeWeights(rand.New(rand.NewSource(1)))
	limit := 0.25 // sqrt(6/(75+100))=0.185
	for _, w := range l.Weights().Data.Data() {
		require.Less(t, float64(w), limit)
		require.Greater(t, float64(w), -limit)
	}

	g, err := graph.TransformGeometry(Convolution(2).KernelSize(5).Strides(2).Done(), graph.InputGeometry())
	require.NoError(t, err)
	assert.Equal(t, graph.Geometry{ReceptiveX: 5, ReceptiveY: 5, StrideX: 2, StrideY: 2}, g)
	g, err = graph.TransformGeometry(Convolution(2).KernelSize(3).Done(), g)
	require.NoError(t, err)
	assert.Equal(t, 9, g.ReceptiveX, "5 + (3-1)*2")
}

func TestMaxPooling(t *testing.T) {
	for _, accelerated := range []bool{false, true} {
		l := NewMaxPoolingLayer(2, 2)
		l.SetAccelerated(accelerated)
		in := tensors.NewCombined(S(5, 4, 1, 2))
		// Sample 0: increasing values, the max is always the bottom-right of the window.
		// Sample 1: decreasing values, the max is always the top-left.
		for ii := range 20 {
			in.Data.Data()[ii] = float32(ii)
			in.Data.Data()[20+ii] = float32(-ii)
		}
		out := connect(t, l, in)[0]
		require.True(t, out.Shape().Equal(S(2, 2, 1, 2)), "partial windows are dropped")
		l.FeedForward()
		assert.Equal(t, []float32{6, 8, 16, 18, 0, -2, -10, -12}, out.Data.Data())

		out.Delta.Fill(1)
		l.BackPropagate()
		assert.Equal(t, float32(1), in.Delta.At(1, 1, 0, 0))
		assert.Equal(t, float32(1), in.Delta.At(0, 0, 0, 1))
		assert.Equal(t, float32(0), in.Delta.At(0, 0, 0, 0))
		assert.InDelta(t, 8.0, in.Delta.Sum(), 1e-6)
	}
	_, err := NewMaxPoolingLayer(3, 3).CreateOutputs([]*tensors.CombinedTensor{sequential(S(2, 2, 1, 1))})
	assert.Error(t, err)
}

func TestUpscale(t *testing.T) {
	l := NewUpscaleLayer(2, 3)
	in := sequential(S(2, 1, 1, 1))
	out := connect(t, l, in)[0]
	require.True(t, out.Shape().Equal(S(4, 3, 1, 1)))
	l.FeedForward()
	assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2, 1, 1, 2, 2}, out.Data.Data())
	out.Delta.Fill(1)
	l.BackPropagate()
	assert.Equal(t, []float32{6, 6}, in.Delta.Data())

	g := graph.Geometry{ReceptiveX: 4, ReceptiveY: 4, StrideX: 4, StrideY: 3}
	g, err := graph.TransformGeometry(l, g)
	require.NoError(t, err)
	assert.Equal(t, 2, g.StrideX)
	assert.Equal(t, 1, g.StrideY)
	_, err = graph.TransformGeometry(l, g)
	assert.Error(t, err, "stride 1 is not divisible by 3")
}

func TestCombine(t *testing.T) {
	a, b := sequential(S(2, 1, 1, 2)), sequential(S(2, 1, 2, 2))

	sum := NewSumLayer()
	_, err := sum.CreateOutputs([]*tensors.CombinedTensor{a, b})
	assert.Error(t, err, "sum of different shapes")
	_, err = sum.CreateOutputs([]*tensors.CombinedTensor{a})
	assert.Error(t, err, "sum of a single input")
	out := connect(t, sum, a, a)[0]
	sum.FeedForward()
	assert.Equal(t, []float32{2, 4, 6, 8}, out.Data.Data())
	out.Delta.Fill(1)
	sum.BackPropagate()
	assert.Equal(t, []float32{2, 2, 2, 2}, a.Delta.Data(), "both inputs are the same tensor-pair")

	concat := NewConcatenationLayer()
	out = connect(t, concat, a, b)[0]
	require.True(t, out.Shape().Equal(S(2, 1, 3, 2)))
	concat.FeedForward()
	assert.Equal(t, []float32{1, 2, 1, 2, 3, 4, 3, 4, 5, 6, 7, 8}, out.Data.Data())
	for ii := range out.Delta.Data() {
		out.Delta.Data()[ii] = float32(ii)
	}
	b.Delta.Clear()
	concat.BackPropagate()
	assert.Equal(t, []float32{2, 3, 4, 5, 8, 9, 10, 11}, b.Delta.Data())
	_, err = concat.CreateOutputs([]*tensors.CombinedTensor{a, sequential(S(3, 1, 1, 2))})
	assert.Error(t, err)

	pass := NewPassthroughLayer()
	in := sequential(S(2, 2, 1, 1))
	out = connect(t, pass, in)[0]
	pass.FeedForward()
	assert.Equal(t, in.Data.Data(), out.Data.Data())
	out.Delta.Fill(2)
	in.Delta.Fill(1)
	pass.BackPropagate()
	assert.Equal(t, []float32{3, 3, 3, 3}, in.Delta.Data())
}

func TestErrorLayer(t *testing.T) {
	prediction := tensors.NewCombined(S(2, 1, 1, 2))
	copy(prediction.Data.Data(), []float32{0, 0, 1, -1})
	label := tensors.NewCombined(S(2, 1, 1, 2))
	copy(label.Data.Data(), []float32{1, -1, 1, -1})
	weight := tensors.NewCombined(S(2, 1, 1, 2))
	copy(weight.Data.Data(), []float32{1, 1, 0, 2})

	l := NewErrorLayer(activations.TypeTanh, 2)
	assert.Empty(t, connect(t, l, prediction, label, weight))
	l.FeedForward()
	tanh1 := float64(activations.Apply(activations.TypeTanh, 1))
	// 2 * 0.5 * (1 + 1 + 0 + 2*(1-tanh1)²) / 2 samples
	want := (2 + 2*(1-tanh1)*(1-tanh1)) / 2
	assert.InDelta(t, want, l.Loss(), 1e-5)
	assert.Equal(t, activations.TypeTanh, l.Activation())
	assert.InDelta(t, -tanh1, float64(l.Prediction().At(1, 0, 0, 1)), 1e-6)

	l.BackPropagate()
	// d/dx of 0.5*w*(tanh(x)-y)² * 2/2 = w*(tanh(x)-y)*(1-tanh²(x)).
	assert.InDelta(t, -1.0, float64(prediction.Delta.At(0, 0, 0, 0)), 1e-6)
	assert.InDelta(t, 1.0, float64(prediction.Delta.At(1, 0, 0, 0)), 1e-6)
	assert.InDelta(t, 0.0, float64(prediction.Delta.At(0, 0, 0, 1)), 1e-6)
	assert.InDelta(t, 2*(-tanh1+1)*(1-tanh1*tanh1), float64(prediction.Delta.At(1, 0, 0, 1)), 1e-5)

	// Without weights, and label shape mismatch.
	l = NewErrorLayer(activations.TypeSigmoid, 1)
	connect(t, l, prediction, label)
	l.FeedForward()
	assert.Greater(t, l.Loss(), 0.0)
	_, err := l.CreateOutputs([]*tensors.CombinedTensor{prediction, sequential(S(2, 1, 2, 2))})
	assert.Error(t, err)
	_, err = l.CreateOutputs([]*tensors.CombinedTensor{prediction, label, sequential(S(2, 1, 1, 1))})
	assert.Error(t, err)
}

func TestInputLayer(t *testing.T) {
	l := NewInputLayer(S(2, 2, 3, 2), 4)
	assert.Equal(t, []string{"data", "label", "weight"}, l.OutputPortNames())
	outputs := connect(t, l)
	require.Len(t, outputs, 3)
	assert.True(t, outputs[InputLabelPort].Shape().Equal(S(2, 2, 4, 2)))
	assert.True(t, outputs[InputWeightPort].Shape().Equal(S(2, 2, 1, 2)))
	assert.InDelta(t, 8.0, l.Weight().Data.Sum(), 1e-6)

	data := stream.NewFloatTensorStream(sequential(S(2, 2, 3, 1)).Data, tensors.New(S(2, 2, 3, 1)))
	label := stream.NewFloatTensorStream(sequential(S(2, 2, 4, 1)).Data)
	l.SetWeight(1, 0)
	require.NoError(t, l.LoadSample(1, data, label, 0))
	assert.Equal(t, sequential(S(2, 2, 3, 1)).Data.Data(), l.Data().Data.SampleData(1))
	assert.Equal(t, sequential(S(2, 2, 4, 1)).Data.Data(), l.Label().Data.SampleData(1))
	assert.InDelta(t, 8.0, l.Weight().Data.Sum(), 1e-6)

	require.NoError(t, l.LoadSample(0, data, nil, 1))
	assert.Error(t, l.LoadSample(2, data, nil, 0), "slot out-of-range")
	assert.Error(t, l.LoadSample(0, data, label, 1), "label index out-of-range")
	_, err := l.CreateOutputs([]*tensors.CombinedTensor{sequential(S(1, 1, 1, 1))})
	assert.Error(t, err)
}

func TestInputLayerLabelSize(t *testing.T) {
	l := NewInputLayer(S(5, 5, 3, 2), 1).WithLabelSize(1, 1)
	outputs := connect(t, l)
	assert.True(t, outputs[InputDataPort].Shape().Equal(S(5, 5, 3, 2)))
	assert.True(t, outputs[InputLabelPort].Shape().Equal(S(1, 1, 1, 2)))
	assert.True(t, outputs[InputWeightPort].Shape().Equal(S(1, 1, 1, 2)))

	_, err := NewInputLayer(S(5, 5, 3, 2), 1).WithLabelSize(0, 1).CreateOutputs(nil)
	assert.Error(t, err)
}
