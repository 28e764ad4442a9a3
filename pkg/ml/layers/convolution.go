// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// This file contains all parts of the ConvolutionLayer implementation.

// ConvBuilder is a helper to build a ConvolutionLayer. Create it with Convolution, set the desired parameters,
// and when all is set, call Done.
type ConvBuilder struct {
	outputMaps       int
	kernelX, kernelY int
	strideX, strideY int
	bias             bool
}

// Convolution prepares a valid (no padding) 2D convolution layer with the given number of output maps
// (also called kernels, filters or channels).
//
// It returns a ConvBuilder object for configuration. Once it is set up, call ConvBuilder.Done to create the layer.
//
// The kernel size must be set (KernelSize or KernelSizePerAxis). By default, strides are 1 and a
// trainable bias is used.
func Convolution(outputMaps int) *ConvBuilder {
	if outputMaps <= 0 {
		exceptions.Panicf("number of output maps must be > 0, it was set to %d", outputMaps)
	}
	return &ConvBuilder{outputMaps: outputMaps, strideX: 1, strideY: 1, bias: true}
}

// KernelSize sets the same kernel size for both axes.
func (conv *ConvBuilder) KernelSize(size int) *ConvBuilder {
	return conv.KernelSizePerAxis(size, size)
}

// KernelSizePerAxis sets the kernel size for each axis.
func (conv *ConvBuilder) KernelSizePerAxis(kernelX, kernelY int) *ConvBuilder {
	if kernelX <= 0 || kernelY <= 0 {
		exceptions.Panicf("kernel size must be > 0, got %dx%d", kernelX, kernelY)
	}
	conv.kernelX, conv.kernelY = kernelX, kernelY
	return conv
}

// Strides sets the same stride for both axes. The default is 1.
//
// The stride is how many steps to move after a convolution. A value of 2 will half the input
// size, since a convolution will be done at every other position.
func (conv *ConvBuilder) Strides(stride int) *ConvBuilder {
	return conv.StridePerAxis(stride, stride)
}

// StridePerAxis sets the stride of each axis. The default is 1.
func (conv *ConvBuilder) StridePerAxis(strideX, strideY int) *ConvBuilder {
	if strideX <= 0 || strideY <= 0 {
		exceptions.Panicf("strides must be > 0, got %dx%d", strideX, strideY)
	}
	conv.strideX, conv.strideY = strideX, strideY
	return conv
}

// UseBias sets whether to add a trainable bias term to the convolution. Default is true.
func (conv *ConvBuilder) UseBias(useBias bool) *ConvBuilder {
	conv.bias = useBias
	return conv
}

// Done creates the ConvolutionLayer. It panics if the kernel size was not set.
func (conv *ConvBuilder) Done() *ConvolutionLayer {
	if conv.kernelX == 0 {
		exceptions.Panicf("convolution kernel size not set, use KernelSize or KernelSizePerAxis")
	}
	l := &ConvolutionLayer{config: *conv}
	l.singleInputLayer = singleInputLayer{layerType: "convolution", outputShape: l.outputShape}
	return l
}

// ConvolutionLayer is a valid 2D convolution with optional bias.
//
// Weights are shaped [kernelX*kernelY*inputMaps, outputMaps, 1, 1], that is, a matrix with one row per output map.
// The convolution is computed as a matrix multiplication of the weights with the unrolled input patches
// ("im2col"), using gonum's blas32.
type ConvolutionLayer struct {
	singleInputLayer
	accelerable
	config ConvBuilder

	weights, bias *tensors.CombinedTensor
	inputMaps     int
	outW, outH    int

	// patches holds the unrolled input patches of each sample, from the last FeedForward.
	patches [][]float32

	// weightsDeltaPerSample are per-sample weight gradients, used in the accelerated path to avoid
	// concurrent writes.
	weightsDeltaPerSample [][]float32
}

// OutputMaps returns the number of output maps.
func (l *ConvolutionLayer) OutputMaps() int { return l.config.outputMaps }

// KernelSize returns the size of the kernel.
func (l *ConvolutionLayer) KernelSize() (kernelX, kernelY int) { return l.config.kernelX, l.config.kernelY }

// Strides returns the strides of the convolution.
func (l *ConvolutionLayer) Strides() (strideX, strideY int) { return l.config.strideX, l.config.strideY }

// Weights returns the weights tensor-pair. Only available after the layer is connected.
func (l *ConvolutionLayer) Weights() *tensors.CombinedTensor { return l.weights }

// Bias returns the bias tensor-pair, or nil if the layer has no bias. Only available after the layer is connected.
func (l *ConvolutionLayer) Bias() *tensors.CombinedTensor { return l.bias }

func (l *ConvolutionLayer) outputShape(in shapes.Shape) (shapes.Shape, error) {
	c := l.config
	if in.Width < c.kernelX || in.Height < c.kernelY {
		return shapes.Shape{}, errors.Errorf("convolution kernel %dx%d larger than input %s", c.kernelX, c.kernelY, in)
	}
	outW := (in.Width-c.kernelX)/c.strideX + 1
	outH := (in.Height-c.kernelY)/c.strideY + 1
	return shapes.Make(outW, outH, c.outputMaps, in.Samples), nil
}

// Connect implements graph.Layer. It also allocates the parameters, initialized to zero: use InitializeWeights.
func (l *ConvolutionLayer) Connect(inputs, outputs []*tensors.CombinedTensor) error {
	if err := l.singleInputLayer.Connect(inputs, outputs); err != nil {
		return err
	}
	c := l.config
	l.inputMaps = l.in.Shape().Maps
	l.outW, l.outH = l.out.Shape().Width, l.out.Shape().Height
	cols := c.kernelX * c.kernelY * l.inputMaps
	l.weights = tensors.NewCombined(shapes.Make(cols, c.outputMaps, 1, 1))
	if c.bias {
		l.bias = tensors.NewCombined(shapes.Make(c.outputMaps, 1, 1, 1))
	}
	samples := l.in.Shape().Samples
	l.patches = make([][]float32, samples)
	for sample := range samples {
		l.patches[sample] = make([]float32, cols*l.outW*l.outH)
	}
	l.weightsDeltaPerSample = nil
	return nil
}

// TransformGeometry implements graph.GeometryTransformer.
func (l *ConvolutionLayer) TransformGeometry(g graph.Geometry) (graph.Geometry, error) {
	c := l.config
	g.ReceptiveX += (c.kernelX - 1) * g.StrideX
	g.ReceptiveY += (c.kernelY - 1) * g.StrideY
	g.StrideX *= c.strideX
	g.StrideY *= c.strideY
	return g, nil
}

// Parameters implements graph.ParameterizedLayer.
func (l *ConvolutionLayer) Parameters() []*tensors.CombinedTensor {
	if l.weights == nil {
		return nil
	}
	if l.bias == nil {
		return []*tensors.CombinedTensor{l.weights}
	}
	return []*tensors.CombinedTensor{l.weights, l.bias}
}

// InitializeWeights implements graph.ParameterizedLayer: weights are drawn uniformly from
// ±sqrt(6/(fanIn+fanOut)) and the bias is set to 0.
func (l *ConvolutionLayer) InitializeWeights(rng *rand.Rand) {
	if l.weights == nil {
		return
	}
	c := l.config
	fanIn := c.kernelX * c.kernelY * l.inputMaps
	fanOut := c.kernelX * c.kernelY * c.outputMaps
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for ii := range l.weights.Data.Data() {
		l.weights.Data.Data()[ii] = float32((2*rng.Float64() - 1) * limit)
	}
	if l.bias != nil {
		l.bias.Data.Clear()
	}
}

// general wraps a row-major rows x cols matrix.
func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// im2col unrolls the input patches of a sample into a [cols, outW*outH] matrix, with
// row = (m*kernelY+dy)*kernelX+dx and column = oy*outW+ox.
func (l *ConvolutionLayer) im2col(sample int) {
	c := l.config
	in := l.in.Data
	patches := l.patches[sample]
	positions := l.outW * l.outH
	for m := range l.inputMaps {
		inMap := in.MapData(m, sample)
		for dy := range c.kernelY {
			for dx := range c.kernelX {
				row := patches[((m*c.kernelY+dy)*c.kernelX+dx)*positions:]
				for oy := range l.outH {
					inRow := inMap[(oy*c.strideY+dy)*in.Width()+dx:]
					for ox := range l.outW {
						row[oy*l.outW+ox] = inRow[ox*c.strideX]
					}
				}
			}
		}
	}
}

// col2im accumulates a [cols, outW*outH] matrix of patch deltas into the input delta of a sample.
func (l *ConvolutionLayer) col2im(sample int, patchDeltas []float32) {
	c := l.config
	inDelta := l.in.Delta
	positions := l.outW * l.outH
	for m := range l.inputMaps {
		inMap := inDelta.MapData(m, sample)
		for dy := range c.kernelY {
			for dx := range c.kernelX {
				row := patchDeltas[((m*c.kernelY+dy)*c.kernelX+dx)*positions:]
				for oy := range l.outH {
					inRow := inMap[(oy*c.strideY+dy)*inDelta.Width()+dx:]
					for ox := range l.outW {
						inRow[ox*c.strideX] += row[oy*l.outW+ox]
					}
				}
			}
		}
	}
}

// FeedForward implements graph.Layer.
func (l *ConvolutionLayer) FeedForward() {
	c := l.config
	cols := l.weights.Shape().Width
	positions := l.outW * l.outH
	l.forSamples(l.in.Shape().Samples, func(sample int) {
		l.im2col(sample)
		out := l.out.Data.SampleData(sample)
		if l.bias != nil {
			for k, b := range l.bias.Data.Data() {
				outMap := out[k*positions : (k+1)*positions]
				for ii := range outMap {
					outMap[ii] = b
				}
			}
		}
		beta := float32(0)
		if l.bias != nil {
			beta = 1
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(c.outputMaps, cols, l.weights.Data.Data()),
			general(cols, positions, l.patches[sample]),
			beta, general(c.outputMaps, positions, out))
	})
}

// BackPropagate implements graph.Layer. It requires a previous FeedForward, whose unrolled patches are reused.
func (l *ConvolutionLayer) BackPropagate() {
	c := l.config
	cols := l.weights.Shape().Width
	positions := l.outW * l.outH
	samples := l.in.Shape().Samples

	if l.accelerated && samples > 1 && len(l.weightsDeltaPerSample) != samples {
		l.weightsDeltaPerSample = make([][]float32, samples)
		for sample := range samples {
			l.weightsDeltaPerSample[sample] = make([]float32, cols*c.outputMaps)
		}
	}
	useSampleDeltas := l.accelerated && samples > 1

	l.forSamples(samples, func(sample int) {
		outDelta := general(c.outputMaps, positions, l.out.Delta.SampleData(sample))

		// Weights gradient: dW += dOut x patches^T
		weightsDelta := l.weights.Delta.Data()
		beta := float32(1)
		if useSampleDeltas {
			weightsDelta = l.weightsDeltaPerSample[sample]
			beta = 0
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, outDelta, general(cols, positions, l.patches[sample]),
			beta, general(c.outputMaps, cols, weightsDelta))

		// Input gradient: patchDeltas = W^T x dOut, folded back into the input delta.
		patchDeltas := make([]float32, cols*positions)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(c.outputMaps, cols, l.weights.Data.Data()), outDelta,
			0, general(cols, positions, patchDeltas))
		l.col2im(sample, patchDeltas)
	})

	if useSampleDeltas {
		for _, sampleDelta := range l.weightsDeltaPerSample {
			l.weights.Delta.AccumulateFrom(tensors.FromFlatData(l.weights.Shape(), sampleDelta))
		}
	}

	if l.bias != nil {
		biasDelta := l.bias.Delta.Data()
		for sample := range samples {
			outDelta := l.out.Delta.SampleData(sample)
			for k := range c.outputMaps {
				var sum float32
				for _, d := range outDelta[k*positions : (k+1)*positions] {
					sum += d
				}
				biasDelta[k] += sum
			}
		}
	}
}
