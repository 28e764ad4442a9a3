// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package factory

import (
	"math/rand"
	"slices"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
)

// LayerConstructor creates a layer from the parameters of its declaration.
//
// The random number generator is the factory's, seeded with the factory seed. Weights of layers implementing
// graph.ParameterizedLayer are initialized by the factory after the layer is added, so constructors don't need
// to do it.
type LayerConstructor func(params *Params, rng *rand.Rand) (graph.Layer, error)

// KnownLayers maps layer type tokens (lower-case) to their constructors.
//
// Use RegisterLayer to add new ones.
var KnownLayers = map[string]LayerConstructor{
	"convolutional": newConvolution,
	"convolution":   newConvolution,
	"maxpooling":    newMaxPooling,
	"max_pooling":   newMaxPooling,
	"upscale":       newUpscale,
	"resize":        newResize,
	"tanh":          activationConstructor(activations.TypeTanh),
	"sigm":          activationConstructor(activations.TypeSigmoid),
	"sigmoid":       activationConstructor(activations.TypeSigmoid),
	"relu":          activationConstructor(activations.TypeRelu),
	"identity":      newPassthrough,
	"passthrough":   newPassthrough,
	"sum":           func(*Params, *rand.Rand) (graph.Layer, error) { return layers.NewSumLayer(), nil },
	"concat":        newConcatenation,
	"concatenation": newConcatenation,
}

// RegisterLayer registers (or replaces) the constructor for the layer type token.
// It should be called during initialization, it is not safe for concurrent use.
func RegisterLayer(token string, constructor LayerConstructor) {
	KnownLayers[token] = constructor
}

// Tokens returns the registered layer type tokens, sorted.
func Tokens() []string {
	tokens := make([]string, 0, len(KnownLayers))
	for token := range KnownLayers {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens
}

// newConvolution: kernels=N size=KxK [stride=SxS] [bias=0|1].
func newConvolution(params *Params, _ *rand.Rand) (graph.Layer, error) {
	kernels, err := params.Int("kernels")
	if err != nil {
		return nil, err
	}
	if kernels <= 0 {
		return nil, configErrorf(params.Line(), "kernels=%d must be positive", kernels)
	}
	kernelX, kernelY, err := params.Size("size")
	if err != nil {
		return nil, err
	}
	strideX, strideY, err := params.SizeOr("stride", 1, 1)
	if err != nil {
		return nil, err
	}
	useBias, err := params.IntOr("bias", 1)
	if err != nil {
		return nil, err
	}
	return layers.Convolution(kernels).
		KernelSizePerAxis(kernelX, kernelY).
		StridePerAxis(strideX, strideY).
		UseBias(useBias != 0).
		Done(), nil
}

func newMaxPooling(params *Params, _ *rand.Rand) (graph.Layer, error) {
	poolX, poolY, err := params.Size("size")
	if err != nil {
		return nil, err
	}
	return layers.NewMaxPoolingLayer(poolX, poolY), nil
}

func newUpscale(params *Params, _ *rand.Rand) (graph.Layer, error) {
	factorX, factorY, err := params.Size("size")
	if err != nil {
		return nil, err
	}
	return layers.NewUpscaleLayer(factorX, factorY), nil
}

func newResize(params *Params, _ *rand.Rand) (graph.Layer, error) {
	borderX, borderY, err := params.NonNegativeSize("border")
	if err != nil {
		return nil, err
	}
	return layers.NewResizeLayer(borderX, borderY), nil
}

func activationConstructor(t activations.Type) LayerConstructor {
	return func(*Params, *rand.Rand) (graph.Layer, error) {
		return activations.NewLayer(t), nil
	}
}

func newPassthrough(*Params, *rand.Rand) (graph.Layer, error) {
	return layers.NewPassthroughLayer(), nil
}

func newConcatenation(*Params, *rand.Rand) (graph.Layer, error) {
	return layers.NewConcatenationLayer(), nil
}
