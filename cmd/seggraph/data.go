// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/core/tensors/images"
	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
	"github.com/gomlx/seggraph/pkg/ml/train"
	"github.com/gomlx/seggraph/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// exampleSet holds training examples: for the fcn method whole images with per-pixel labels, and for
// the patch method patches labeled by their center pixel.
type exampleSet struct {
	data, label *stream.FloatTensorStream
}

func loadImages(imageList, labelList string) (imgs, labels []image.Image, err error) {
	imagePaths, err := fsutil.ExistingFiles(imageList)
	if err != nil {
		return nil, nil, err
	}
	labelPaths, err := fsutil.ExistingFiles(labelList)
	if err != nil {
		return nil, nil, err
	}
	if len(labelPaths) > 0 && len(labelPaths) != len(imagePaths) {
		return nil, nil, errors.Errorf("got %d images but %d labels", len(imagePaths), len(labelPaths))
	}
	load := func(paths []string) ([]image.Image, error) {
		loaded := make([]image.Image, 0, len(paths))
		for _, p := range paths {
			img, err := imaging.Open(p)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to load image %q", p)
			}
			loaded = append(loaded, img)
		}
		return loaded, nil
	}
	if imgs, err = load(imagePaths); err != nil {
		return
	}
	labels, err = load(labelPaths)
	return
}

// setLabel of pixel (x, y): for one class the label is +1 if the value is >= 0.5 and -1 otherwise,
// for more classes the value range [0, 1] is split in equal buckets and the label is one-hot.
func setLabel(label *tensors.Tensor, x, y, sample int, value float32, classes int) {
	if classes <= 1 {
		if value >= 0.5 {
			label.Set(x, y, 0, sample, 1)
		} else {
			label.Set(x, y, 0, sample, -1)
		}
		return
	}
	class := min(max(int(value*float32(classes)), 0), classes-1)
	for m := range classes {
		label.Set(x, y, m, sample, 0)
	}
	label.Set(x, y, class, sample, 1)
}

// patchesFrom appends to the example set the patches of size width x height of the image (padded by clamping to
// the border), centered in pixels on a grid, labeled by the label of their center pixel.
func (ex *exampleSet) patchesFrom(img, label *tensors.Tensor, width, height int) {
	step := max(1, min(width, height)/2)
	for cy := 0; cy < img.Height(); cy += step {
		for cx := 0; cx < img.Width(); cx += step {
			ex.data.Append(extractPatch(img, cx, cy, width, height))
			patchLabel := tensors.New(shapes.Make(1, 1, label.Maps(), 1))
			for m := range label.Maps() {
				patchLabel.Set(0, 0, m, 0, label.At(cx, cy, m, 0))
			}
			ex.label.Append(patchLabel)
		}
	}
}

// extractPatch of the first sample of img, centered in (cx, cy). Pixels outside the image are clamped to the border.
func extractPatch(img *tensors.Tensor, cx, cy, width, height int) *tensors.Tensor {
	patch := tensors.New(shapes.Make(width, height, img.Maps(), 1))
	for py := range height {
		y := min(max(cy-height/2+py, 0), img.Height()-1)
		for px := range width {
			x := min(max(cx-width/2+px, 0), img.Width()-1)
			for m := range img.Maps() {
				patch.Set(px, py, m, 0, img.At(x, y, m, 0))
			}
		}
	}
	return patch
}

func examplesFromImages(imgs, labels []image.Image, width, height, classes int, method train.Method) (*exampleSet, error) {
	ex := &exampleSet{data: stream.NewFloatTensorStream(), label: stream.NewFloatTensorStream()}
	for ii, img := range imgs {
		if method == train.MethodFCN {
			ex.data.Append(images.ToTensor().Resize(width, height).Single(img))
			ex.label.Append(images.LabelFromImage(labels[ii], width, height, classes))
			continue
		}
		full := images.ToTensor().Single(img)
		label := images.LabelFromImage(labels[ii], full.Width(), full.Height(), classes)
		ex.patchesFrom(full, label, width, height)
	}
	if ex.data.TensorCount() == 0 {
		return nil, errors.New("no training examples")
	}
	return ex, nil
}

// syntheticExamples creates random images labeled by thresholding their first map.
func syntheticExamples(rng *rand.Rand, n, width, height, maps, classes int, method train.Method) *exampleSet {
	ex := &exampleSet{data: stream.NewFloatTensorStream(), label: stream.NewFloatTensorStream()}
	labelMaps := max(classes, 1)
	for range n {
		img := tensors.New(shapes.Make(width, height, maps, 1))
		for ii := range img.Data() {
			img.Data()[ii] = rng.Float32()
		}
		if method == train.MethodPatch {
			label := tensors.New(shapes.Make(1, 1, labelMaps, 1))
			setLabel(label, 0, 0, 0, img.At(width/2, height/2, 0, 0), classes)
			ex.data.Append(img)
			ex.label.Append(label)
			continue
		}
		label := tensors.New(shapes.Make(width, height, labelMaps, 1))
		for y := range height {
			for x := range width {
				setLabel(label, x, y, 0, img.At(x, y, 0, 0), classes)
			}
		}
		ex.data.Append(img)
		ex.label.Append(label)
	}
	return ex
}

// activatedOutput returns the first sample of the graph output, with the activation of the loss applied.
func activatedOutput(g *graph.NetGraph, classes int) *tensors.Tensor {
	output := g.OutputNode().Outputs()[0].Data
	activation := activations.ForClasses(classes)
	activated := tensors.New(output.Shape().WithSamples(1))
	for ii, v := range output.SampleData(0) {
		activated.Data()[ii] = activations.Apply(activation, v)
	}
	return activated
}

// predictionTensor runs the network over the image and returns its activated prediction, with the size of the
// image for the patch method (one patch per pixel) and the size of the input for the fcn method.
func predictionTensor(g *graph.NetGraph, input *layers.InputLayer, img image.Image, classes int, method train.Method) *tensors.Tensor {
	data := input.Data().Data
	width, height := data.Width(), data.Height()
	if method == train.MethodFCN {
		data.CopySample(0, images.ToTensor().Resize(width, height).Single(img), 0)
		g.FeedForward()
		return activatedOutput(g, classes)
	}

	full := images.ToTensor().Single(img)
	var prediction *tensors.Tensor
	for y := range full.Height() {
		for x := range full.Width() {
			data.CopySample(0, extractPatch(full, x, y, width, height), 0)
			g.FeedForward()
			out := activatedOutput(g, classes)
			if prediction == nil {
				prediction = tensors.New(shapes.Make(full.Width(), full.Height(), out.Maps(), 1))
			}
			for m := range out.Maps() {
				prediction.Set(x, y, m, 0, out.At(0, 0, m, 0))
			}
		}
	}
	return prediction
}

func writePrediction(g *graph.NetGraph, input *layers.InputLayer, img image.Image, classes int, method train.Method, filePath string) error {
	prediction := predictionTensor(g, input, img, classes, method)
	var rendered image.Image
	if classes <= 1 {
		low, high := activations.ForClasses(classes).Range()
		rendered = images.ToImage().Range(low, high).Single(prediction, 0)
	} else {
		// Render the most likely class, in grey levels.
		classMap := tensors.New(prediction.Shape().WithMaps(1))
		for y := range prediction.Height() {
			for x := range prediction.Width() {
				best := 0
				for m := 1; m < prediction.Maps(); m++ {
					if prediction.At(x, y, m, 0) > prediction.At(x, y, best, 0) {
						best = m
					}
				}
				classMap.Set(x, y, 0, 0, float32(best)/float32(classes-1))
			}
		}
		rendered = images.ToImage().Single(classMap, 0)
	}
	filePath, err := fsutil.ReplaceTilde(filePath)
	if err != nil {
		return err
	}
	if err := imaging.Save(rendered, filePath); err != nil {
		return errors.Wrapf(err, "failed to save prediction to %q", filePath)
	}
	klog.Infof("Prediction saved to %q", filePath)
	return nil
}
