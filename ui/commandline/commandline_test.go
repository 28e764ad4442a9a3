// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/gomlx/seggraph/pkg/ml/factory"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/train"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
?convolutional kernels=2 size=3x3 name=conv
?tanh
?convolutional kernels=(o) size=1x1 name=classifier
method=fcn
lr=0.01
`

func buildTrainer(t *testing.T) (*train.Trainer, *stream.FloatTensorStream, *stream.FloatTensorStream) {
	f := must.M1(factory.NewConfigurableFactory(strings.NewReader(testConfig), 1, true))
	g := graph.New("commandline_test")
	inputID := must.M1(g.AddInputNode("input", layers.NewInputLayer(shapes.Make(4, 4, 1, 1), 1)))
	complete, err := f.AddLayers(g, g.Node(inputID).Output(layers.InputDataPort), 1, true)
	require.NoError(t, err)
	require.True(t, complete)
	trainer := must.M1(train.NewTrainer(g, f.OptimalSettings()))

	rng := rand.New(rand.NewSource(1))
	data, label := stream.NewFloatTensorStream(), stream.NewFloatTensorStream()
	for range 3 {
		img, lbl := tensors.New(shapes.Make(4, 4, 1, 1)), tensors.New(shapes.Make(4, 4, 1, 1))
		for ii := range img.Data() {
			img.Data()[ii] = rng.Float32()
			lbl.Data()[ii] = 2*rng.Float32() - 1
		}
		data.Append(img)
		label.Append(lbl)
	}
	return trainer, data, label
}

func captureOutput(t *testing.T) *bytes.Buffer {
	buf := &bytes.Buffer{}
	previous := Writer
	Writer = buf
	t.Cleanup(func() { Writer = previous })
	return buf
}

func TestGraphSummary(t *testing.T) {
	trainer, _, _ := buildTrainer(t)
	summary := GraphSummary(trainer.Graph())
	for _, want := range []string{"input", "conv", "classifier (output)", "tanh", "resize", "error",
		"input:data", "receptive=3x3", "Graph \"commandline_test\"", "patch size 3x3"} {
		assert.Contains(t, summary, want)
	}
	// 3*3*1*2 weights + 2 biases + 2*1 weights + 1 bias.
	assert.Contains(t, summary, " 23 parameters")
}

func TestReportEval(t *testing.T) {
	buf := captureOutput(t)
	trainer, data, label := buildTrainer(t)
	ds := must.M1(train.NewStreamDataset("eval", data, label))
	require.NoError(t, ReportEval(trainer, ds))
	assert.Contains(t, buf.String(), "Results on eval:")
	assert.Contains(t, buf.String(), "loss: ")
}

func TestProgressBar(t *testing.T) {
	buf := captureOutput(t)
	trainer, data, label := buildTrainer(t)
	ds := must.M1(train.NewStreamDataset("train", data, label))
	loop := train.NewLoop(trainer)
	var extraCalls int
	AttachProgressBar(loop, func() (string, string) {
		extraCalls++
		return "Extra", "metric"
	})
	_, err := loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, trainer.GlobalStep())
	assert.Positive(t, extraCalls)
	output := buf.String()
	assert.Contains(t, output, "Global Step")
	assert.Contains(t, output, "5 of 5")
	assert.Contains(t, output, "Extra")
}

func TestProgressBarRepeatedRuns(t *testing.T) {
	buf := captureOutput(t)
	trainer, data, label := buildTrainer(t)
	ds := must.M1(train.NewStreamDataset("train", data, label))
	loop := train.NewLoop(trainer)
	AttachProgressBar(loop)

	// A run without steps ends right after it starts, possibly before the drawing goroutine is scheduled.
	for range 20 {
		_, err := loop.RunSteps(ds, 0)
		require.NoError(t, err)
	}
	_, err := loop.RunSteps(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, trainer.GlobalStep())
	assert.Contains(t, buf.String(), "2 of 2")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.25ms", FormatDuration(2250*time.Microsecond))
	assert.Equal(t, "3.00µs", FormatDuration(3*time.Microsecond))
	assert.Equal(t, "7ns", FormatDuration(7*time.Nanosecond))
}
