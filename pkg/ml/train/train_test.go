// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"flag"
	"io"
	"math"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "2")
}

func TestSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, float32(0.9), s.Momentum)

	s, err := ParseSettings(map[string]string{"lr": "0.05", "iterations": "1_000", "momentum": " 0.5 "})
	require.NoError(t, err)
	assert.Equal(t, float32(0.05), s.LearningRate)
	assert.Equal(t, 1000, s.Iterations)
	assert.Equal(t, float32(0.5), s.Momentum)
	assert.Equal(t, DefaultSettings().L2Weight, s.L2Weight)

	_, err = ParseSettings(map[string]string{"learning_rate": "0.1"})
	require.ErrorContains(t, err, "unknown training setting")
	_, err = ParseSettings(map[string]string{"sbatchsize": "1.5"})
	require.Error(t, err)
	_, err = ParseSettings(map[string]string{"momentum": "1"})
	require.Error(t, err, "momentum must be < 1")

	s2, err := s.UpdateFromString("l1=0; pbatchsize=4;")
	require.NoError(t, err)
	assert.Equal(t, float32(0), s2.L1Weight)
	assert.Equal(t, 4, s2.PBatchSize)
	assert.Equal(t, 1, s.PBatchSize, "Settings is a value, the original is not changed")
	_, err = s.UpdateFromString("l1")
	require.Error(t, err)

	assert.Contains(t, s2.String(), "pbatchsize=4")
	assert.Contains(t, s2.String(), "lr=0.05")
	assert.Len(t, Keys(), 10)
}

func TestMethod(t *testing.T) {
	assert.Equal(t, "fcn", MethodFCN.String())
	assert.Equal(t, "patch", MethodPatch.String())
	assert.Equal(t, MethodFCN, must.M1(MethodString("FCN")))
	_, err := MethodString("full")
	assert.Error(t, err)
}

// buildGraph creates: input -> 1x1 convolution -> error layer (tanh).
func buildGraph(t *testing.T, samples int) *graph.NetGraph {
	g := graph.New("train_test")
	inputID := must.M1(g.AddInputNode("input", layers.NewInputLayer(shapes.Make(3, 3, 1, samples), 1)))
	convID := must.M1(g.AddNode("conv", layers.Convolution(1).KernelSize(1).Done(), g.Node(inputID).Output(0)))
	_, err := g.AddNode("loss", layers.NewErrorLayer(activations.TypeTanh, 1),
		g.Node(convID).Output(0),
		g.Node(inputID).Output(layers.InputLabelPort),
		g.Node(inputID).Output(layers.InputWeightPort))
	require.NoError(t, err)
	require.NoError(t, g.CheckComplete())
	g.InitializeWeights(42)
	return g
}

// thresholdData creates images with random values in [0, 1], labeled +1 if > 0.5 and -1 otherwise.
func thresholdData(rng *rand.Rand, n int) (data, label *stream.FloatTensorStream) {
	data, label = stream.NewFloatTensorStream(), stream.NewFloatTensorStream()
	for range n {
		img, lbl := tensors.New(shapes.Make(3, 3, 1, 1)), tensors.New(shapes.Make(3, 3, 1, 1))
		for ii := range img.Data() {
			v := rng.Float32()
			img.Data()[ii] = v
			lbl.Data()[ii] = -1
			if v > 0.5 {
				lbl.Data()[ii] = 1
			}
		}
		data.Append(img)
		label.Append(lbl)
	}
	return
}

func TestTrainer(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data, label := thresholdData(rng, 4)
	ds := must.M1(NewStreamDataset("threshold", data, label)).Shuffle(rng).Infinite(true)
	evalDS := must.M1(NewStreamDataset("threshold_eval", data, label))

	g := buildGraph(t, 2)
	settings := must.M1(ParseSettings(map[string]string{
		"lr": "0.05", "momentum": "0.5", "l1": "0", "l2": "0", "gamma": "0", "pbatchsize": "2"}))
	trainer, err := NewTrainer(g, settings)
	require.NoError(t, err)
	assert.Equal(t, float32(0.05), trainer.LearningRate())

	firstLoss, err := trainer.Eval(evalDS)
	require.NoError(t, err)
	for range 100 {
		_, err = trainer.TrainStep(ds)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, trainer.GlobalStep())
	lastLoss, err := trainer.Eval(evalDS)
	require.NoError(t, err)
	assert.Less(t, lastLoss, firstLoss)
	assert.Equal(t, 0, trainer.NumSkippedSteps())
}

func TestNonFiniteLossSkipped(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data, label := thresholdData(rng, 2)
	for ii := range data.TensorCount() {
		data.Tensor(ii).Data()[0] = float32(math.NaN())
	}
	ds := must.M1(NewStreamDataset("nan", data, label))
	g := buildGraph(t, 1)
	weightsBefore := make([][]float32, 0)
	for _, p := range g.Parameters() {
		weightsBefore = append(weightsBefore, slices.Clone(p.Data.Data()))
	}
	trainer := must.M1(NewTrainer(g, DefaultSettings()))
	loop := NewLoop(trainer)

	loss, err := loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(loss))
	assert.Equal(t, 5, loop.LoopStep)
	assert.Equal(t, 0, trainer.GlobalStep())
	assert.Equal(t, 5, trainer.NumSkippedSteps())
	for ii, p := range g.Parameters() {
		assert.Equal(t, weightsBefore[ii], p.Data.Data())
	}
}

func TestLearningRateSchedule(t *testing.T) {
	g := buildGraph(t, 1)
	settings := must.M1(ParseSettings(map[string]string{"lr": "0.1", "gamma": "0.5", "exponent": "2"}))
	trainer := must.M1(NewTrainer(g, settings))
	trainer.globalStep = 2
	// 0.1 * (1 + 0.5*2)^-2 = 0.025
	assert.InDelta(t, 0.025, float64(trainer.LearningRate()), 1e-7)
}

func TestNewTrainerErrors(t *testing.T) {
	g := graph.New("incomplete")
	_, err := NewTrainer(g, DefaultSettings())
	require.ErrorIs(t, err, graph.ErrIncomplete)

	// Complete graph, but without loss.
	g = graph.New("no_loss")
	inputID := must.M1(g.AddInputNode("input", layers.NewInputLayer(shapes.Make(3, 3, 1, 1), 1)))
	id := must.M1(g.AddNode("pass", layers.NewPassthroughLayer(), g.Node(inputID).Output(0)))
	require.NoError(t, g.MarkOutput(id))
	_, err = NewTrainer(g, DefaultSettings())
	require.ErrorContains(t, err, "no loss layer")

	_, err = NewTrainer(buildGraph(t, 1), Settings{})
	require.Error(t, err, "invalid settings")
}

func TestStreamDataset(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data, label := thresholdData(rng, 5)
	ds := must.M1(NewStreamDataset("ds", data, label))
	assert.Equal(t, 5, ds.NumSamples())

	input := layers.NewInputLayer(shapes.Make(3, 3, 1, 2), 1)
	outputs := must.M1(input.CreateOutputs(nil))
	require.NoError(t, input.Connect(nil, outputs))

	require.NoError(t, ds.Yield(input))
	assert.Equal(t, data.Tensor(1).Data(), input.Data().Data.SampleData(1))
	require.NoError(t, ds.Yield(input))
	assert.Equal(t, data.Tensor(3).Data(), input.Data().Data.SampleData(1))
	assert.Equal(t, io.EOF, ds.Yield(input), "only one sample left, not enough for a batch")
	ds.Reset()
	require.NoError(t, ds.Yield(input))
	assert.Equal(t, data.Tensor(0).Data(), input.Data().Data.SampleData(0))

	ds.Infinite(true)
	for range 10 {
		require.NoError(t, ds.Yield(input))
	}

	_, err := NewStreamDataset("mismatch", data, stream.NewFloatTensorStream())
	assert.Error(t, err)
	_, err = NewStreamDataset("empty", stream.NewFloatTensorStream(), nil)
	assert.Error(t, err)
}

func TestLoop(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data, label := thresholdData(rng, 3)
	ds := must.M1(NewStreamDataset("loop", data, label))
	g := buildGraph(t, 1)
	trainer := must.M1(NewTrainer(g, DefaultSettings()))
	loop := NewLoop(trainer)

	var events []string
	loop.OnStart("start", 0, func(_ *Loop, ds Dataset) error {
		events = append(events, "start:"+ds.Name())
		return nil
	})
	var steps []int
	loop.OnStep("late", 10, func(l *Loop, loss float64) error {
		steps = append(steps, l.LoopStep)
		return nil
	})
	loop.OnStep("early", -1, func(l *Loop, loss float64) error {
		events = append(events, "step")
		require.False(t, math.IsNaN(loss))
		return nil
	})
	loop.OnEnd("end", 0, func(_ *Loop, _ float64) error {
		events = append(events, "end")
		return nil
	})

	// 7 steps with a dataset of 3 samples: it is reset on io.EOF.
	_, err := loop.RunSteps(ds, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, steps)
	assert.Equal(t, "start:loop", events[0])
	assert.Equal(t, "end", events[len(events)-1])
	assert.Len(t, events, 9)
	assert.Equal(t, 7, trainer.GlobalStep())
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// EpochTrainingRatio=1, 3 samples, 1 sample per step.
	assert.Equal(t, 3, loop.StepsPerEpoch(ds))
	_, err = loop.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 13, trainer.GlobalStep())
	assert.Equal(t, 13, loop.LoopStep)
}
