// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training of a NetGraph: the optimizer (SGD with momentum and L1/L2
// regularization), its Settings, datasets feeding the graph's input layer, and a Loop with hooks.
package train

import (
	"io"
	"math"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

// Trainer runs the training steps of a NetGraph: feed a batch, forward, backward, and update the parameters.
type Trainer struct {
	graph    *graph.NetGraph
	input    *layers.InputLayer
	settings Settings

	params       []*tensors.CombinedTensor
	accumulated  []*tensors.Tensor
	velocities   []*tensors.Tensor
	globalStep   int
	lastLoss     float64
	lastRate     float32
	numNonFinite int
}

// NewTrainer creates a trainer for the graph, which must be complete, have an input node with a
// layers.InputLayer and at least one loss layer.
func NewTrainer(g *graph.NetGraph, settings Settings) (*Trainer, error) {
	if err := g.CheckComplete(); err != nil {
		return nil, errors.WithMessage(err, "can't train")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{graph: g, settings: settings}
	for _, node := range g.Nodes() {
		if input, ok := node.Layer().(*layers.InputLayer); ok {
			t.input = input
			break
		}
	}
	if t.input == nil {
		return nil, errors.Errorf("NetGraph %q has no input layer to feed", g.Name())
	}
	if len(g.LossNodes()) == 0 {
		return nil, errors.Errorf("NetGraph %q has no loss layer", g.Name())
	}
	t.params = g.Parameters()
	for _, p := range t.params {
		t.accumulated = append(t.accumulated, tensors.New(p.Shape()))
		t.velocities = append(t.velocities, tensors.New(p.Shape()))
	}
	klog.V(1).Infof("Trainer for NetGraph %q: %d parameter tensors, settings: %s", g.Name(), len(t.params), settings)
	return t, nil
}

// Graph being trained.
func (t *Trainer) Graph() *graph.NetGraph { return t.graph }

// Input layer fed by the datasets.
func (t *Trainer) Input() *layers.InputLayer { return t.input }

// Settings used by the trainer.
func (t *Trainer) Settings() Settings { return t.settings }

// GlobalStep is the number of parameter updates done so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// LastLoss returns the loss of the last TrainStep.
func (t *Trainer) LastLoss() float64 { return t.lastLoss }

// LearningRate returns the learning rate for the current global step:
//
//	LearningRate * (1 + Gamma*step)^(-Exponent)
func (t *Trainer) LearningRate() float32 {
	s := t.settings
	return float32(float64(s.LearningRate) * math.Pow(1+float64(s.Gamma)*float64(t.globalStep), -float64(s.Exponent)))
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// TrainStep runs one training step: for PBatchSize times, it yields a batch from the dataset and runs the
// forward and backward passes, accumulating the gradients. Then it updates the parameters.
//
// It returns the mean loss over the batches. If the dataset reaches its end (io.EOF) in the middle of a
// step, no update is done and io.EOF is returned.
//
// If the loss is not finite the update is skipped: GlobalStep doesn't advance and NumSkippedSteps does.
func (t *Trainer) TrainStep(ds Dataset) (loss float64, err error) {
	for _, acc := range t.accumulated {
		acc.Clear()
	}
	for range t.settings.PBatchSize {
		if err = ds.Yield(t.input); err != nil {
			if err == io.EOF {
				return 0, err
			}
			return 0, errors.WithMessagef(err, "TrainStep(global step %d): failed to yield from %q", t.globalStep, ds.Name())
		}
		t.graph.FeedForward()
		loss += t.graph.Loss()
		t.graph.BackPropagate()
		for ii, p := range t.params {
			blas32.Axpy(1, vector(p.Delta.Data()), vector(t.accumulated[ii].Data()))
		}
	}
	loss /= float64(t.settings.PBatchSize)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.numNonFinite++
		klog.Warningf("TrainStep(global step %d): loss is %g, skipping update", t.globalStep, loss)
		t.lastLoss = loss
		return loss, nil
	}
	t.update()
	t.lastLoss = loss
	if klog.V(2).Enabled() {
		klog.Infof("TrainStep(global step %d): loss=%g, lr=%g", t.globalStep, loss, t.lastRate)
	}
	return loss, nil
}

// update applies SGD with momentum:
//
//	gradient = accumulated/PBatchSize + L2Weight*w + L1Weight*sign(w)
//	velocity = Momentum*velocity - rate*gradient
//	w += velocity
func (t *Trainer) update() {
	s := t.settings
	rate := t.LearningRate()
	for ii, p := range t.params {
		weights, grad, velocity := p.Data.Data(), t.accumulated[ii].Data(), t.velocities[ii].Data()
		blas32.Scal(1/float32(s.PBatchSize), vector(grad))
		if s.L2Weight != 0 {
			blas32.Axpy(s.L2Weight, vector(weights), vector(grad))
		}
		if s.L1Weight != 0 {
			for jj, w := range weights {
				if w > 0 {
					grad[jj] += s.L1Weight
				} else if w < 0 {
					grad[jj] -= s.L1Weight
				}
			}
		}
		blas32.Scal(s.Momentum, vector(velocity))
		blas32.Axpy(-rate, vector(grad), vector(velocity))
		blas32.Axpy(1, vector(velocity), vector(weights))
	}
	t.lastRate = rate
	t.globalStep++
}

// NumSkippedSteps returns the number of steps whose update was skipped because the loss was not finite.
func (t *Trainer) NumSkippedSteps() int { return t.numNonFinite }

// Eval runs the forward pass over the whole dataset (without updating anything) and returns the mean loss.
// The dataset is reset before and after, and it must not be Infinite.
func (t *Trainer) Eval(ds Dataset) (loss float64, err error) {
	ds.Reset()
	defer ds.Reset()
	var count int
	for {
		err = ds.Yield(t.input)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "Eval(%q)", ds.Name())
		}
		t.graph.FeedForward()
		loss += t.graph.Loss()
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("Eval(%q): dataset yielded no batches", ds.Name())
	}
	return loss / float64(count), nil
}
