// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It receives the loss of the step.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. It receives the loss of the last step.
type OnEndFn func(loop *Loop, loss float64) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// progress bars or early-stopping strategies.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed. It is initialized with the trainer's GlobalStep.
	//
	// It advances on every step, including steps skipped by the trainer because of a non-finite loss,
	// so it can run ahead of Trainer.GlobalStep.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:  trainer,
		LoopStep: trainer.GlobalStep(),
		onStart:  newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:   newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:    newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(%q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) step(ds Dataset) (loss float64, err error) {
	start := time.Now()
	loss, err = loop.Trainer.TrainStep(ds)
	if err != nil {
		return
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(start))
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, loss); err != nil {
			return loss, errors.WithMessagef(err, "OnStep(%q)", hook.name)
		}
	}
	loop.LoopStep++
	return
}

func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(%q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs the given number of training steps, and returns the loss of the last one.
//
// If the dataset reaches its end (io.EOF), it is reset and training continues.
func (loop *Loop) RunSteps(ds Dataset, steps int) (loss float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return
	}
	for loop.LoopStep < loop.EndStep {
		loss, err = loop.step(ds)
		if err == io.EOF {
			ds.Reset()
			loss, err = loop.step(ds)
			if err == io.EOF {
				return loss, errors.Errorf("Loop.RunSteps(%d): dataset %q too small to yield a single step",
					steps, ds.Name())
			}
		}
		if err != nil {
			return loss, errors.WithMessagef(err, "Loop.RunSteps(%d): failed at step %d", steps, loop.LoopStep)
		}
	}
	err = loop.end(loss)
	return
}

// StepsPerEpoch returns the number of steps of an epoch of the dataset: EpochTrainingRatio times its
// number of samples, divided by the samples used per step (SBatchSize * PBatchSize). At least 1.
func (loop *Loop) StepsPerEpoch(ds SizedDataset) int {
	s := loop.Trainer.Settings()
	samplesPerStep := loop.Trainer.Input().Data().Shape().Samples * s.PBatchSize
	steps := int(math.Ceil(float64(s.EpochTrainingRatio) * float64(ds.NumSamples()) / float64(samplesPerStep)))
	return max(steps, 1)
}

// RunEpochs runs the given number of epochs (see StepsPerEpoch), and returns the loss of the last step.
func (loop *Loop) RunEpochs(ds SizedDataset, epochs int) (loss float64, err error) {
	stepsPerEpoch := loop.StepsPerEpoch(ds)
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + epochs*stepsPerEpoch
	if err = loop.start(ds); err != nil {
		return
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		ds.Reset()
		for range stepsPerEpoch {
			loss, err = loop.step(ds)
			if err == io.EOF {
				ds.Reset()
				loss, err = loop.step(ds)
			}
			if err != nil {
				return loss, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed at epoch %d, step %d",
					epochs, loop.Epoch, loop.LoopStep)
			}
		}
	}
	err = loop.end(loss)
	return
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
