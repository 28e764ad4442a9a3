// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math/rand"

	"github.com/gomlx/seggraph/pkg/core/tensors/stream"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Dataset for a train.Trainer provides the data, one batch at a time, loading it directly into the input
// layer of the graph.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield loads the next batch into the input layer: one sample per sample slot of the input layer.
	// It returns io.EOF at the end of the data.
	Yield(input *layers.InputLayer) error
}

// SizedDataset is implemented by datasets that know their number of samples. It is used by Loop.RunEpochs.
type SizedDataset interface {
	Dataset
	NumSamples() int
}

// StreamDataset yields samples from a pair of tensor streams: one with the input images and one with the
// labels, where the tensor at index i of both streams forms one sample.
type StreamDataset struct {
	name        string
	data, label stream.TensorStream
	rng         *rand.Rand
	loop        bool

	order []int
	next  int
}

// NewStreamDataset creates a dataset over the given streams. label can be nil (e.g. for inference).
// The number of samples is the number of tensors in the data stream.
func NewStreamDataset(name string, data, label stream.TensorStream) (*StreamDataset, error) {
	if data.TensorCount() == 0 {
		return nil, errors.Errorf("dataset %q: data stream is empty", name)
	}
	if label != nil && label.TensorCount() != data.TensorCount() {
		return nil, errors.Errorf("dataset %q: data stream has %d tensors, but label stream has %d",
			name, data.TensorCount(), label.TensorCount())
	}
	ds := &StreamDataset{name: name, data: data, label: label}
	ds.Reset()
	return ds, nil
}

// Shuffle the samples at every Reset, with the given random number generator.
// It returns the dataset, so configuration calls can be cascaded.
func (ds *StreamDataset) Shuffle(rng *rand.Rand) *StreamDataset {
	ds.rng = rng
	ds.Reset()
	return ds
}

// Infinite makes the dataset restart (Reset) automatically when it reaches the end, instead of returning io.EOF.
// It returns the dataset, so configuration calls can be cascaded.
func (ds *StreamDataset) Infinite(loop bool) *StreamDataset {
	ds.loop = loop
	return ds
}

// Name implements Dataset.
func (ds *StreamDataset) Name() string { return ds.name }

// NumSamples implements SizedDataset.
func (ds *StreamDataset) NumSamples() int { return ds.data.TensorCount() }

// Reset implements Dataset.
func (ds *StreamDataset) Reset() {
	n := ds.data.TensorCount()
	if len(ds.order) != n {
		ds.order = make([]int, n)
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.rng != nil {
		ds.rng.Shuffle(n, func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.next = 0
}

// Yield implements Dataset. The batch is only yielded if there are enough samples left to fill it.
func (ds *StreamDataset) Yield(input *layers.InputLayer) error {
	slots := input.Data().Shape().Samples
	if ds.next+slots > len(ds.order) {
		if !ds.loop || slots > len(ds.order) {
			return io.EOF
		}
		ds.Reset()
	}
	for slot := range slots {
		if err := input.LoadSample(slot, ds.data, ds.label, ds.order[ds.next]); err != nil {
			return errors.WithMessagef(err, "dataset %q: sample #%d", ds.name, ds.order[ds.next])
		}
		ds.next++
	}
	return nil
}
