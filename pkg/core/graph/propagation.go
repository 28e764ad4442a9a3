// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/seggraph/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// AddInputNode adds a node without inputs: its outputs are fed from outside the graph.
func (g *NetGraph) AddInputNode(name string, layer Layer) (NodeID, error) {
	return g.AddNode(name, layer)
}

func (g *NetGraph) assertOk(method string) {
	if !g.Ok() {
		exceptions.Panicf("NetGraph %q: %s called on a graph with a construction error: %v", g.name, method, g.error)
	}
}

// FeedForward runs FeedForward on every node in construction order.
//
// It panics if the graph has a construction error.
func (g *NetGraph) FeedForward() {
	g.assertOk("FeedForward")
	for _, node := range g.nodes {
		node.layer.FeedForward()
	}
}

// BackPropagate zeroes every delta (node outputs and parameters) and then runs BackPropagate on every
// node in reverse construction order. Deltas of connections consumed by many nodes are the sum of
// the contributions of each consumer.
//
// It panics if the graph has a construction error.
func (g *NetGraph) BackPropagate() {
	g.assertOk("BackPropagate")
	g.ZeroDeltas()
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		g.nodes[ii].layer.BackPropagate()
	}
}

// ZeroDeltas clears the deltas of all node outputs and all parameters.
func (g *NetGraph) ZeroDeltas() {
	for _, node := range g.nodes {
		for _, output := range node.outputs {
			output.ZeroDelta()
		}
	}
	for _, param := range g.Parameters() {
		param.ZeroDelta()
	}
}

// Loss returns the sum of the losses of every LossLayer in the graph, as computed by the last FeedForward.
func (g *NetGraph) Loss() float64 {
	var loss float64
	for _, node := range g.nodes {
		if lossLayer, ok := node.layer.(LossLayer); ok {
			loss += lossLayer.Loss()
		}
	}
	return loss
}

// LossNodes returns the nodes whose layer implements LossLayer.
func (g *NetGraph) LossNodes() []*Node {
	var nodes []*Node
	for _, node := range g.nodes {
		if _, ok := node.layer.(LossLayer); ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Parameters returns the learnable parameters of all nodes, in construction order.
func (g *NetGraph) Parameters() []*tensors.CombinedTensor {
	var params []*tensors.CombinedTensor
	for _, node := range g.nodes {
		if pl, ok := node.layer.(ParameterizedLayer); ok {
			params = append(params, pl.Parameters()...)
		}
	}
	return params
}

// NumParameters returns the total number of learnable scalar values.
func (g *NetGraph) NumParameters() int {
	var count int
	for _, param := range g.Parameters() {
		count += param.Shape().Size()
	}
	return count
}

// InitializeWeights initializes the parameters of every ParameterizedLayer, in construction order, from a
// random number generator seeded with seed. So the same seed and the same graph yield the same weights.
func (g *NetGraph) InitializeWeights(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, node := range g.nodes {
		if pl, ok := node.layer.(ParameterizedLayer); ok {
			pl.InitializeWeights(rng)
		}
	}
}

// SetAccelerated switches every acceleration-aware layer to its accelerated (or plain) path.
// Nodes added later follow the same setting.
func (g *NetGraph) SetAccelerated(accelerated bool) {
	g.accelerated = accelerated
	for _, node := range g.nodes {
		g.accelerateNode(node)
	}
}

// IsAccelerated returns the last value given to SetAccelerated.
func (g *NetGraph) IsAccelerated() bool { return g.accelerated }

func (g *NetGraph) accelerateNode(node *Node) {
	aware, ok := node.layer.(AccelerationAware)
	if !ok || !aware.IsAccelerationAware() {
		if g.accelerated {
			klog.V(1).Infof("NetGraph %q: node %q (%s) has no accelerated path, using the plain one",
				g.name, node.name, node.layer.Type())
		}
		return
	}
	aware.SetAccelerated(g.accelerated)
}
