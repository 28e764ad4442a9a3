// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/pkg/errors"

// IsComplete returns whether the graph is ready to be run. See CheckComplete for the conditions.
func (g *NetGraph) IsComplete() bool {
	return g.CheckComplete() == nil
}

// CheckComplete returns nil if the graph is complete, or an error wrapping ErrIncomplete (or the construction
// error) describing the first problem found.
//
// A graph is complete if it has no construction error, it has at least one node and at least one input node,
// and the primary output of every node is consumed by another node or the node is marked as an output.
// Non-primary ports of input nodes (e.g. labels and weights) may be left unused.
func (g *NetGraph) CheckComplete() error {
	if g == nil {
		return errors.Wrap(ErrIncomplete, "nil NetGraph")
	}
	if g.error != nil {
		return errors.WithMessagef(g.error, "NetGraph %q has a construction error", g.name)
	}
	if len(g.nodes) == 0 {
		return errors.Wrapf(ErrIncomplete, "NetGraph %q has no nodes", g.name)
	}
	var hasInput bool
	for _, node := range g.nodes {
		if node.IsInput() {
			hasInput = true
		}
		if node.isOutput || len(node.outputs) == 0 {
			continue
		}
		ports := len(node.outputs)
		if node.IsInput() {
			ports = 1
		}
		for port := range ports {
			if len(g.consumers[node.Output(port)]) == 0 {
				return errors.Wrapf(ErrIncomplete, "NetGraph %q: output %q of node %q is not consumed and the node is not marked as output",
					g.name, node.PortName(port), node.name)
			}
		}
	}
	if !hasInput {
		return errors.Wrapf(ErrIncomplete, "NetGraph %q has no input node", g.name)
	}
	return nil
}
