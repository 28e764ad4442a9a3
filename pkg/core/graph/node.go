// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/seggraph/pkg/core/tensors"
)

// NodeID is a unique id of a Node within a NetGraph. It is also its position in construction order.
type NodeID int

// InvalidNodeID is returned when a node fails to be created.
const InvalidNodeID = NodeID(-1)

// Connection identifies an output port of a node. It is used as the declared input of downstream nodes.
//
// Many nodes may use the same connection as input (fan-out), in which case the gradients they
// back-propagate are summed.
type Connection struct {
	Node NodeID
	Port int
}

// String implements fmt.Stringer.
func (c Connection) String() string {
	return fmt.Sprintf("#%d:%d", c.Node, c.Port)
}

// Node of a NetGraph: it owns one Layer and holds its resolved input and output tensor-pairs.
type Node struct {
	graph    *NetGraph
	id       NodeID
	name     string
	layer    Layer
	isOutput bool

	inputConnections []Connection
	inputs, outputs  []*tensors.CombinedTensor
	geometry         Geometry
}

// ID of the node within its graph.
func (n *Node) ID() NodeID { return n.id }

// Name of the node, unique within its graph.
func (n *Node) Name() string { return n.name }

// Layer owned by the node.
func (n *Node) Layer() Layer { return n.layer }

// Inputs returns the resolved input tensor-pairs. Don't change the returned slice.
func (n *Node) Inputs() []*tensors.CombinedTensor { return n.inputs }

// Outputs returns the output tensor-pairs created by the layer. Don't change the returned slice.
func (n *Node) Outputs() []*tensors.CombinedTensor { return n.outputs }

// InputConnections returns the connections the node was declared with. Don't change the returned slice.
func (n *Node) InputConnections() []Connection { return n.inputConnections }

// NumOutputs returns the number of output ports.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns the connection for the given output port of this node.
func (n *Node) Output(port int) Connection { return Connection{Node: n.id, Port: port} }

// IsInput returns whether the node has no inputs, that is, whether it is fed from outside the graph.
func (n *Node) IsInput() bool { return len(n.inputConnections) == 0 }

// IsOutput returns whether the node was marked as an output of the graph (see NetGraph.MarkOutput).
func (n *Node) IsOutput() bool { return n.isOutput }

// Geometry of the node's outputs, relative to the graph input.
func (n *Node) Geometry() Geometry { return n.geometry }

// PortName returns the name of the output port, or its number as a string if the layer doesn't name its ports.
func (n *Node) PortName(port int) string {
	if namer, ok := n.layer.(PortNamer); ok {
		names := namer.OutputPortNames()
		if port >= 0 && port < len(names) {
			return names[port]
		}
	}
	return fmt.Sprintf("%d", port)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("Node(#%d %q, %s)", n.id, n.name, n.layer.Type())
}
