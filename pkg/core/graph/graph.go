// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements NetGraph, the directed acyclic graph of layers used to run forward inference and
// backward gradient propagation of convolutional networks.
//
// The main elements in the package are:
//
//   - Layer: the interface implemented by every layer type, plus optional capabilities (AccelerationAware,
//     GeometryTransformer, ParameterizedLayer, LossLayer, PortNamer) queried by type assertion.
//   - Connection: a (node, output port) pair, used as the input of downstream nodes.
//   - Node: owns one Layer and its resolved input/output tensor-pairs.
//   - NetGraph: owns the nodes, resolves the wiring, computes the geometry (receptive field, patch field)
//     and drives FeedForward/BackPropagate.
//
// Nodes are added in topological order by construction: a node can only take as input the outputs of
// nodes added before it. So the construction order is a valid forward order, and its reverse a valid
// backward order.
//
// Error handling: NetGraph uses a deferred error model during construction. The first error is stored,
// and all further AddNode calls become no-ops returning that error. Nodes added before the error are kept
// untouched, but the graph is no longer complete (IsComplete returns false) and should be discarded by the caller.
// Once the graph is built, FeedForward and BackPropagate don't return errors: shapes are validated at
// construction time, and a mismatch at runtime is a construction defect (it panics).
package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/seggraph/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrShape is wrapped by errors caused by incompatible shapes in Layer.CreateOutputs or Layer.Connect.
	ErrShape = errors.New("incompatible shapes")

	// ErrIncomplete is wrapped by the errors returned by NetGraph.CheckComplete.
	ErrIncomplete = errors.New("incomplete graph")
)

// NetGraph is a directed acyclic graph of layers.
//
// NetGraph is not safe for concurrent use. Independent NetGraph instances share no state.
type NetGraph struct {
	error error

	id   uuid.UUID
	name string

	nodes       []*Node
	nameToNode  map[string]*Node
	consumers   map[Connection][]NodeID
	accelerated bool
}

// New creates an empty NetGraph with the given name.
func New(name string) *NetGraph {
	return &NetGraph{
		id:         uuid.New(),
		name:       name,
		nameToNode: make(map[string]*Node),
		consumers:  make(map[Connection][]NodeID),
	}
}

// Name of the graph.
func (g *NetGraph) Name() string { return g.name }

// ID is a unique identifier of the graph, used in logs and in the Graphviz output.
func (g *NetGraph) ID() uuid.UUID { return g.id }

// Error returns the first error that happened during the construction of the graph, or nil.
func (g *NetGraph) Error() error {
	if g == nil {
		return errors.Errorf("the NetGraph is nil")
	}
	return g.error
}

// Ok returns whether there were no errors during the construction of the graph so far.
func (g *NetGraph) Ok() bool { return g != nil && g.error == nil }

// SetError for the graph. Only the first error is kept, and after it AddNode becomes a no-op.
func (g *NetGraph) SetError(err error) {
	if !g.Ok() || err == nil {
		return
	}
	g.error = err
	klog.V(1).Infof("NetGraph %q (%s): construction failed: %v", g.name, g.id, err)
}

// SetErrorf is similar to SetError, but allows formatting in place. It also adds a stack trace.
func (g *NetGraph) SetErrorf(format string, args ...any) {
	g.SetError(errors.WithStack(fmt.Errorf(format, args...)))
}

// ResetError clears the error state. It doesn't fix the causes of the error: used only for testing.
func (g *NetGraph) ResetError() {
	g.error = nil
}

// AddNode appends a node with the given layer, taking as inputs the given connections, and returns its id.
//
// If name is empty, a name is generated from the layer type and the node id. Names must be unique.
//
// Every input connection must refer to an existing output port of a node already in the graph. The layer's
// CreateOutputs and Connect are called to materialize its output tensor-pairs, and the geometry of the node
// is composed from its inputs' geometry and the layer's contribution.
//
// On failure nothing is added, the error is stored in the graph (see Error) and returned.
func (g *NetGraph) AddNode(name string, layer Layer, inputs ...Connection) (NodeID, error) {
	if !g.Ok() {
		return InvalidNodeID, g.Error()
	}
	id, err := g.addNode(name, layer, inputs)
	if err != nil {
		g.SetError(err)
		return InvalidNodeID, err
	}
	return id, nil
}

func (g *NetGraph) addNode(name string, layer Layer, inputs []Connection) (NodeID, error) {
	id := NodeID(len(g.nodes))
	if layer == nil {
		return InvalidNodeID, errors.Errorf("AddNode(%q): nil layer", name)
	}
	if name == "" {
		name = fmt.Sprintf("%s%d", layer.Type(), id)
	}
	if _, found := g.nameToNode[name]; found {
		return InvalidNodeID, errors.Errorf("AddNode(%q): a node with that name already exists", name)
	}

	inputTensors := make([]*tensors.CombinedTensor, 0, len(inputs))
	inputGeometries := make([]Geometry, 0, len(inputs))
	for ii, conn := range inputs {
		source, err := g.resolve(conn)
		if err != nil {
			return InvalidNodeID, errors.WithMessagef(err, "AddNode(%q): input #%d", name, ii)
		}
		inputTensors = append(inputTensors, source.outputs[conn.Port])
		inputGeometries = append(inputGeometries, source.geometry)
	}

	outputs, err := layer.CreateOutputs(inputTensors)
	if err != nil {
		return InvalidNodeID, errors.Wrapf(ErrShape, "AddNode(%q): %s layer failed to create outputs: %v", name, layer.Type(), err)
	}
	if err = layer.Connect(inputTensors, outputs); err != nil {
		return InvalidNodeID, errors.Wrapf(ErrShape, "AddNode(%q): %s layer failed to connect: %v", name, layer.Type(), err)
	}
	geometry, err := TransformGeometry(layer, combineGeometries(inputGeometries))
	if err != nil {
		return InvalidNodeID, errors.WithMessagef(err, "AddNode(%q): %s layer geometry", name, layer.Type())
	}

	node := &Node{
		graph:            g,
		id:               id,
		name:             name,
		layer:            layer,
		inputConnections: slices.Clone(inputs),
		inputs:           inputTensors,
		outputs:          outputs,
		geometry:         geometry,
	}
	g.nodes = append(g.nodes, node)
	g.nameToNode[name] = node
	for _, conn := range inputs {
		g.consumers[conn] = append(g.consumers[conn], id)
	}
	if g.accelerated {
		g.accelerateNode(node)
	}
	if klog.V(1).Enabled() {
		outputShapes := make([]string, 0, len(outputs))
		for _, output := range outputs {
			outputShapes = append(outputShapes, output.Shape().String())
		}
		klog.Infof("NetGraph %q: added node #%d %q (%s), inputs=%v, outputs=%v, %s",
			g.name, id, name, layer.Type(), inputs, outputShapes, geometry)
	}
	return id, nil
}

// resolve returns the node producing conn, checking that the port exists.
func (g *NetGraph) resolve(conn Connection) (*Node, error) {
	if conn.Node < 0 || int(conn.Node) >= len(g.nodes) {
		return nil, errors.Errorf("connection %s refers to a node not (yet) in the graph, which has %d nodes",
			conn, len(g.nodes))
	}
	source := g.nodes[conn.Node]
	if conn.Port < 0 || conn.Port >= len(source.outputs) {
		return nil, errors.Errorf("connection %s refers to port %d of node %q, which has %d outputs",
			conn, conn.Port, source.name, len(source.outputs))
	}
	return source, nil
}

// MarkOutput flags the node as an output of the graph: its outputs are not required to be consumed by other nodes.
func (g *NetGraph) MarkOutput(id NodeID) error {
	node := g.Node(id)
	if node == nil {
		return errors.Errorf("MarkOutput(%d): no such node", id)
	}
	node.isOutput = true
	return nil
}

// NumNodes returns the number of nodes in the graph.
func (g *NetGraph) NumNodes() int { return len(g.nodes) }

// Nodes returns the nodes in construction order. Don't change the returned slice.
func (g *NetGraph) Nodes() []*Node { return g.nodes }

// Node returns the node with the given id, or nil if there is no such node.
func (g *NetGraph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NodeByName returns the node with the given name, or nil if there is no such node.
func (g *NetGraph) NodeByName(name string) *Node {
	return g.nameToNode[name]
}

// Consumers returns the ids of the nodes that take the connection as input.
func (g *NetGraph) Consumers(conn Connection) []NodeID {
	return g.consumers[conn]
}

// Tensor returns the tensor-pair at the given connection, or nil if the connection is invalid.
func (g *NetGraph) Tensor(conn Connection) *tensors.CombinedTensor {
	source, err := g.resolve(conn)
	if err != nil {
		return nil
	}
	return source.outputs[conn.Port]
}

// DefaultConnection is the primary output (port 0) of the most recently added node that has outputs.
//
// It is the input used by a declaration that doesn't name its input explicitly.
func (g *NetGraph) DefaultConnection() (Connection, error) {
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		if len(g.nodes[ii].outputs) > 0 {
			return g.nodes[ii].Output(0), nil
		}
	}
	return Connection{Node: InvalidNodeID}, errors.Errorf("NetGraph %q has no node with outputs", g.name)
}

// ResolveConnection parses a reference to a connection: "<node_name>" (port 0), "<node_name>:<port_number>"
// or "<node_name>:<port_name>" (for layers implementing PortNamer).
func (g *NetGraph) ResolveConnection(ref string) (Connection, error) {
	nodeName, portRef, hasPort := strings.Cut(strings.TrimSpace(ref), ":")
	node := g.NodeByName(nodeName)
	if node == nil {
		return Connection{Node: InvalidNodeID}, errors.Errorf("unknown node %q in connection %q", nodeName, ref)
	}
	port := 0
	if hasPort {
		var err error
		port, err = strconv.Atoi(portRef)
		if err != nil {
			port = -1
			if namer, ok := node.layer.(PortNamer); ok {
				port = slices.Index(namer.OutputPortNames(), portRef)
			}
			if port < 0 {
				return Connection{Node: InvalidNodeID}, errors.Errorf("node %q has no port named %q", nodeName, portRef)
			}
		}
	}
	conn := node.Output(port)
	if _, err := g.resolve(conn); err != nil {
		return Connection{Node: InvalidNodeID}, err
	}
	return conn, nil
}

// OutputNode returns the node defining the geometry of the graph: the last node marked as output, or
// else the last node with outputs. It returns nil for an empty graph.
func (g *NetGraph) OutputNode() *Node {
	var candidate *Node
	for _, node := range g.nodes {
		if node.isOutput {
			candidate = node
		}
	}
	if candidate != nil {
		return candidate
	}
	for ii := len(g.nodes) - 1; ii >= 0; ii-- {
		if len(g.nodes[ii].outputs) > 0 {
			return g.nodes[ii]
		}
	}
	return nil
}

// Geometry of the graph, that is, of its OutputNode.
func (g *NetGraph) Geometry() Geometry {
	if node := g.OutputNode(); node != nil {
		return node.geometry
	}
	return InputGeometry()
}

// PatchSizeX returns the horizontal receptive field of the graph.
func (g *NetGraph) PatchSizeX() int { return g.Geometry().ReceptiveX }

// PatchSizeY returns the vertical receptive field of the graph.
func (g *NetGraph) PatchSizeY() int { return g.Geometry().ReceptiveY }
