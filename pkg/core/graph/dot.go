// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WriteDot writes the graph in Graphviz "dot" format: one box per node, with its type, output shapes and
// geometry, and one edge per input connection, labeled with the port name.
func (g *NetGraph) WriteDot(w io.Writer) error {
	var err error
	printf := func(format string, args ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, format, args...)
	}
	printf("digraph %q {\n", g.name)
	printf("  // id: %s\n", g.id)
	printf("  node [shape=record];\n")
	for _, node := range g.nodes {
		shapes := ""
		for ii, output := range node.outputs {
			if ii > 0 {
				shapes += `\n`
			}
			shapes += fmt.Sprintf("%s: %s", node.PortName(ii), output.Shape())
		}
		style := ""
		if node.isOutput {
			style = ", style=bold"
		}
		printf("  n%d [label=\"{%s (%s)|%s|%s}\"%s];\n", node.id, escapeRecord(node.name), node.layer.Type(),
			escapeRecord(shapes), node.geometry, style)
	}
	for _, node := range g.nodes {
		for _, conn := range node.inputConnections {
			printf("  n%d -> n%d [label=%q];\n", conn.Node, node.id, g.nodes[conn.Node].PortName(conn.Port))
		}
	}
	printf("}\n")
	if err != nil {
		return errors.Wrapf(err, "failed to write dot for NetGraph %q", g.name)
	}
	return nil
}

func escapeRecord(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '{', '}', '|', '<', '>', '"':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
