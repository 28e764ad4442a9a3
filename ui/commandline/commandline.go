// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a training progress bar,
// a summary of a graph and evaluation reports.
package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/ml/train"
)

// Writer where the command-line UI is printed. Defaults to os.Stdout.
var Writer io.Writer = os.Stdout

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor)))
}

// ReportEval reports on the command line the loss of evaluating the datasets using trainer.Eval.
// Datasets are reset after evaluation.
func ReportEval(trainer *train.Trainer, datasets ...train.Dataset) error {
	for _, ds := range datasets {
		loss, err := trainer.Eval(ds)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(Writer, "Results on %s:\n\tloss: %.6g\n", ds.Name(), loss)
		ds.Reset()
	}
	return nil
}

// GraphSummary returns a table with the nodes of the graph: their layer type, inputs, output shapes, number of
// parameters and geometry,
// followed by the total number of parameters.
func GraphSummary(g *graph.NetGraph) string {
	table := newTable().
		Headers("#", "Name", "Layer", "Inputs", "Outputs", "Parameters", "Geometry").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, node := range g.Nodes() {
		inputs := make([]string, 0, len(node.InputConnections()))
		for _, conn := range node.InputConnections() {
			source := g.Node(conn.Node)
			inputs = append(inputs, fmt.Sprintf("%s:%s", source.Name(), source.PortName(conn.Port)))
		}
		outputs := make([]string, 0, node.NumOutputs())
		for _, output := range node.Outputs() {
			outputs = append(outputs, output.Shape().String())
		}
		name := node.Name()
		if node.IsOutput() {
			name += " (output)"
		}
		var numParams int
		if parameterized, ok := node.Layer().(graph.ParameterizedLayer); ok {
			for _, param := range parameterized.Parameters() {
				numParams += param.Shape().Size()
			}
		}
		table.Row(fmt.Sprintf("%d", node.ID()), name, node.Layer().Type(),
			strings.Join(inputs, ", "), strings.Join(outputs, ", "), humanize.Comma(int64(numParams)),
			node.Geometry().String())
	}
	var sb strings.Builder
	sb.WriteString(table.String())
	sb.WriteString("\n")
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes, %s parameters, patch size %dx%d\n",
		g.Name(), g.NumNodes(), humanize.Comma(int64(g.NumParameters())), g.PatchSizeX(), g.PatchSizeY())
	return sb.String()
}

// FormatDuration pretty prints a duration with 3 significant digits.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}
