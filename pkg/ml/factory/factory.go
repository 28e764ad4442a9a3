// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package factory builds network graphs from a textual configuration.
//
// A configuration is line based: blank lines and lines starting with "#" are ignored, layers are
// declared with "?<type> key=value ..." (in the order they are added to the graph), and training
// settings are given as "key=value". Example:
//
//	# Two convolutions and a classifier.
//	?convolutional kernels=16 size=5x5
//	?maxpooling size=2x2
//	?relu
//	?convolutional kernels=(o) size=3x3
//	method=fcn
//	lr=0.001
//
// "(o)" is replaced by the number of output classes. The reserved parameters "name" and "input" set
// the node name and its (comma-separated) input connections; by default a layer takes the primary
// output of the previously added node.
package factory

import (
	"fmt"
	"io"
	"math/rand"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/layers/activations"
	"github.com/gomlx/seggraph/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Factory adds the layers of a network to a graph, and holds the training method and settings that go with it.
type Factory interface {
	// AddLayers appends the network's layers to g, fed from the input connection (usually the data port of
	// an input node). If addLossLayer is true, a loss layer is attached to the terminal node, taking the
	// label and weight ports of the input node.
	//
	// It returns whether the graph is complete afterward. A configuration or shape error is returned, and
	// also stored in the graph.
	AddLayers(g *graph.NetGraph, input graph.Connection, outputClasses int, addLossLayer bool) (bool, error)

	// PatchSizeX returns the horizontal receptive field of the network.
	PatchSizeX() int

	// PatchSizeY returns the vertical receptive field of the network.
	PatchSizeY() int

	// CreateLossLayer creates the loss layer matching the network output for the number of classes.
	CreateLossLayer(outputClasses int, lossWeight float32) graph.Layer

	// InitOptimalSettings parses the training settings of the configuration.
	InitOptimalSettings() error

	// OptimalSettings returns the training settings of the configuration, over the defaults.
	OptimalSettings() train.Settings

	// Method returns the training method.
	Method() train.Method
}

// MethodKey is the configuration setting with the training method.
const MethodKey = "method"

// ConfigurableFactory is a Factory reading its network from a configuration. See package documentation for
// the format.
type ConfigurableFactory struct {
	cfg        *config
	seed       int64
	rng        *rand.Rand
	isTraining bool

	method    train.Method
	hasMethod bool

	settings            train.Settings
	settingsInitialized bool

	// geometry of the declared layers (without FCN additions), from a dry run starting at graph.InputGeometry.
	geometry graph.Geometry
}

var _ Factory = (*ConfigurableFactory)(nil)

// NewConfigurableFactory reads the configuration from r.
//
// The seed is used to initialize the weights of the layers created. For training factories the setting
// "method" (patch or fcn) is required, and the training settings are parsed (see InitOptimalSettings).
//
// Syntax errors and setting errors are returned as *ConfigError. Errors in a layer declaration (like an unknown
// type or a malformed parameter) are only reported by AddLayers: the layers declared before it remain usable.
func NewConfigurableFactory(r io.Reader, seed int64, isTraining bool) (*ConfigurableFactory, error) {
	cfg, err := parse(r)
	if err != nil {
		return nil, err
	}
	f := &ConfigurableFactory{
		cfg:        cfg,
		seed:       seed,
		rng:        rand.New(rand.NewSource(seed)),
		isTraining: isTraining,
		settings:   train.DefaultSettings(),
	}
	if methodSetting, found := cfg.settings[MethodKey]; found {
		f.method, err = train.MethodString(methodSetting.value)
		if err != nil {
			return nil, configErrorf(methodSetting.line, "invalid method %q: valid values are %v",
				methodSetting.value, train.MethodStrings())
		}
		f.hasMethod = true
	}
	if isTraining {
		if !f.hasMethod {
			return nil, configErrorf(0, "training configuration requires the setting %q, one of %v",
				MethodKey, train.MethodStrings())
		}
		if err := f.InitOptimalSettings(); err != nil {
			return nil, err
		}
	}
	f.dryRun()
	klog.V(1).Infof("factory: %d layer declarations, method=%s, geometry: %s",
		len(cfg.declarations), f.method, f.geometry)
	return f, nil
}

// dryRun constructs each declared layer, without a graph, to fold their geometry. A declaration that fails
// stops it: the error is reported by AddLayers.
//
// Named inputs are folded with the geometry of the declaration with that name, and references to nodes not
// declared in the configuration (e.g. the input node) count as graph.InputGeometry.
func (f *ConfigurableFactory) dryRun() {
	rng := rand.New(rand.NewSource(f.seed))
	byName := make(map[string]graph.Geometry)
	current := graph.InputGeometry()
	for _, decl := range f.cfg.declarations {
		layer, err := f.construct(decl, 1, rng)
		if err != nil {
			klog.V(1).Infof("factory: geometry dry run stopped at line %d: %v", decl.Line, err)
			break
		}
		input := current
		if len(decl.Inputs) > 0 {
			input = graph.Geometry{}
			for _, ref := range decl.Inputs {
				nodeName, _, _ := strings.Cut(ref, ":")
				g, found := byName[nodeName]
				if !found {
					g = graph.InputGeometry()
				}
				input = maxGeometry(input, g)
			}
		}
		next, err := graph.TransformGeometry(layer, input)
		if err != nil {
			klog.V(1).Infof("factory: geometry dry run stopped at line %d: %v", decl.Line, err)
			break
		}
		current = next
		if decl.Name != "" {
			byName[decl.Name] = current
		}
	}
	f.geometry = current
}

func maxGeometry(a, b graph.Geometry) graph.Geometry {
	return graph.Geometry{
		ReceptiveX: max(a.ReceptiveX, b.ReceptiveX), ReceptiveY: max(a.ReceptiveY, b.ReceptiveY),
		StrideX: max(a.StrideX, b.StrideX), StrideY: max(a.StrideY, b.StrideY),
		BorderX: max(a.BorderX, b.BorderX), BorderY: max(a.BorderY, b.BorderY),
	}
}

// construct the layer of the declaration, converting panics of the constructor into errors.
func (f *ConfigurableFactory) construct(decl Declaration, outputClasses int, rng *rand.Rand) (layer graph.Layer, err error) {
	if decl.err != nil {
		return nil, decl.err
	}
	constructor, found := KnownLayers[decl.Token]
	if !found {
		return nil, configErrorf(decl.Line, "unknown layer type %q, known types are %v", decl.Token, Tokens())
	}
	params := decl.Params.WithOutputClasses(outputClasses)
	exception := exceptions.TryCatch[error](func() {
		layer, err = constructor(&params, rng)
	})
	if exception != nil {
		return nil, configErrorf(decl.Line, "failed to create layer %q: %v", decl.Token, exception)
	}
	if err != nil {
		var configErr *ConfigError
		if errors.As(err, &configErr) {
			return nil, err
		}
		return nil, configErrorf(decl.Line, "failed to create layer %q: %v", decl.Token, err)
	}
	if err := params.Unused(decl.Token); err != nil {
		return nil, err
	}
	return layer, nil
}

// Declarations returns the parsed layer declarations, in order.
func (f *ConfigurableFactory) Declarations() []Declaration {
	return slices.Clone(f.cfg.declarations)
}

// PatchSizeX implements Factory.
func (f *ConfigurableFactory) PatchSizeX() int { return f.geometry.ReceptiveX }

// PatchSizeY implements Factory.
func (f *ConfigurableFactory) PatchSizeY() int { return f.geometry.ReceptiveY }

// Geometry of the declared layers, not including the resize and upscale layers added in FCN mode.
func (f *ConfigurableFactory) Geometry() graph.Geometry { return f.geometry }

// Method implements Factory. It is train.MethodPatch if the configuration doesn't set it.
func (f *ConfigurableFactory) Method() train.Method { return f.method }

// CreateLossLayer implements Factory: an ErrorLayer with tanh for one class (labels in {-1, +1}), and
// sigmoid otherwise (one-hot labels).
func (f *ConfigurableFactory) CreateLossLayer(outputClasses int, lossWeight float32) graph.Layer {
	return layers.NewErrorLayer(activations.ForClasses(outputClasses), lossWeight)
}

// InitOptimalSettings implements Factory. It is a no-op if the settings were already initialized.
func (f *ConfigurableFactory) InitOptimalSettings() error {
	if f.settingsInitialized {
		return nil
	}
	keys := make([]string, 0, len(f.cfg.settings))
	for key := range f.cfg.settings {
		if key != MethodKey {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	settings := train.DefaultSettings()
	for _, key := range keys {
		s := f.cfg.settings[key]
		var err error
		settings, err = settings.Update(map[string]string{key: s.value})
		if err != nil {
			return configErrorf(s.line, "%v", err)
		}
	}
	f.settings = settings
	f.settingsInitialized = true
	return nil
}

// OptimalSettings implements Factory. If InitOptimalSettings was not called (or failed), it returns
// train.DefaultSettings.
func (f *ConfigurableFactory) OptimalSettings() train.Settings { return f.settings }

// AddLayers implements Factory.
//
// In FCN mode the input is first padded by a resize layer with border (receptive field - 1), and if the
// network has a stride > 1 its output is upscaled back, so the output has the size of the input.
//
// The first failing declaration aborts: no node is added for it and the error is stored in the graph.
func (f *ConfigurableFactory) AddLayers(g *graph.NetGraph, input graph.Connection, outputClasses int, addLossLayer bool) (complete bool, err error) {
	if !g.Ok() {
		return false, g.Error()
	}
	fail := func(err error) (bool, error) {
		g.SetError(err)
		return false, err
	}
	inputNode := g.Node(input.Node)
	if inputNode == nil || input.Port < 0 || input.Port >= inputNode.NumOutputs() {
		return fail(errors.Errorf("invalid input connection %s for graph %q", input, g.Name()))
	}

	expected := inputNode.Geometry()
	current := input
	add := func(name string, layer graph.Layer, inputs ...graph.Connection) error {
		_, err := g.AddNode(name, layer, inputs...)
		if err != nil {
			return err
		}
		if current, err = g.DefaultConnection(); err != nil {
			return err
		}
		if parameterized, ok := layer.(graph.ParameterizedLayer); ok {
			parameterized.InitializeWeights(f.rng)
		}
		return nil
	}

	fcn := f.method == train.MethodFCN
	if fcn {
		resize := layers.NewResizeLayer(f.geometry.ReceptiveX-1, f.geometry.ReceptiveY-1)
		if err := add("", resize, current); err != nil {
			return false, err
		}
		expected.BorderX += f.geometry.ReceptiveX - 1
		expected.BorderY += f.geometry.ReceptiveY - 1
	}

	for _, decl := range f.cfg.declarations {
		layer, err := f.construct(decl, outputClasses, f.rng)
		if err != nil {
			return fail(err)
		}
		inputs := []graph.Connection{current}
		if len(decl.Inputs) > 0 {
			inputs = inputs[:0]
			for _, ref := range decl.Inputs {
				conn, err := g.ResolveConnection(ref)
				if err != nil {
					return fail(configErrorf(decl.Line, "input of %q: %v", decl.Token, err))
				}
				inputs = append(inputs, conn)
			}
		}
		if err := add(decl.Name, layer, inputs...); err != nil {
			return false, errors.WithMessagef(err, "configuration line %d", decl.Line)
		}
	}

	terminal := g.Node(current.Node)
	if len(f.cfg.declarations) == 0 {
		return fail(configErrorf(0, "configuration declares no layers"))
	}
	if fcn && (terminal.Geometry().StrideX > 1 || terminal.Geometry().StrideY > 1) {
		upscale := layers.NewUpscaleLayer(terminal.Geometry().StrideX, terminal.Geometry().StrideY)
		if err := add("", upscale, current); err != nil {
			return false, err
		}
		terminal = g.Node(current.Node)
	}
	if err := g.MarkOutput(terminal.ID()); err != nil {
		return fail(err)
	}

	// The geometry folded by the graph must match the one of the configuration.
	if inputNode.Geometry() == graph.InputGeometry() {
		expected.ReceptiveX, expected.ReceptiveY = f.geometry.ReceptiveX, f.geometry.ReceptiveY
		expected.StrideX, expected.StrideY = f.geometry.StrideX, f.geometry.StrideY
		expected.BorderX += f.geometry.BorderX
		expected.BorderY += f.geometry.BorderY
		if fcn {
			expected.StrideX, expected.StrideY = 1, 1
		}
		if got := terminal.Geometry(); got != expected {
			return fail(errors.Errorf("geometry of the graph (%s) differs from the configuration's (%s): "+
				"a layer type may be missing its geometry transformation", got, expected))
		}
	}

	if addLossLayer {
		lossInputs := []graph.Connection{terminal.Output(0)}
		for _, portName := range []string{"label", "weight"} {
			conn, err := g.ResolveConnection(fmt.Sprintf("%s:%s", inputNode.Name(), portName))
			if err != nil {
				if portName == "weight" {
					continue
				}
				return fail(errors.WithMessagef(err, "loss layer requires the %q port of the input node", portName))
			}
			lossInputs = append(lossInputs, conn)
		}
		if err := add("loss", f.CreateLossLayer(outputClasses, 1), lossInputs...); err != nil {
			return false, err
		}
	}

	if err := g.CheckComplete(); err != nil {
		return false, err
	}
	klog.V(1).Infof("factory: added %d declarations to %q, geometry %s", len(f.cfg.declarations), g.Name(), terminal.Geometry())
	return true, nil
}
