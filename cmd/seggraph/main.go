// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// seggraph builds a segmentation network from a configuration file, and optionally trains it and
// writes its prediction for an image.
//
// Example:
//
//	seggraph -net=net.cfg -classes=1 -train -image=a.png,b.png -label=a_label.png,b_label.png -output=pred.png
//
// Without -image, training uses synthetic data (pixels labeled by thresholding their first map).
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/seggraph/pkg/core/graph"
	"github.com/gomlx/seggraph/pkg/core/shapes"
	"github.com/gomlx/seggraph/pkg/ml/factory"
	"github.com/gomlx/seggraph/pkg/ml/layers"
	"github.com/gomlx/seggraph/pkg/ml/train"
	"github.com/gomlx/seggraph/pkg/support/fsutil"
	"github.com/gomlx/seggraph/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNet    = flag.String("net", "", "Network configuration file (required).")
	flagWidth  = flag.Int("width", 0, "Input width. Defaults to the patch size for the patch method, or else to the width of the first image.")
	flagHeight = flag.Int("height", 0, "Input height. Defaults like -width.")
	flagMaps   = flag.Int("maps", 3, "Number of input maps (channels) for synthetic data. Images always have 3.")
	flagClasses = flag.Int("classes", 1, "Number of output classes. With 1 class, labels are -1/+1 (tanh), "+
		"otherwise labels are one-hot (sigmoid).")
	flagSeed       = flag.Int64("seed", 42, "Seed for the weights initialization and data shuffling.")
	flagTrain      = flag.Bool("train", false, "Train the network. The configuration must set the \"method\".")
	flagIterations = flag.Int("iterations", -1, "Number of training steps. If < 0 uses the \"iterations\" setting of the configuration.")
	flagImage      = flag.String("image", "", "Comma-separated list of image files.")
	flagLabel      = flag.String("label", "", "Comma-separated list of label image files, one per image.")
	flagOutput     = flag.String("output", "", "Write the prediction of the network for the first image to this PNG file.")
	flagDot        = flag.String("dot", "", "Write the graph in Graphviz format to this file.")
	flagAccelerated = flag.Bool("accelerated", true, "Run layers that support it in parallel over the samples.")
	flagSettings   = flag.String("set", "", "Training settings overriding the configuration, as \"key=value;key=value\".")
	flagSummary    = flag.Bool("summary", true, "Print a summary of the graph.")
	flagSynthetic  = flag.Int("synthetic", 64, "Number of synthetic samples to train on, if no -image is given.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNet == "" {
		klog.Errorf("Missing -net configuration file. See 'seggraph -help'.")
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	netPath, err := fsutil.ReplaceTilde(*flagNet)
	if err != nil {
		return err
	}
	configFile, err := os.Open(netPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open network configuration")
	}
	f, err := factory.NewConfigurableFactory(configFile, *flagSeed, *flagTrain)
	_ = configFile.Close()
	if err != nil {
		return err
	}

	imgs, labels, err := loadImages(*flagImage, *flagLabel)
	if err != nil {
		return err
	}
	if *flagTrain && len(imgs) > 0 && len(labels) == 0 {
		return errors.New("training on images requires -label")
	}
	maps := *flagMaps
	if len(imgs) > 0 {
		maps = 3
	}
	width, height := *flagWidth, *flagHeight
	if width <= 0 || height <= 0 {
		switch {
		case f.Method() == train.MethodPatch:
			width, height = f.PatchSizeX(), f.PatchSizeY()
		case len(imgs) > 0:
			size := imgs[0].Bounds().Size()
			width, height = size.X, size.Y
		default:
			return errors.New("-width and -height are required for the fcn method without images")
		}
	}
	classes := *flagClasses

	settings := f.OptimalSettings()
	if settings, err = settings.UpdateFromString(*flagSettings); err != nil {
		return err
	}
	if *flagIterations >= 0 {
		settings.Iterations = *flagIterations
	}

	// Build graph.
	batchSize := 1
	if *flagTrain {
		batchSize = settings.SBatchSize
	}
	input := layers.NewInputLayer(shapes.Make(width, height, maps, batchSize), classes)
	if f.Method() == train.MethodPatch {
		input.WithLabelSize(1, 1)
	}
	g := graph.New(filepath.Base(netPath))
	inputID, err := g.AddInputNode("input", input)
	if err != nil {
		return err
	}
	complete, err := f.AddLayers(g, g.Node(inputID).Output(layers.InputDataPort), classes, *flagTrain)
	if err != nil {
		return err
	}
	if !complete {
		return errors.Wrapf(g.CheckComplete(), "graph built from %q", *flagNet)
	}
	g.SetAccelerated(*flagAccelerated)
	if *flagSummary {
		fmt.Println(commandline.GraphSummary(g))
	}
	if *flagDot != "" {
		if err := writeDot(g, *flagDot); err != nil {
			return err
		}
	}

	if *flagTrain {
		rng := rand.New(rand.NewSource(*flagSeed))
		var examples *exampleSet
		if len(imgs) > 0 {
			examples, err = examplesFromImages(imgs, labels, width, height, classes, f.Method())
			if err != nil {
				return err
			}
		} else {
			examples = syntheticExamples(rng, *flagSynthetic, width, height, maps, classes, f.Method())
		}
		if err := trainGraph(g, settings, examples, rng); err != nil {
			return err
		}
	}

	if *flagOutput != "" {
		if len(imgs) == 0 {
			return errors.New("-output requires -image")
		}
		if err := writePrediction(g, input, imgs[0], classes, f.Method(), *flagOutput); err != nil {
			return err
		}
	}
	return nil
}

func writeDot(g *graph.NetGraph, filePath string) error {
	filePath, err := fsutil.ReplaceTilde(filePath)
	if err != nil {
		return err
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = g.WriteDot(file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to write %q", filePath)
}

func trainGraph(g *graph.NetGraph, settings train.Settings, examples *exampleSet, rng *rand.Rand) error {
	klog.Infof("Training on %d examples with %s", examples.data.TensorCount(), settings)
	trainDS, err := train.NewStreamDataset("train", examples.data, examples.label)
	if err != nil {
		return err
	}
	trainDS.Shuffle(rng).Infinite(true)
	evalDS, err := train.NewStreamDataset("eval", examples.data, examples.label)
	if err != nil {
		return err
	}
	trainer, err := train.NewTrainer(g, settings)
	if err != nil {
		return err
	}
	if err := commandline.ReportEval(trainer, evalDS); err != nil {
		return err
	}
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	if _, err := loop.RunSteps(trainDS, settings.Iterations); err != nil {
		return err
	}
	return commandline.ReportEval(trainer, evalDS)
}
