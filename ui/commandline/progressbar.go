// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/seggraph/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks attached to the train.Loop.
const ProgressBarName = "seggraph.ui.commandline.progressBar"

// maxUpdateFrequency is the minimum time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	lastUpdate       time.Time
	bar              *progressbar.ProgressBar

	// lipgloss-based asynchronous display of the stats table.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	isLast bool
	rows   [][2]string
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.numSteps = max(loop.EndStep-loop.StartStep, 1)
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Writer),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	// +1 because the current LoopStep is finished.
	amount := loop.LoopStep + 1 - pBar.lastStepReported
	isLast := loop.LoopStep+1 >= loop.EndStep
	if amount <= 0 || (!isLast && time.Since(pBar.lastUpdate) < maxUpdateFrequency) {
		return nil
	}
	trainer := loop.Trainer
	update := progressBarUpdate{
		amount: amount,
		isLast: isLast,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep+1)), humanize.Comma(int64(loop.EndStep)))},
			{"Loss", fmt.Sprintf("%.6g", loss)},
			{"Learning rate", fmt.Sprintf("%.3g", trainer.LearningRate())},
			{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		},
	}
	if skipped := trainer.NumSkippedSteps(); skipped > 0 {
		update.rows = append(update.rows, [2]string{"Skipped steps (non-finite loss)", humanize.Comma(int64(skipped))})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	pBar.lastUpdate = time.Now()
	return nil
}

// drawUpdates asynchronously: this is handy if the training is faster than the terminal.
func (pBar *progressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	var lastNumRows int
	for update := range updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(lastNumRows + 2 + 2)
		}
		pBar.isFirstOutput = false
		lastNumRows = len(update.rows)

		_, _ = fmt.Fprintln(Writer, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(Writer)
		pBar.termenv.ShowCursor()
		if !update.isLast {
			time.Sleep(maxUpdateFrequency)
		}
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ float64) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(Writer)
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every time the Loop is run it displays the progression, the loss, the learning rate and the
// median step duration.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(Writer),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable: newTable().
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
