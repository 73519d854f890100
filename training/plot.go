// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotFileName is the rendered loss curve under the output directory.
const PlotFileName = "loss.png"

// PlotReport returns the extension that collects the training and
// validation loss whenever the trigger fires, and re-renders the curve to
// PlotFileName under outputDir.
func PlotReport(outputDir string, trigger Trigger) *Extension {
	filePath := filepath.Join(outputDir, PlotFileName)
	var trainPoints, validationPoints plotter.XYs
	lastValidation := 0.0
	haveValidation := false
	render := func() error {
		if len(trainPoints) == 0 && len(validationPoints) == 0 {
			return nil
		}
		p := plot.New()
		p.Title.Text = "YOLOv3 training"
		p.X.Label.Text = "iteration"
		p.Y.Label.Text = "loss"
		args := []any{"train", trainPoints}
		if len(validationPoints) > 0 {
			args = append(args, "validation", validationPoints)
		}
		if err := plotutil.AddLinePoints(p, args...); err != nil {
			return errors.WithMessage(err, "building loss plot")
		}
		if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
			return errors.WithMessage(err, "saving loss plot")
		}
		return nil
	}
	return &Extension{
		Name:     "plot_report",
		Priority: PriorityReporting,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			x := float64(state.Iteration)
			trainPoints = append(trainPoints, plotter.XY{X: x, Y: state.TrainLoss})
			if valLoss, ok := state.Metrics[ValidationLossMetric]; ok && (!haveValidation || valLoss != lastValidation) {
				validationPoints = append(validationPoints, plotter.XY{X: x, Y: valLoss})
				lastValidation, haveValidation = valLoss, true
			}
			return nil, render()
		},
		Finalize: func(state *State) ([]Effect, error) {
			return nil, render()
		},
	}
}
