// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// ProgressBar returns the extension rendering a live progress bar to w,
// advanced after every iteration with the current loss as suffix.
func ProgressBar(w io.Writer) *Extension {
	var bar *progressbar.ProgressBar
	lastReported := 0
	return &Extension{
		Name:     "progress_bar",
		Priority: PriorityProgress,
		Trigger:  Always(),
		Action: func(state *State) ([]Effect, error) {
			if bar == nil {
				bar = progressbar.NewOptions(state.TotalIterations,
					progressbar.OptionSetDescription("training"),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("steps"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionSetWriter(w),
				)
				lastReported = state.Iteration
			}
			amount := state.Iteration - lastReported
			if amount <= 0 {
				return nil, nil
			}
			lastReported = state.Iteration
			bar.Describe(fmt.Sprintf("training [loss=%.4f]", state.TrainLoss))
			return nil, bar.Add(amount)
		},
		Finalize: func(state *State) ([]Effect, error) {
			if bar == nil {
				return nil, nil
			}
			err := bar.Finish()
			fmt.Fprintln(w)
			return nil, err
		},
	}
}
