// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// LogFileName is the structured training log, one JSON object per
// reporting interval, under the output directory.
const LogFileName = "log"

// logEntry is one reporting interval in the structured log.
type logEntry struct {
	Iteration    int                `json:"iteration"`
	ElapsedTime  float64            `json:"elapsed_time"`
	LearningRate float64            `json:"lr"`
	CropSize     int                `json:"crop_size,omitempty"`
	TrainLoss    float64            `json:"main/loss"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// LogReport returns the extension appending one JSON line per trigger
// firing to LogFileName under outputDir. The file is created lazily and
// closed by the extension's finalizer.
func LogReport(outputDir string, trigger Trigger) *Extension {
	filePath := filepath.Join(outputDir, LogFileName)
	var file *os.File
	var encoder *json.Encoder
	start := time.Now()
	write := func(state *State) error {
		if file == nil {
			var err error
			file, err = os.Create(filePath)
			if err != nil {
				return errors.WithMessage(err, "creating training log")
			}
			encoder = json.NewEncoder(file)
		}
		entry := logEntry{
			Iteration:    state.Iteration,
			ElapsedTime:  time.Since(start).Seconds(),
			LearningRate: state.LearningRate,
			CropSize:     state.CropSize,
			TrainLoss:    state.TrainLoss,
		}
		if len(state.Metrics) > 0 {
			entry.Metrics = make(map[string]float64, len(state.Metrics))
			for name, value := range state.Metrics {
				entry.Metrics[name] = value
			}
		}
		if err := encoder.Encode(&entry); err != nil {
			return errors.WithMessage(err, "writing training log")
		}
		return nil
	}
	return &Extension{
		Name:     "log_report",
		Priority: PriorityReporting,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			return nil, write(state)
		},
		Finalize: func(state *State) ([]Effect, error) {
			if file == nil {
				return nil, nil
			}
			err := file.Close()
			file = nil
			if err != nil {
				return nil, errors.WithMessage(err, "closing training log")
			}
			return nil, nil
		},
	}
}

// PrintReport returns the extension printing a compact one-line summary
// of the state to w whenever the trigger fires.
func PrintReport(w io.Writer, trigger Trigger) *Extension {
	return &Extension{
		Name:     "print_report",
		Priority: PriorityReporting,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			line := fmt.Sprintf("iteration %d/%d: loss=%.4f lr=%.2e",
				state.Iteration, state.TotalIterations, state.TrainLoss, state.LearningRate)
			if state.CropSize > 0 {
				line += fmt.Sprintf(" crop=%d", state.CropSize)
			}
			if valLoss, ok := state.Metrics[ValidationLossMetric]; ok {
				line += fmt.Sprintf(" val_loss=%.4f", valLoss)
			}
			_, err := fmt.Fprintln(w, line)
			return nil, err
		},
	}
}
