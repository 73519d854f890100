// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Snapshot file names, relative to the output directory.
const (
	SnapshotBestFile   = "yolov3_snapshot.npz"
	SnapshotBackupFile = "yolov3_backup.npz"
	SnapshotFinalFile  = "yolov3_final.npz"
)

// Saver persists the current model weights to the given file. The
// training command wires darknet.SaveWeights here; tests substitute a
// fake.
type Saver func(filePath string) error

// BestSnapshot returns the extension that keeps the best model so far:
// whenever the trigger fires and the tracked metric (lower is better)
// improved on its previous best, the weights are saved to
// SnapshotBestFile under outputDir. An empty metricName tracks the
// training loss; otherwise the named State.Metrics entry is tracked and
// checks are skipped until it exists.
//
// It must run after the extension recording the metric, which
// PrioritySnapshot guarantees for the evaluator.
func BestSnapshot(save Saver, outputDir, metricName string, trigger Trigger) *Extension {
	filePath := filepath.Join(outputDir, SnapshotBestFile)
	best := math.Inf(1)
	return &Extension{
		Name:     "snapshot_best",
		Priority: PrioritySnapshot,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			value := state.TrainLoss
			if metricName != "" {
				var ok bool
				value, ok = state.Metrics[metricName]
				if !ok {
					return nil, nil
				}
			}
			if value >= best {
				return nil, nil
			}
			tracked := metricName
			if tracked == "" {
				tracked = "train loss"
			}
			if err := save(filePath); err != nil {
				return nil, errors.WithMessagef(err, "saving best snapshot (%s=%g)", tracked, value)
			}
			best = value
			klog.V(1).Infof("new best %s=%g, saved %s", tracked, value, filePath)
			return nil, nil
		},
	}
}

// BackupSnapshot returns the extension that periodically overwrites
// SnapshotBackupFile under outputDir, so an interrupted run can resume
// from a recent state.
func BackupSnapshot(save Saver, outputDir string, trigger Trigger) *Extension {
	filePath := filepath.Join(outputDir, SnapshotBackupFile)
	return &Extension{
		Name:     "snapshot_backup",
		Priority: PrioritySnapshot,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			if err := save(filePath); err != nil {
				return nil, errors.WithMessage(err, "saving backup snapshot")
			}
			return nil, nil
		},
	}
}

// FinalSnapshot returns the extension that writes SnapshotFinalFile under
// outputDir once, when the loop finishes.
func FinalSnapshot(save Saver, outputDir string) *Extension {
	filePath := filepath.Join(outputDir, SnapshotFinalFile)
	return &Extension{
		Name:     "snapshot_final",
		Priority: PrioritySnapshot,
		Finalize: func(state *State) ([]Effect, error) {
			if err := save(filePath); err != nil {
				return nil, errors.WithMessage(err, "saving final snapshot")
			}
			return nil, nil
		},
	}
}
