// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogReportWritesJSONLines(t *testing.T) {
	outputDir := t.TempDir()
	ext := LogReport(outputDir, Always())

	states := []*State{
		{Iteration: 100, TotalIterations: 400, TrainLoss: 3.5, LearningRate: 0.001, CropSize: 320},
		{Iteration: 200, TotalIterations: 400, TrainLoss: 2.5, LearningRate: 0.001, CropSize: 352,
			Metrics: map[string]float64{ValidationLossMetric: 2.8}},
	}
	for _, state := range states {
		_, err := ext.Action(state)
		require.NoError(t, err)
	}
	_, err := ext.Finalize(states[1])
	require.NoError(t, err)

	file, err := os.Open(filepath.Join(outputDir, LogFileName))
	require.NoError(t, err)
	defer file.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)

	assert.Equal(t, 100.0, entries[0]["iteration"])
	assert.Equal(t, 3.5, entries[0]["main/loss"])
	assert.Equal(t, 320.0, entries[0]["crop_size"])
	assert.NotContains(t, entries[0], "metrics")

	metrics, ok := entries[1]["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.8, metrics[ValidationLossMetric])
}

func TestLogReportNoTriggerNoFile(t *testing.T) {
	outputDir := t.TempDir()
	ext := LogReport(outputDir, EveryN(100))
	_, err := ext.Finalize(stateAt(0, 100))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(outputDir, LogFileName))
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	ext := PrintReport(&buf, Always())
	_, err := ext.Action(&State{
		Iteration: 100, TotalIterations: 400,
		TrainLoss: 3.5, LearningRate: 0.001, CropSize: 352,
		Metrics: map[string]float64{ValidationLossMetric: 2.75},
	})
	require.NoError(t, err)
	assert.Equal(t, "iteration 100/400: loss=3.5000 lr=1.00e-03 crop=352 val_loss=2.7500\n", buf.String())
}

func TestEvaluatorRecordsMetrics(t *testing.T) {
	calls := 0
	ext := Evaluator(func() (map[string]float64, error) {
		calls++
		return map[string]float64{
			ValidationLossMetric: 1.5,
			"validation/#acc":    0.9,
		}, nil
	}, Always())

	effects, err := ext.Action(stateAt(10, 100))
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, 1, calls)
	// Sorted by name for a stable log.
	assert.Equal(t, RecordMetric{Name: "validation/#acc", Value: 0.9}, effects[0])
	assert.Equal(t, RecordMetric{Name: ValidationLossMetric, Value: 1.5}, effects[1])
}
