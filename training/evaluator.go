// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ValidationLossMetric is the metric name under which the evaluator
// records the mean validation loss.
const ValidationLossMetric = "validation/loss"

// EvalFunc runs a full validation pass and returns named metric values.
type EvalFunc func() (map[string]float64, error)

// Evaluator returns the extension that measures validation metrics when
// the trigger fires and records them into the loop state, where the
// reports and the best-snapshot policy pick them up.
func Evaluator(eval EvalFunc, trigger Trigger) *Extension {
	return &Extension{
		Name:     "evaluator",
		Priority: PriorityEvaluation,
		Trigger:  trigger,
		Action: func(state *State) ([]Effect, error) {
			values, err := eval()
			if err != nil {
				return nil, err
			}
			effects := make([]Effect, 0, len(values))
			for _, name := range sortedKeys(values) {
				effects = append(effects, RecordMetric{Name: name, Value: values[name]})
			}
			return effects, nil
		},
	}
}

// TrainerEval adapts a trainer and a validation dataset into an EvalFunc.
// Each call runs one full pass over the dataset and resets it. The
// trainer's first eval metric, the mean loss, is reported as
// ValidationLossMetric; the remaining metrics under "validation/" plus
// their short name.
func TrainerEval(trainer *train.Trainer, ds train.Dataset) EvalFunc {
	return func() (map[string]float64, error) {
		metricsValues, err := trainer.Eval(ds)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating on dataset %q", ds.Name())
		}
		ds.Reset()
		values := make(map[string]float64, len(metricsValues))
		for metricIdx, metric := range trainer.EvalMetrics() {
			value, err := metricValue(metricsValues[metricIdx])
			if err != nil {
				return nil, errors.WithMessagef(err, "metric %q", metric.Name())
			}
			name := "validation/" + metric.ShortName()
			if metricIdx == 0 {
				name = ValidationLossMetric
			}
			values[name] = value
		}
		return values, nil
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func metricValue(t *tensors.Tensor) (float64, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("metric has shape %s, expected a scalar", t.Shape())
	}
	switch value := t.Value().(type) {
	case float32:
		return float64(value), nil
	case float64:
		return value, nil
	case int64:
		return float64(value), nil
	default:
		return 0, errors.Errorf("metric has unsupported dtype %s", t.DType())
	}
}
