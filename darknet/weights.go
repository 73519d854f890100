// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package darknet

import (
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// BackboneScope is the context scope under which Darknet53 creates its
// variables.
const BackboneScope = "/darknet53"

// Weights is a set of model variables read from a .npz file, keyed by the
// variable's full scope and name. It implements context.Loader so loaded
// values take the place of random initialization when the model graph is
// first built.
type Weights struct {
	entries map[string]*tensors.Tensor
}

// LoadWeightsFile reads a .npz snapshot produced by SaveWeights, or a
// pretrained backbone file with the same key layout.
func LoadWeightsFile(filePath string) (*Weights, error) {
	entries, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model weights from %q", filePath)
	}
	return &Weights{entries: entries}, nil
}

// BackboneOnly drops every entry outside the Darknet-53 feature extractor,
// so a full-model file can seed just the backbone.
func (w *Weights) BackboneOnly() *Weights {
	filtered := make(map[string]*tensors.Tensor)
	for key, value := range w.entries {
		if strings.HasPrefix(key, BackboneScope+"/") {
			filtered[key] = value
		}
	}
	return &Weights{entries: filtered}
}

// ValidateClasses checks that the detection head stored in the file, if
// any, was trained for numClasses categories. Backbone-only files always
// validate.
func (w *Weights) ValidateClasses(numClasses int) error {
	want := NumAnchorsPerScale * (5 + numClasses)
	for key, value := range w.entries {
		if !strings.HasSuffix(key, "/project/conv/biases") {
			continue
		}
		dims := value.Shape().Dimensions
		if len(dims) != 1 || dims[0] != want {
			got := (dims[len(dims)-1] / NumAnchorsPerScale) - 5
			return errors.Errorf(
				"weights file head %q was trained for %d classes, model is configured for %d",
				key, got, numClasses)
		}
	}
	return nil
}

// Keys returns the sorted entry names, mostly for logging and tests.
func (w *Weights) Keys() []string {
	keys := make([]string, 0, len(w.entries))
	for key := range w.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Attach installs w as the context's variable loader. Variables created
// afterwards pick up the stored values; variables absent from the file
// keep their regular initialization.
func (w *Weights) Attach(ctx *context.Context) {
	ctx.SetLoader(w)
}

// LoadVariable implements context.Loader.
func (w *Weights) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	value, found := w.entries[context.JoinScope(scope, name)]
	if found {
		delete(w.entries, context.JoinScope(scope, name))
	}
	return value, found
}

// DeleteVariable implements context.Loader.
func (w *Weights) DeleteVariable(_ *context.Context, scope, name string) error {
	delete(w.entries, context.JoinScope(scope, name))
	return nil
}

// SaveWeights writes every variable of the context to a .npz file, keyed
// by scope and name. The file restores through LoadWeightsFile plus
// Attach, which also brings back non-trainable state such as batch
// normalization averages and the optimizer slots.
func SaveWeights(ctx *context.Context, filePath string) error {
	entries := make(map[string]*tensors.Tensor)
	var firstErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		value, err := v.Value()
		if err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		if err == nil {
			entries[v.ScopeAndName()] = value
		}
	})
	if firstErr != nil {
		return firstErr
	}
	if err := numpy.ToNpzFile(entries, filePath); err != nil {
		return errors.WithMessagef(err, "saving model weights to %q", filePath)
	}
	return nil
}
