// Package models provides small built-in models that exercise the gradient tape.
//
// Each model computes its values and gradients through whatever context it is
// given, so it runs eagerly or traced into a function with identical results.
package models

import (
	"slices"

	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// ErrUnknownModel is returned by Lookup for names that are not registered.
var ErrUnknownModel = errors.New("unknown model")

// Input describes one model input and its default value.
type Input struct {
	Name  string
	Shape tensor.Shape
	Data  []float32
}

// Model is a named, runnable demo model.
type Model struct {
	Name        string
	Description string
	Inputs      []Input
	Outputs     []string
	Fn          execution.Model
}

var registry = map[string]Model{}

func register(m Model) {
	registry[m.Name] = m
}

// All returns every registered model, sorted by name.
func All() []Model {
	out := make([]Model, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Model) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// Lookup returns the named model.
func Lookup(name string) (Model, error) {
	m, ok := registry[name]
	if !ok {
		return Model{}, errors.Wrapf(ErrUnknownModel, "%q", name)
	}
	return m, nil
}

// NewInputs allocates the model's inputs in ctx. A non-empty override replaces
// the data of the first input and must have the same number of elements.
func (m Model) NewInputs(ctx execution.Context, override []float32) ([]*tensor.Handle, error) {
	inputs := make([]*tensor.Handle, 0, len(m.Inputs))
	for i, in := range m.Inputs {
		data := in.Data
		if i == 0 && len(override) > 0 {
			if len(override) != in.Shape.NumElements() {
				return nil, errors.Errorf("%s: input %s needs %d values, got %d",
					m.Name, in.Name, in.Shape.NumElements(), len(override))
			}
			data = override
		}
		h, err := execution.FromSlice(ctx, data, in.Shape...)
		if err != nil {
			tensor.Release(inputs...)
			return nil, errors.Wrapf(err, "%s: input %s", m.Name, in.Name)
		}
		inputs = append(inputs, h)
	}
	return inputs, nil
}

// Run allocates the inputs, runs the model and releases the inputs.
func (m Model) Run(ctx execution.Context, override []float32, useFunction bool) ([]*tensor.Value, error) {
	inputs, err := m.NewInputs(ctx, override)
	if err != nil {
		return nil, err
	}
	defer tensor.Release(inputs...)

	outs, err := execution.RunModel(m.Fn, ctx, inputs, useFunction)
	if err != nil {
		return nil, errors.Wrapf(err, "running %s", m.Name)
	}
	defer tensor.Release(outs...)

	values := make([]*tensor.Value, len(outs))
	for i, h := range outs {
		if h == nil {
			continue
		}
		if values[i], err = execution.Materialize(h); err != nil {
			return nil, err
		}
	}
	return values, nil
}
