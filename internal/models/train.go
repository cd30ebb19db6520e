package models

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/optim"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainConfig configures TrainMLP.
type TrainConfig struct {
	Steps       int
	UseFunction bool // trace the model once and call the function every step
}

// TrainMLP minimizes the mlp model's loss over its weights and bias with opt.
// Returns the loss before each step.
func TrainMLP(ctx execution.Context, opt optim.Optimizer, cfg TrainConfig) ([]float64, error) {
	m, err := Lookup("mlp")
	if err != nil {
		return nil, err
	}
	inputs, err := m.NewInputs(ctx, nil)
	if err != nil {
		return nil, err
	}
	x := inputs[0]
	defer x.Release()
	params := []*optim.Parameter{
		optim.NewParameter("w", inputs[1]),
		optim.NewParameter("b", inputs[2]),
	}
	tensor.Release(inputs[1:]...)
	defer optim.Release(params)

	run := func(in []*tensor.Handle) ([]*tensor.Handle, error) {
		return m.Fn(ctx, in)
	}
	if cfg.UseFunction {
		fn, err := execution.TraceModel(m.Fn, ctx, []*tensor.Handle{x, params[0].Value, params[1].Value})
		if err != nil {
			return nil, err
		}
		defer fn.Release()
		run = func(in []*tensor.Handle) ([]*tensor.Handle, error) {
			return fn.Call(ctx, in)
		}
	}

	losses := make([]float64, 0, cfg.Steps)
	for step := range cfg.Steps {
		outs, err := run([]*tensor.Handle{x, params[0].Value, params[1].Value})
		if err != nil {
			return losses, errors.Wrapf(err, "step %d", step)
		}
		loss, err := outs[0].Item()
		if err == nil {
			err = opt.Step(ctx, params, outs[1:])
		}
		tensor.Release(outs...)
		if err != nil {
			return losses, errors.Wrapf(err, "step %d", step)
		}
		losses = append(losses, loss)
		klog.V(2).Infof("train step %d: loss %.6f", step, loss)
	}
	return losses, nil
}
