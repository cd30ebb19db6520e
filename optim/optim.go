// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides optimizers that update parameters from tape gradients.
//
// Example:
//
//	params := []*optim.Parameter{optim.NewParameter("w", w)}
//	opt := optim.NewSGD(optim.SGDConfig{LR: 0.01, Momentum: 0.9})
//	defer opt.Release()
//	grads, _ := tape.ComputeGradient(ctx, []*tensor.Handle{loss}, optim.Values(params), nil)
//	_ = opt.Step(ctx, params, grads)
package optim

import (
	"github.com/born-ml/gradtape/internal/optim"
	"github.com/born-ml/gradtape/tensor"
)

// Optimizer updates parameters in place from their gradients.
type Optimizer = optim.Optimizer

// Parameter is a named trainable value.
type Parameter = optim.Parameter

// NewParameter retains value as a named parameter.
func NewParameter(name string, value *tensor.Handle) *Parameter {
	return optim.NewParameter(name, value)
}

// Values returns the current handle of every parameter.
func Values(params []*Parameter) []*tensor.Handle {
	return optim.Values(params)
}

// Release releases every parameter.
func Release(params []*Parameter) {
	optim.Release(params)
}

// SGD is stochastic gradient descent with optional momentum.
type SGD = optim.SGD

// SGDConfig configures SGD.
type SGDConfig = optim.SGDConfig

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	return optim.NewSGD(config)
}

// Adam is the Adam optimizer with bias correction.
type Adam = optim.Adam

// AdamConfig configures Adam.
type AdamConfig = optim.AdamConfig

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) *Adam {
	return optim.NewAdam(config)
}
