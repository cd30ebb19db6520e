// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides reverse-mode automatic differentiation on a gradient tape.
//
// Example:
//
//	ctx, _ := execution.BuildContext(execution.DefaultConfig())
//	x, _ := execution.Scalar(ctx, 3)
//
//	tape := autodiff.NewTape(false)
//	tape.Watch(x)
//	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
//	y, _ := execution.ExecuteOne(rctx, "Square", x)
//
//	grads, _ := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
//	// grads[0] holds 6
package autodiff

import (
	"github.com/born-ml/gradtape/execution"
	"github.com/born-ml/gradtape/internal/autodiff"
	"github.com/born-ml/gradtape/internal/autodiff/ops"
	"github.com/born-ml/gradtape/tensor"
)

// Tape records operations for gradient computation.
type Tape = autodiff.Tape

// NewTape creates a recording tape. A persistent tape can be replayed more than once.
func NewTape(persistent bool) *Tape {
	return autodiff.NewTape(persistent)
}

// GradientFunction computes input gradients of one recorded operation.
type GradientFunction = ops.GradientFunction

// GradientFunc adapts a function to GradientFunction.
type GradientFunc = ops.GradientFunc

// Releaser is implemented by gradient functions holding resources.
type Releaser = ops.Releaser

// PassThrough hands the upstream gradient unchanged to the single input.
type PassThrough = ops.PassThrough

// Record is a recorded operation as seen by a gradient rule.
type Record = ops.Record

// Rule builds the gradient function of a recorded operation.
type Rule = ops.Rule

// Registry maps operation names to gradient rules.
type Registry = ops.Registry

// DefaultRegistry returns a new registry holding the built-in rules.
func DefaultRegistry() *Registry {
	return ops.DefaultRegistry()
}

// RecordingContext records operations executed through it on a tape.
type RecordingContext = autodiff.RecordingContext

// NewRecordingContext wraps inner so its operations are recorded on tape.
func NewRecordingContext(inner execution.Context, tape *Tape, reg *Registry) *RecordingContext {
	return autodiff.NewRecordingContext(inner, tape, reg)
}

// ForwardFunc computes a custom-gradient block.
type ForwardFunc = autodiff.ForwardFunc

// CustomGradient records the block computed by forward as one operation.
func CustomGradient(ctx *RecordingContext, inputs []*tensor.Handle, forward ForwardFunc) ([]*tensor.Handle, error) {
	return autodiff.CustomGradient(ctx, inputs, forward)
}

// Errors returned by the tape.
var (
	ErrTapeConsumed  = autodiff.ErrTapeConsumed
	ErrNonCausal     = autodiff.ErrNonCausal
	ErrGradientCount = autodiff.ErrGradientCount
	ErrSeedCount     = autodiff.ErrSeedCount
	ErrNilHandle     = autodiff.ErrNilHandle
)
