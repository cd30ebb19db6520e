// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package execution provides the contexts operations run in.
//
// An eager context runs each operation immediately on the CPU executor. A
// tracing context records operations into a reusable Function instead.
// RunModel runs a model either way with numerically identical results.
//
// Example:
//
//	ctx, _ := execution.BuildContext(execution.DefaultConfig())
//	x, _ := execution.Scalar(ctx, 1)
//	outs, _ := execution.RunModel(model, ctx, []*tensor.Handle{x}, true)
package execution

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/tensor"
)

// Context executes named operations.
type Context = execution.Context

// Config selects the backend, runtime and tracing implementation.
type Config = execution.Config

// EagerContext runs operations immediately.
type EagerContext = execution.EagerContext

// TracingContext records operations into a Function.
type TracingContext = execution.TracingContext

// Function is a traced, reusable computation.
type Function = execution.Function

// Model computes outputs from inputs through a context.
type Model = execution.Model

// Configuration values.
const (
	BackendCPU      = execution.BackendCPU
	RuntimeSerial   = execution.RuntimeSerial
	RuntimeParallel = execution.RuntimeParallel
	TracingGraph    = execution.TracingGraph
	TracingCompiled = execution.TracingCompiled
)

// DefaultConfig returns the serial CPU configuration with graph tracing.
func DefaultConfig() Config {
	return execution.DefaultConfig()
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return execution.LoadConfig(path)
}

// BuildContext creates an eager context for cfg.
func BuildContext(cfg Config) (*EagerContext, error) {
	return execution.BuildContext(cfg)
}

// NewTracingContext creates a tracing context allocating from alloc.
func NewTracingContext(name string, alloc *tensor.Allocator, cfg Config) *TracingContext {
	return execution.NewTracingContext(name, alloc, cfg)
}

// RunModel runs model on inputs, tracing it into a function first if useFunction is set.
func RunModel(model Model, ctx Context, inputs []*tensor.Handle, useFunction bool) ([]*tensor.Handle, error) {
	return execution.RunModel(model, ctx, inputs, useFunction)
}

// ExecuteOne runs a single-output operation.
func ExecuteOne(ctx Context, op string, inputs ...*tensor.Handle) (*tensor.Handle, error) {
	return execution.ExecuteOne(ctx, op, inputs...)
}

// Scalar creates a float32 rank-0 handle in ctx.
func Scalar(ctx Context, value float32) (*tensor.Handle, error) {
	return execution.Scalar(ctx, value)
}

// FromSlice creates a handle holding data in ctx.
func FromSlice[T tensor.Float](ctx Context, data []T, dims ...int) (*tensor.Handle, error) {
	return execution.FromSlice(ctx, data, dims...)
}
