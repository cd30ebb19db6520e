// Package execution provides the contexts operations run in: an eager context that
// executes immediately and a tracing context that records a reusable function.
package execution

import (
	"github.com/born-ml/gradtape/internal/backend/cpu"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// Context is an environment that can execute named operations.
//
// Execute returns one new reference per output, owned by the caller. Inputs are
// borrowed for the duration of the call.
type Context interface {
	Name() string
	Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error)
	Allocator() *tensor.Allocator
	Config() Config
}

// EagerContext executes every operation immediately on the CPU executor.
type EagerContext struct {
	cfg  Config
	exec *cpu.Executor
}

// BuildContext validates cfg and builds an eager context with a fresh allocator.
func BuildContext(cfg Config) (*EagerContext, error) {
	return NewEagerContext(tensor.NewAllocator(), cfg)
}

// NewEagerContext builds an eager context allocating from alloc.
func NewEagerContext(alloc *tensor.Allocator, cfg Config) (*EagerContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EagerContext{cfg: cfg, exec: cpu.New(alloc, cfg.parallelism())}, nil
}

// Name returns the executor name.
func (c *EagerContext) Name() string {
	return c.exec.Name()
}

// Execute runs op immediately.
func (c *EagerContext) Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error) {
	return c.exec.Execute(op, inputs...)
}

// Allocator returns the allocator results come from.
func (c *EagerContext) Allocator() *tensor.Allocator {
	return c.exec.Allocator()
}

// Config returns the configuration the context was built with.
func (c *EagerContext) Config() Config {
	return c.cfg
}

// ExecuteOne runs a single-output operation and returns its result.
func ExecuteOne(ctx Context, op string, inputs ...*tensor.Handle) (*tensor.Handle, error) {
	outs, err := ctx.Execute(op, inputs...)
	if err != nil {
		return nil, err
	}
	if len(outs) != 1 {
		tensor.Release(outs...)
		return nil, errors.Errorf("%s: expected 1 output, got %d", op, len(outs))
	}
	return outs[0], nil
}

// Scalar creates a float32 rank-0 handle in ctx's allocator.
func Scalar(ctx Context, value float32) (*tensor.Handle, error) {
	return tensor.Scalar(ctx.Allocator(), value)
}

// FromSlice creates a handle holding data with dimensions dims in ctx's allocator.
func FromSlice[T tensor.Float](ctx Context, data []T, dims ...int) (*tensor.Handle, error) {
	return tensor.FromSlice(ctx.Allocator(), data, tensor.Shape(dims))
}

// Materialize returns a detached copy of a concrete handle's value.
func Materialize(h *tensor.Handle) (*tensor.Value, error) {
	return h.Value()
}
