// Package ops defines gradient functions and the built-in gradient rules for automatic differentiation.
//
// A gradient function maps the gradients of one recorded operation's outputs to
// the gradients of its inputs. Rules build gradient functions for recorded
// operations by name:
//   - Add, Sub: gradient flows unchanged (negated for Sub's second input), summed over broadcast dims
//   - Mul, Div: product and quotient rules
//   - Exp, Log, Sin, Cos, Tanh, Sigmoid, Relu, Sqrt, Square, Neg, Identity: element-wise derivatives
//   - MatMul, Transpose: d(A@B)/dA = grad@B^T, d(A@B)/dB = A^T@grad
//   - Sum, SumToShapeOf, BroadcastLike: broadcast or reduce the gradient back to the input shape
//
// Every rule computes through the execution context it is given, so gradients
// can be computed eagerly, traced into a function, or recorded on another tape.
package ops

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// ErrUpstreamCount is returned when a gradient function receives a different
// number of upstream gradients than the operation has outputs.
var ErrUpstreamCount = errors.New("wrong number of upstream gradients")

// GradientFunction computes input gradients of one recorded operation.
//
// upstream holds one entry per recorded output: the accumulated gradient of
// that output, or nil when no gradient reached it. The entries are borrowed for
// the call. Compute returns exactly one entry per recorded input, nil meaning no
// gradient flows to that input; returned handles are owned by the caller.
type GradientFunction interface {
	Compute(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error)
}

// Releaser is implemented by gradient functions holding resources.
// The tape calls Release exactly once, when the recorded operation is dropped.
type Releaser interface {
	Release()
}

// GradientFunc adapts a function to the GradientFunction interface.
type GradientFunc func(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error)

// Compute calls f.
func (f GradientFunc) Compute(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error) {
	return f(ctx, upstream)
}

// PassThrough hands the single upstream gradient unchanged to the single input,
// taking one extra reference for the result.
type PassThrough struct{}

// Compute returns upstream[0] with one more reference.
func (PassThrough) Compute(_ execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error) {
	if len(upstream) != 1 {
		return nil, errors.Wrapf(ErrUpstreamCount, "pass-through: want 1, got %d", len(upstream))
	}
	g := upstream[0]
	if g != nil {
		g.Retain()
	}
	return []*tensor.Handle{g}, nil
}

// Record is a recorded operation as seen by a rule. The handles are borrowed:
// the tape keeps them alive for as long as the gradient function it builds.
type Record struct {
	Op      string
	Inputs  []*tensor.Handle
	Outputs []*tensor.Handle
}

// Rule builds the gradient function of one recorded operation.
type Rule func(rec Record) GradientFunction
