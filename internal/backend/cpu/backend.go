// Package cpu implements the eager CPU executor that runs named operations on tensor handles.
package cpu

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// ErrDomain is returned when an input lies outside an operation's domain,
// for example Log of a non-positive value.
var ErrDomain = errors.New("value outside operation domain")

// Executor runs operations immediately and returns newly allocated result handles.
// Inputs are only read; every returned handle carries one reference owned by the caller.
type Executor struct {
	alloc *tensor.Allocator
	par   parallel.Config
}

// New creates an executor allocating results from alloc.
// par controls how element-wise kernels are split across goroutines.
func New(alloc *tensor.Allocator, par parallel.Config) *Executor {
	return &Executor{alloc: alloc, par: par}
}

// Name returns the executor name.
func (e *Executor) Name() string {
	if e.par.Enabled {
		return "CPU(parallel)"
	}
	return "CPU"
}

// Allocator returns the allocator results are taken from.
func (e *Executor) Allocator() *tensor.Allocator {
	return e.alloc
}

// Execute runs the named operation.
func (e *Executor) Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error) {
	def, sigs, err := opset.Infer(op, inputs)
	if err != nil {
		return nil, err
	}
	for i, h := range inputs {
		if h.IsSymbolic() {
			return nil, errors.Wrapf(tensor.ErrSymbolic, "%s: input %d (%s)", op, i, h)
		}
	}

	out, err := e.alloc.NewConcrete(sigs[0].Shape, sigs[0].DType)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	switch out.DType() {
	case tensor.Float32:
		err = run[float32](e, def, inputs, out)
	case tensor.Float64:
		err = run[float64](e, def, inputs, out)
	default:
		err = errors.Errorf("unsupported dtype %s", out.DType())
	}
	if err != nil {
		out.Release()
		return nil, errors.Wrap(err, op)
	}
	return []*tensor.Handle{out}, nil
}

// view returns the zero-copy data of h typed as []T.
func view[T tensor.Float](h *tensor.Handle) []T {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return any(h.AsFloat32()).([]T)
	}
	return any(h.AsFloat64()).([]T)
}

func run[T tensor.Float](e *Executor, def *opset.Def, inputs []*tensor.Handle, out *tensor.Handle) error {
	dst := view[T](out)
	switch def.Kind {
	case opset.Unary:
		return unary(e.par, def.Name, dst, view[T](inputs[0]))
	case opset.Binary:
		binary(e.par, def.Name, dst, out.Shape(), view[T](inputs[0]), inputs[0].Shape(), view[T](inputs[1]), inputs[1].Shape())
		return nil
	case opset.Constant:
		if def.Name == opset.OnesLike {
			fill(e.par, dst, 1)
		}
		return nil
	case opset.Linear:
		if def.Name == opset.MatMul {
			a, b := inputs[0].Shape(), inputs[1].Shape()
			matmul(e.par, dst, view[T](inputs[0]), view[T](inputs[1]), a[0], a[1], b[1])
		} else {
			s := inputs[0].Shape()
			transpose(dst, view[T](inputs[0]), s[0], s[1])
		}
		return nil
	case opset.Reduction:
		src := view[T](inputs[0])
		switch def.Name {
		case opset.Sum:
			dst[0] = sum(src)
		case opset.SumToShapeOf:
			sumToShape(dst, out.Shape(), src, inputs[0].Shape())
		case opset.BroadcastLike:
			broadcastTo(e.par, dst, out.Shape(), src, inputs[0].Shape())
		}
		return nil
	}
	return errors.Errorf("no kernel for %s", def.Name)
}
