package models

import (
	"github.com/born-ml/gradtape/internal/autodiff"
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

func init() {
	register(Model{
		Name:        "exp-passthrough",
		Description: "y = exp(x) recorded with a pass-through gradient",
		Inputs:      []Input{{Name: "x", Shape: tensor.Shape{}, Data: []float32{1}}},
		Outputs:     []string{"y", "dy/dx"},
		Fn:          ExpPassThrough,
	})
	register(Model{
		Name:        "diamond",
		Description: "y = sin(x) + x*x, accumulating gradients over two paths",
		Inputs:      []Input{{Name: "x", Shape: tensor.Shape{3}, Data: []float32{0.5, 1, 1.5}}},
		Outputs:     []string{"y", "dy/dx"},
		Fn:          Diamond,
	})
	register(Model{
		Name:        "cube-second-derivative",
		Description: "y = x^3 with first and second derivatives from nested tapes",
		Inputs:      []Input{{Name: "x", Shape: tensor.Shape{}, Data: []float32{3}}},
		Outputs:     []string{"y", "dy/dx", "d2y/dx2"},
		Fn:          CubeSecondDerivative,
	})
	register(Model{
		Name:        "disconnected-source",
		Description: "y = exp(x) differentiated with respect to x and an unrelated z",
		Inputs: []Input{
			{Name: "x", Shape: tensor.Shape{}, Data: []float32{1}},
			{Name: "z", Shape: tensor.Shape{2}, Data: []float32{4, 5}},
		},
		Outputs: []string{"y", "dy/dx", "dy/dz"},
		Fn:      DisconnectedSource,
	})
}

// ExpPassThrough computes y = exp(x) and records it with autodiff.PassThrough,
// so the gradient at x is the implicit unit seed. Returns [y, dy/dx].
func ExpPassThrough(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	x := inputs[0]
	tape := autodiff.NewTape(false)
	defer tape.Close()
	tape.Watch(x)

	y, err := execution.ExecuteOne(ctx, opset.Exp, x)
	if err != nil {
		return nil, err
	}
	if err := tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, autodiff.PassThrough{}); err != nil {
		y.Release()
		return nil, err
	}
	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	if err != nil {
		y.Release()
		return nil, err
	}
	return []*tensor.Handle{y, grads[0]}, nil
}

// Diamond computes y = sin(x) + x*x, where x reaches y along three uses.
// Returns [y, dy/dx].
func Diamond(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	x := inputs[0]
	tape := autodiff.NewTape(false)
	defer tape.Close()
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)

	s := newSession(rctx)
	defer s.close()
	y := s.op(opset.Add, s.op(opset.Sin, x), s.op(opset.Mul, x, x))
	if s.err != nil {
		return nil, s.err
	}
	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	if err != nil {
		return nil, err
	}
	return []*tensor.Handle{y.Retain(), grads[0]}, nil
}

// CubeSecondDerivative computes y = x³ and its first two derivatives by
// differentiating the first gradient on an outer tape. Returns [y, dy/dx, d²y/dx²].
func CubeSecondDerivative(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	x := inputs[0]
	outer := autodiff.NewTape(false)
	defer outer.Close()
	inner := autodiff.NewTape(false)
	defer inner.Close()
	outerCtx := autodiff.NewRecordingContext(ctx, outer, nil)
	innerCtx := autodiff.NewRecordingContext(outerCtx, inner, nil)
	outer.Watch(x)
	inner.Watch(x)

	s := newSession(innerCtx)
	defer s.close()
	y := s.op(opset.Mul, s.op(opset.Mul, x, x), x)
	if s.err != nil {
		return nil, s.err
	}

	first, err := inner.ComputeGradient(outerCtx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	if err != nil {
		return nil, err
	}
	second, err := outer.ComputeGradient(ctx, first, []*tensor.Handle{x}, nil)
	if err != nil {
		tensor.Release(first...)
		return nil, err
	}
	return []*tensor.Handle{y.Retain(), first[0], second[0]}, nil
}

// DisconnectedSource computes y = exp(x) with only x watched, so the gradient
// with respect to z is absent. Returns [y, dy/dx, nil].
func DisconnectedSource(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	x, z := inputs[0], inputs[1]
	tape := autodiff.NewTape(false)
	defer tape.Close()
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)

	s := newSession(rctx)
	defer s.close()
	y := s.op(opset.Exp, x)
	s.op(opset.Square, z)
	if s.err != nil {
		return nil, s.err
	}
	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x, z}, nil)
	if err != nil {
		return nil, err
	}
	return append([]*tensor.Handle{y.Retain()}, grads...), nil
}

// session runs a chain of forward operations and releases every result on close.
// After the first failure the remaining operations are skipped.
type session struct {
	ctx  execution.Context
	held []*tensor.Handle
	err  error
}

func newSession(ctx execution.Context) *session {
	return &session{ctx: ctx}
}

func (s *session) op(name string, inputs ...*tensor.Handle) *tensor.Handle {
	if s.err != nil {
		return nil
	}
	h, err := execution.ExecuteOne(s.ctx, name, inputs...)
	if err != nil {
		s.err = err
		return nil
	}
	s.held = append(s.held, h)
	return h
}

func (s *session) close() {
	tensor.Release(s.held...)
	s.held = nil
}
