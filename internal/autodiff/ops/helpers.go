package ops

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// builder runs a chain of operations and keeps every intermediate until result.
// After the first failure the remaining calls are skipped.
type builder struct {
	ctx execution.Context
	tmp []*tensor.Handle
	err error
}

func newBuilder(ctx execution.Context) *builder {
	return &builder{ctx: ctx}
}

func (b *builder) op(name string, inputs ...*tensor.Handle) *tensor.Handle {
	if b.err != nil {
		return nil
	}
	h, err := execution.ExecuteOne(b.ctx, name, inputs...)
	if err != nil {
		b.err = err
		return nil
	}
	b.tmp = append(b.tmp, h)
	return h
}

// reduceTo sums g down to the shape of like, undoing forward broadcasting.
// Returns g itself when the shapes already match.
func (b *builder) reduceTo(g, like *tensor.Handle) *tensor.Handle {
	if b.err != nil {
		return nil
	}
	if g.Shape().Equal(like.Shape()) {
		return g
	}
	return b.op(opset.SumToShapeOf, g, like)
}

// results takes a reference on each of hs and releases every intermediate.
func (b *builder) results(hs ...*tensor.Handle) ([]*tensor.Handle, error) {
	defer func() {
		tensor.Release(b.tmp...)
		b.tmp = nil
	}()
	if b.err != nil {
		return nil, b.err
	}
	out := make([]*tensor.Handle, len(hs))
	for i, h := range hs {
		if h != nil {
			out[i] = h.Retain()
		}
	}
	return out, nil
}

// unaryGrad is the gradient function of a single-input, single-output element-wise op.
type unaryGrad struct {
	op   string
	x, y *tensor.Handle
	f    func(b *builder, g, x, y *tensor.Handle) *tensor.Handle
}

func (u *unaryGrad) Compute(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error) {
	if len(upstream) != 1 {
		return nil, errors.Wrapf(ErrUpstreamCount, "%s: want 1, got %d", u.op, len(upstream))
	}
	if upstream[0] == nil {
		return []*tensor.Handle{nil}, nil
	}
	b := newBuilder(ctx)
	return b.results(u.f(b, upstream[0], u.x, u.y))
}

func unary(f func(b *builder, g, x, y *tensor.Handle) *tensor.Handle) Rule {
	return func(rec Record) GradientFunction {
		return &unaryGrad{op: rec.Op, x: rec.Inputs[0], y: rec.Outputs[0], f: f}
	}
}

// binaryGrad is the gradient function of a two-input, single-output op.
type binaryGrad struct {
	op      string
	a, c, y *tensor.Handle
	f       func(b *builder, g, a, c, y *tensor.Handle) (ga, gc *tensor.Handle)
}

func (bg *binaryGrad) Compute(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error) {
	if len(upstream) != 1 {
		return nil, errors.Wrapf(ErrUpstreamCount, "%s: want 1, got %d", bg.op, len(upstream))
	}
	if upstream[0] == nil {
		return []*tensor.Handle{nil, nil}, nil
	}
	b := newBuilder(ctx)
	ga, gc := bg.f(b, upstream[0], bg.a, bg.c, bg.y)
	return b.results(ga, gc)
}

func binary(f func(b *builder, g, a, c, y *tensor.Handle) (ga, gc *tensor.Handle)) Rule {
	return func(rec Record) GradientFunction {
		return &binaryGrad{op: rec.Op, a: rec.Inputs[0], c: rec.Inputs[1], y: rec.Outputs[0], f: f}
	}
}
