package execution

import (
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Model is a callable producing outputs from inputs in a context.
// Inputs are borrowed; each output is a new reference owned by the caller.
type Model func(ctx Context, inputs []*tensor.Handle) ([]*tensor.Handle, error)

// RunModel runs model on inputs, either directly in ctx or by first tracing it into
// a function and then calling that function in ctx. Both paths produce the same outputs.
func RunModel(model Model, ctx Context, inputs []*tensor.Handle, useFunction bool) ([]*tensor.Handle, error) {
	if !useFunction {
		return model(ctx, inputs)
	}
	fn, err := TraceModel(model, ctx, inputs)
	if err != nil {
		return nil, err
	}
	defer fn.Release()
	return fn.Call(ctx, inputs)
}

// TraceModel traces model into a function whose parameters match the shapes and dtypes of like.
func TraceModel(model Model, ctx Context, like []*tensor.Handle) (*Function, error) {
	tctx := NewTracingContext("model_"+uuid.NewString(), ctx.Allocator(), ctx.Config())
	defer tctx.Close()

	params := make([]*tensor.Handle, 0, len(like))
	defer func() { tensor.Release(params...) }()
	for _, h := range like {
		p, err := tctx.CreatePlaceholder(h)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	outs, err := model(tctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "tracing %s", tctx.Name())
	}
	defer tensor.Release(outs...)
	return tctx.Finalize(outs)
}
