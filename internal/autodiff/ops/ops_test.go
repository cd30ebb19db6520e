package ops

import (
	"slices"
	"testing"

	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-6

func newContext(t *testing.T) *execution.EagerContext {
	t.Helper()
	ctx, err := execution.BuildContext(execution.DefaultConfig())
	require.NoError(t, err)
	return ctx
}

func mustSlice(t *testing.T, ctx execution.Context, data []float64, dims ...int) *tensor.Handle {
	t.Helper()
	h, err := execution.FromSlice(ctx, data, dims...)
	require.NoError(t, err)
	return h
}

// sumOf returns Sum(op(inputs...)) as a float64.
func sumOf(t *testing.T, ctx execution.Context, op string, inputs []*tensor.Handle) float64 {
	t.Helper()
	y, err := execution.ExecuteOne(ctx, op, inputs...)
	require.NoError(t, err)
	defer y.Release()
	s, err := execution.ExecuteOne(ctx, opset.Sum, y)
	require.NoError(t, err)
	defer s.Release()
	v, err := s.Item()
	require.NoError(t, err)
	return v
}

// checkGradients compares the rule for op against central finite differences
// of Sum(op(inputs...)). Inputs at skip positions are not differentiated.
func checkGradients(t *testing.T, ctx execution.Context, op string, inputs []*tensor.Handle, skip ...int) {
	t.Helper()
	outs, err := ctx.Execute(op, inputs...)
	require.NoError(t, err)
	defer tensor.Release(outs...)

	fn := DefaultRegistry().Build(Record{Op: op, Inputs: inputs, Outputs: outs})
	require.NotNil(t, fn, "%s has no gradient", op)

	seed, err := execution.ExecuteOne(ctx, opset.OnesLike, outs[0])
	require.NoError(t, err)
	defer seed.Release()

	grads, err := fn.Compute(ctx, []*tensor.Handle{seed})
	require.NoError(t, err)
	require.Len(t, grads, len(inputs))
	defer tensor.Release(grads...)

	for i, in := range inputs {
		if slices.Contains(skip, i) {
			assert.Nil(t, grads[i], "%s input %d", op, i)
			continue
		}
		require.NotNil(t, grads[i], "%s input %d", op, i)
		assert.True(t, in.Shape().Equal(grads[i].Shape()), "%s input %d: gradient shape %s", op, i, grads[i].Shape())
		analytic, err := grads[i].Float64s()
		require.NoError(t, err)

		base, err := in.Float64s()
		require.NoError(t, err)
		for j := range base {
			perturbed := func(delta float64) float64 {
				data := append([]float64(nil), base...)
				data[j] += delta
				h := mustSlice(t, ctx, data, in.Shape()...)
				defer h.Release()
				args := append([]*tensor.Handle(nil), inputs...)
				args[i] = h
				return sumOf(t, ctx, op, args)
			}
			numeric := (perturbed(epsilon) - perturbed(-epsilon)) / (2 * epsilon)
			assert.InDelta(t, numeric, analytic[j], 1e-4, "%s d/d(input %d)[%d]", op, i, j)
		}
	}
}

func TestRules_Unary(t *testing.T) {
	ops := []string{
		opset.Neg, opset.Identity, opset.Exp, opset.Log, opset.Sin, opset.Cos,
		opset.Tanh, opset.Sigmoid, opset.Relu, opset.Sqrt, opset.Square,
	}
	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			ctx := newContext(t)
			x := mustSlice(t, ctx, []float64{0.5, 1.25, 2, 3.5}, 2, 2)
			checkGradients(t, ctx, op, []*tensor.Handle{x})
			x.Release()
			assert.Empty(t, ctx.Allocator().LiveHandles())
		})
	}
}

func TestRules_Binary(t *testing.T) {
	for _, op := range []string{opset.Add, opset.Sub, opset.Mul, opset.Div} {
		t.Run(op, func(t *testing.T) {
			ctx := newContext(t)
			a := mustSlice(t, ctx, []float64{1, -2, 3, 0.5, 1.5, -1}, 2, 3)
			b := mustSlice(t, ctx, []float64{2, 0.5, -3, 1.5, 4, 2.5}, 2, 3)
			checkGradients(t, ctx, op, []*tensor.Handle{a, b})
			tensor.Release(a, b)
			assert.Empty(t, ctx.Allocator().LiveHandles())
		})
	}
}

func TestRules_BinaryBroadcast(t *testing.T) {
	for _, op := range []string{opset.Add, opset.Sub, opset.Mul, opset.Div} {
		t.Run(op, func(t *testing.T) {
			ctx := newContext(t)
			a := mustSlice(t, ctx, []float64{1, -2, 3, 0.5, 1.5, -1}, 2, 3)
			row := mustSlice(t, ctx, []float64{2, 0.5, -3}, 3)
			checkGradients(t, ctx, op, []*tensor.Handle{a, row})

			scalar := mustSlice(t, ctx, []float64{1.5})
			checkGradients(t, ctx, op, []*tensor.Handle{scalar, a})
			tensor.Release(a, row, scalar)
			assert.Empty(t, ctx.Allocator().LiveHandles())
		})
	}
}

func TestRules_MatMulTranspose(t *testing.T) {
	ctx := newContext(t)
	a := mustSlice(t, ctx, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := mustSlice(t, ctx, []float64{0.5, -1, 2, 1, -0.5, 3}, 3, 2)
	defer tensor.Release(a, b)

	checkGradients(t, ctx, opset.MatMul, []*tensor.Handle{a, b})
	checkGradients(t, ctx, opset.Transpose, []*tensor.Handle{a})
}

func TestRules_Reductions(t *testing.T) {
	ctx := newContext(t)
	x := mustSlice(t, ctx, []float64{1, 2, 3, 4, 5, 6}, 2, 3)
	row := mustSlice(t, ctx, []float64{1, 2, 3}, 3)
	defer tensor.Release(x, row)

	checkGradients(t, ctx, opset.Sum, []*tensor.Handle{x})
	checkGradients(t, ctx, opset.SumToShapeOf, []*tensor.Handle{x, row}, 1)
	checkGradients(t, ctx, opset.BroadcastLike, []*tensor.Handle{row, x}, 1)
}

func TestRegistry_NonDifferentiable(t *testing.T) {
	reg := DefaultRegistry()
	for _, op := range []string{opset.Step, opset.OnesLike, opset.ZerosLike} {
		rule, ok := reg.Lookup(op)
		assert.True(t, ok, op)
		assert.Nil(t, rule, op)
		assert.Nil(t, reg.Build(Record{Op: op}), op)
	}
	_, ok := reg.Lookup("NoSuchOp")
	assert.False(t, ok)
}

func TestRegistry_CoversOpset(t *testing.T) {
	assert.Equal(t, opset.Names(), DefaultRegistry().Ops())
}

func TestRegistry_Override(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(opset.Exp, func(Record) GradientFunction { return PassThrough{} })
	fn := reg.Build(Record{Op: opset.Exp})
	assert.IsType(t, PassThrough{}, fn)

	// Other registries are not affected.
	other := DefaultRegistry().Build(Record{Op: opset.Exp, Inputs: []*tensor.Handle{nil}, Outputs: []*tensor.Handle{nil}})
	assert.IsType(t, &unaryGrad{}, other)
}

func TestPassThrough(t *testing.T) {
	ctx := newContext(t)
	g := mustSlice(t, ctx, []float64{1})

	grads, err := PassThrough{}.Compute(ctx, []*tensor.Handle{g})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Same(t, g, grads[0])
	assert.Equal(t, 2, g.Refs())
	tensor.Release(grads...)
	g.Release()

	grads, err = PassThrough{}.Compute(ctx, []*tensor.Handle{nil})
	require.NoError(t, err)
	assert.Equal(t, []*tensor.Handle{nil}, grads)

	_, err = PassThrough{}.Compute(ctx, nil)
	assert.True(t, errors.Is(err, ErrUpstreamCount))
	assert.Empty(t, ctx.Allocator().LiveHandles())
}

func TestRules_NilUpstream(t *testing.T) {
	ctx := newContext(t)
	a := mustSlice(t, ctx, []float64{1, 2}, 2)
	b := mustSlice(t, ctx, []float64{3, 4}, 2)
	y, err := execution.ExecuteOne(ctx, opset.Mul, a, b)
	require.NoError(t, err)
	defer tensor.Release(a, b, y)

	fn := DefaultRegistry().Build(Record{Op: opset.Mul, Inputs: []*tensor.Handle{a, b}, Outputs: []*tensor.Handle{y}})
	grads, err := fn.Compute(ctx, []*tensor.Handle{nil})
	require.NoError(t, err)
	assert.Equal(t, []*tensor.Handle{nil, nil}, grads)

	_, err = fn.Compute(ctx, []*tensor.Handle{nil, nil})
	assert.True(t, errors.Is(err, ErrUpstreamCount))
}

func TestRules_FailureReleasesIntermediates(t *testing.T) {
	ctx := newContext(t)
	// An upstream gradient that cannot broadcast with y fails after 2y was computed.
	x := mustSlice(t, ctx, []float64{4, 9}, 2)
	y, err := execution.ExecuteOne(ctx, opset.Sqrt, x)
	require.NoError(t, err)
	g := mustSlice(t, ctx, []float64{1, 1, 1}, 3)
	defer tensor.Release(x, y, g)

	fn := DefaultRegistry().Build(Record{Op: opset.Sqrt, Inputs: []*tensor.Handle{x}, Outputs: []*tensor.Handle{y}})
	_, err = fn.Compute(ctx, []*tensor.Handle{g})
	require.Error(t, err)
	assert.True(t, errors.Is(err, opset.ErrShape))
	assert.Len(t, ctx.Allocator().LiveHandles(), 3)
}

func TestRules_Traced(t *testing.T) {
	ctx := newContext(t)
	tctx := execution.NewTracingContext("grad", ctx.Allocator(), ctx.Config())
	defer tctx.Close()

	like := mustSlice(t, ctx, []float64{0.5, 2}, 2)
	defer like.Release()
	x, err := tctx.CreatePlaceholder(like)
	require.NoError(t, err)
	y, err := execution.ExecuteOne(tctx, opset.Exp, x)
	require.NoError(t, err)
	g, err := execution.ExecuteOne(tctx, opset.OnesLike, y)
	require.NoError(t, err)

	fn := DefaultRegistry().Build(Record{Op: opset.Exp, Inputs: []*tensor.Handle{x}, Outputs: []*tensor.Handle{y}})
	grads, err := fn.Compute(tctx, []*tensor.Handle{g})
	require.NoError(t, err)
	assert.True(t, grads[0].IsSymbolic())

	f, err := tctx.Finalize(grads)
	require.NoError(t, err)
	defer f.Release()
	tensor.Release(x, y, g, grads[0])

	out, err := f.Call(ctx, []*tensor.Handle{like})
	require.NoError(t, err)
	defer tensor.Release(out...)
	vals, err := out[0].Float64s()
	require.NoError(t, err)
	assert.InDelta(t, 1.6487212707, vals[0], 1e-9)
	assert.InDelta(t, 7.3890560989, vals[1], 1e-9)
}
