package autodiff_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/born-ml/gradtape/internal/autodiff"
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configs() map[string]execution.Config {
	out := make(map[string]execution.Config)
	for _, rt := range []string{execution.RuntimeSerial, execution.RuntimeParallel} {
		for _, tr := range []string{execution.TracingGraph, execution.TracingCompiled} {
			cfg := execution.DefaultConfig()
			cfg.Runtime = rt
			cfg.Tracing = tr
			cfg.Parallel = parallel.Config{Workers: 2, MinChunk: 1}
			out[rt+"/"+tr] = cfg
		}
	}
	return out
}

func newContext(t *testing.T) *execution.EagerContext {
	t.Helper()
	ctx, err := execution.BuildContext(execution.DefaultConfig())
	require.NoError(t, err)
	return ctx
}

func scalar(t *testing.T, ctx execution.Context, v float32) *tensor.Handle {
	t.Helper()
	h, err := execution.Scalar(ctx, v)
	require.NoError(t, err)
	return h
}

func exec(t *testing.T, ctx execution.Context, op string, inputs ...*tensor.Handle) *tensor.Handle {
	t.Helper()
	h, err := execution.ExecuteOne(ctx, op, inputs...)
	require.NoError(t, err)
	return h
}

func item(t *testing.T, h *tensor.Handle) float64 {
	t.Helper()
	require.NotNil(t, h)
	v, err := h.Item()
	require.NoError(t, err)
	return v
}

func assertNoLeaks(t *testing.T, ctx execution.Context) {
	t.Helper()
	assert.Empty(t, ctx.Allocator().LiveHandles(), "live handles left behind")
}

// expPassThrough returns [exp(x), d/dx] where the gradient of exp is recorded
// as a pass-through, so d/dx is the implicit unit seed.
func expPassThrough(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
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

func TestTape_ExpPassThrough(t *testing.T) {
	for name, cfg := range configs() {
		for _, useFunction := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/function=%t", name, useFunction), func(t *testing.T) {
				ctx, err := execution.BuildContext(cfg)
				require.NoError(t, err)
				x := scalar(t, ctx, 1)

				outs, err := execution.RunModel(expPassThrough, ctx, []*tensor.Handle{x}, useFunction)
				require.NoError(t, err)
				require.Len(t, outs, 2)
				assert.InDelta(t, 2.71828, item(t, outs[0]), 1e-5)
				assert.InDelta(t, 1.0, item(t, outs[1]), 1e-6)

				tensor.Release(outs...)
				x.Release()
				assertNoLeaks(t, ctx)
			})
		}
	}
}

func TestTape_NonPersistentIsConsumed(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	y := exec(t, ctx, opset.Square, x)
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, autodiff.PassThrough{}))

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	tensor.Release(grads...)
	assert.Zero(t, tape.NumOps())
	assert.False(t, tape.IsRecording())

	_, err = tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	assert.True(t, errors.Is(err, autodiff.ErrTapeConsumed))
	err = tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, nil)
	assert.True(t, errors.Is(err, autodiff.ErrTapeConsumed))
	tape.Close()

	// The tape gave back its references; the caller's remain.
	assert.Equal(t, 1, x.Refs())
	assert.Equal(t, 1, y.Refs())
	tensor.Release(x, y)
	assertNoLeaks(t, ctx)
}

func TestTape_PersistentReplays(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 3)
	tape := autodiff.NewTape(true)
	defer tape.Close()
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	tape.Watch(x)

	sq := exec(t, rctx, opset.Square, x) // x²
	y := exec(t, rctx, opset.Sin, sq)    // sin(x²)
	defer tensor.Release(x, sq, y)

	first, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	second, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	mid, err := tape.ComputeGradient(ctx, []*tensor.Handle{sq}, []*tensor.Handle{x, sq}, nil)
	require.NoError(t, err)
	defer tensor.Release(first...)
	defer tensor.Release(second...)
	defer tensor.Release(mid...)

	assert.Equal(t, 2, tape.NumOps())
	assert.InDelta(t, item(t, first[0]), item(t, second[0]), 1e-6)
	assert.InDelta(t, 2*3*-0.9111302618846769, item(t, first[0]), 1e-4) // 2x·cos(x²)
	assert.InDelta(t, 6.0, item(t, mid[0]), 1e-6)
	assert.InDelta(t, 1.0, item(t, mid[1]), 1e-6)
}

func TestTape_DisconnectedSourceHasNoGradient(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	stranger := scalar(t, ctx, 5)
	watchedUnused := scalar(t, ctx, 7)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	tape.Watch(watchedUnused)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	y := exec(t, rctx, opset.Exp, x)

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{stranger, x, watchedUnused}, nil)
	require.NoError(t, err)
	require.Len(t, grads, 3)
	assert.Nil(t, grads[0])
	assert.InDelta(t, 7.389056, item(t, grads[1]), 1e-5)
	assert.Nil(t, grads[2])

	tensor.Release(grads...)
	tensor.Release(x, stranger, watchedUnused, y)
	assertNoLeaks(t, ctx)
}

func TestTape_UnwatchedLeafIsNotASource(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	y := exec(t, ctx, opset.Exp, x)
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, autodiff.PassThrough{}))

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.Nil(t, grads[0])
	tensor.Release(x, y)
	assertNoLeaks(t, ctx)
}

func TestTape_DiamondAccumulates(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 1.5)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)

	// y = sin(x) + x·x uses x along three paths.
	a := exec(t, rctx, opset.Sin, x)
	b := exec(t, rctx, opset.Mul, x, x)
	y := exec(t, rctx, opset.Add, a, b)

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0707372+3.0, item(t, grads[0]), 1e-5) // cos(x) + 2x

	tensor.Release(grads...)
	tensor.Release(x, a, b, y)
	assertNoLeaks(t, ctx)
}

func TestTape_NilTargetOrSource(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(true)
	defer tape.Close()
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	y := exec(t, rctx, opset.Exp, x)

	_, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x, nil}, nil)
	assert.True(t, errors.Is(err, autodiff.ErrNilHandle))
	_, err = tape.ComputeGradient(ctx, []*tensor.Handle{nil}, []*tensor.Handle{x}, nil)
	assert.True(t, errors.Is(err, autodiff.ErrNilHandle))

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(2), item(t, grads[0]), 1e-5)
	tensor.Release(grads...)
	tensor.Release(x, y)
}

func TestTape_Seeds(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(true)
	defer tape.Close()
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	y := exec(t, rctx, opset.Square, x)
	z := exec(t, rctx, opset.Exp, x)
	seed := scalar(t, ctx, 10)
	defer tensor.Release(x, y, z, seed)

	// Explicit seed scales the gradient.
	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, []*tensor.Handle{seed})
	require.NoError(t, err)
	assert.InDelta(t, 40.0, item(t, grads[0]), 1e-5)
	tensor.Release(grads...)
	assert.Equal(t, 1, seed.Refs())

	// Multiple targets sum; a nil seed means ones.
	grads, err = tape.ComputeGradient(ctx, []*tensor.Handle{y, z}, []*tensor.Handle{x}, []*tensor.Handle{seed, nil})
	require.NoError(t, err)
	assert.InDelta(t, 40.0+7.389056, item(t, grads[0]), 1e-4)
	tensor.Release(grads...)

	// A repeated target adds its seeds.
	grads, err = tape.ComputeGradient(ctx, []*tensor.Handle{y, y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, item(t, grads[0]), 1e-5)
	tensor.Release(grads...)

	// A target that is also a source gets its own seed.
	grads, err = tape.ComputeGradient(ctx, []*tensor.Handle{x}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, item(t, grads[0]), 1e-6)
	tensor.Release(grads...)

	_, err = tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, []*tensor.Handle{seed, seed})
	assert.True(t, errors.Is(err, autodiff.ErrSeedCount))

	vec, err := execution.FromSlice(ctx, []float32{1, 2}, 2)
	require.NoError(t, err)
	defer vec.Release()
	_, err = tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, []*tensor.Handle{vec})
	assert.True(t, errors.Is(err, autodiff.ErrSeedCount))
}

func TestTape_NonDifferentiableHalts(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)

	// y = x · step(x); only the direct path contributes.
	s := exec(t, rctx, opset.Step, x)
	y := exec(t, rctx, opset.Mul, x, s)
	assert.Equal(t, 2, tape.NumOps())

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x, s}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, item(t, grads[0]), 1e-6)
	assert.InDelta(t, 2.0, item(t, grads[1]), 1e-6)

	tensor.Release(grads...)
	tensor.Release(x, s, y)
	assertNoLeaks(t, ctx)
}

func TestTape_ExplicitNilFunction(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	y := exec(t, ctx, opset.Exp, x)
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, nil))

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.Nil(t, grads[0])
	tensor.Release(x, y)
	assertNoLeaks(t, ctx)
}

// countingFunc records how often it runs and is released.
type countingFunc struct {
	calls    int
	released int
	grads    func(ctx execution.Context) ([]*tensor.Handle, error)
}

func (f *countingFunc) Compute(ctx execution.Context, _ []*tensor.Handle) ([]*tensor.Handle, error) {
	f.calls++
	return f.grads(ctx)
}

func (f *countingFunc) Release() {
	f.released++
}

func TestTape_SkipsOperationsWithoutUpstream(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	y := exec(t, ctx, opset.Exp, x)
	side := exec(t, ctx, opset.Sin, x)
	fn := &countingFunc{grads: func(execution.Context) ([]*tensor.Handle, error) { return []*tensor.Handle{nil}, nil }}
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, autodiff.PassThrough{}))
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{side}, fn))

	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	require.NoError(t, err)
	assert.Zero(t, fn.calls)
	assert.Equal(t, 1, fn.released)

	tensor.Release(grads...)
	tensor.Release(x, y, side)
	assertNoLeaks(t, ctx)
}

func TestTape_GradientCountMismatch(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 2)
	tape := autodiff.NewTape(false)
	tape.Watch(x)
	y := exec(t, ctx, opset.Exp, x)
	fn := &countingFunc{grads: func(ctx execution.Context) ([]*tensor.Handle, error) {
		a, err := execution.Scalar(ctx, 1)
		if err != nil {
			return nil, err
		}
		b, err := execution.Scalar(ctx, 1)
		return []*tensor.Handle{a, b}, err
	}}
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, fn))

	_, err := tape.ComputeGradient(ctx, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
	assert.True(t, errors.Is(err, autodiff.ErrGradientCount))
	assert.Equal(t, 1, fn.calls)
	assert.Equal(t, 1, fn.released)

	tensor.Release(x, y)
	assertNoLeaks(t, ctx)
}

// failingContext fails the n-th execution of op.
type failingContext struct {
	execution.Context
	op   string
	n    int
	seen int
}

var errInjected = errors.New("injected failure")

func (c *failingContext) Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error) {
	if op == c.op {
		c.seen++
		if c.seen == c.n {
			return nil, errInjected
		}
	}
	return c.Context.Execute(op, inputs...)
}

func TestTape_ExecutionFailureAborts(t *testing.T) {
	for name, failing := range map[string]*failingContext{
		"seed":       {op: opset.OnesLike, n: 1},
		"rule":       {op: opset.Cos, n: 1},
		"accumulate": {op: opset.Add, n: 1},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := newContext(t)
			failing.Context = ctx
			x := scalar(t, ctx, 1.5)
			tape := autodiff.NewTape(false)
			tape.Watch(x)
			rctx := autodiff.NewRecordingContext(ctx, tape, nil)
			a := exec(t, rctx, opset.Sin, x)
			b := exec(t, rctx, opset.Mul, x, x)
			y := exec(t, rctx, opset.Mul, a, b)

			grads, err := tape.ComputeGradient(failing, []*tensor.Handle{y}, []*tensor.Handle{x}, nil)
			assert.Nil(t, grads)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errInjected), "%+v", err)
			assert.False(t, tape.IsRecording())

			tensor.Release(x, a, b, y)
			assertNoLeaks(t, ctx)
		})
	}
}

func TestTape_RejectsNonCausalOrder(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 1)
	y := exec(t, ctx, opset.Exp, x)
	z := exec(t, ctx, opset.Sin, y)
	defer tensor.Release(x, y, z)

	tape := autodiff.NewTape(true)
	defer tape.Close()
	tape.Watch(x)
	// z = sin(y) recorded before y = exp(x).
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{y}, []*tensor.Handle{z}, autodiff.PassThrough{}))
	err := tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, autodiff.PassThrough{})
	assert.True(t, errors.Is(err, autodiff.ErrNonCausal))

	// Produced twice.
	err = tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{z}, autodiff.PassThrough{})
	assert.True(t, errors.Is(err, autodiff.ErrNonCausal))

	// Output is its own input.
	w := exec(t, ctx, opset.Cos, x)
	defer w.Release()
	err = tape.RecordOperation([]*tensor.Handle{w}, []*tensor.Handle{w}, autodiff.PassThrough{})
	assert.True(t, errors.Is(err, autodiff.ErrNonCausal))
	assert.Equal(t, 1, tape.NumOps())
}

func TestTape_PausedRecording(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 1)
	tape := autodiff.NewTape(false)
	defer tape.Close()
	tape.Watch(x)
	assert.True(t, tape.Watched(x))
	assert.True(t, tape.IsRecording())

	tape.StopRecording()
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	y := exec(t, rctx, opset.Exp, x)
	fn := &countingFunc{}
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, fn))
	assert.Zero(t, tape.NumOps())
	assert.Equal(t, 1, fn.released)

	tape.StartRecording()
	z := exec(t, rctx, opset.Exp, x)
	assert.Equal(t, 1, tape.NumOps())
	tensor.Release(x, y, z)
}

func TestTape_CloseReleasesEverything(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 1)
	tape := autodiff.NewTape(true)
	tape.Watch(x)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)
	y := exec(t, rctx, opset.Tanh, x)
	fn := &countingFunc{}
	z := exec(t, ctx, opset.Exp, y)
	require.NoError(t, tape.RecordOperation([]*tensor.Handle{y}, []*tensor.Handle{z}, fn))
	tensor.Release(x, y, z)
	assert.NotEmpty(t, ctx.Allocator().LiveHandles())

	tape.Close()
	tape.Close()
	assert.Equal(t, 1, fn.released)
	assertNoLeaks(t, ctx)
}

func TestTape_ReleasedHandlePanics(t *testing.T) {
	ctx := newContext(t)
	x := scalar(t, ctx, 1)
	y := exec(t, ctx, opset.Exp, x)
	y.Release()
	tape := autodiff.NewTape(false)
	defer tape.Close()
	assert.Panics(t, func() {
		_ = tape.RecordOperation([]*tensor.Handle{x}, []*tensor.Handle{y}, nil)
	})
	x.Release()
}
