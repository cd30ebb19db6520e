package autodiff

import (
	"slices"

	"github.com/born-ml/gradtape/internal/autodiff/ops"
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// RecordingContext wraps a context and records every executed operation on a tape.
//
// It implements the decorator pattern: operations are delegated to the inner
// context, and while the tape records, each operation whose inputs are tracked
// by the tape is recorded with the gradient rule from the registry. Operations
// without a rule are recorded as not differentiable.
//
// Recording contexts nest. Gradients computed through an outer recording
// context are recorded on its tape, which is how higher-order gradients work.
type RecordingContext struct {
	inner execution.Context
	tape  *Tape
	reg   *Registry
}

// NewRecordingContext creates a recording context over inner.
// A nil reg uses ops.DefaultRegistry().
func NewRecordingContext(inner execution.Context, tape *Tape, reg *Registry) *RecordingContext {
	if reg == nil {
		reg = ops.DefaultRegistry()
	}
	return &RecordingContext{inner: inner, tape: tape, reg: reg}
}

// Name returns the context name wrapped in "Autodiff(...)".
func (c *RecordingContext) Name() string {
	return "Autodiff(" + c.inner.Name() + ")"
}

// Inner returns the wrapped context.
func (c *RecordingContext) Inner() execution.Context {
	return c.inner
}

// Tape returns the tape operations are recorded on.
func (c *RecordingContext) Tape() *Tape {
	return c.tape
}

// Allocator returns the inner context's allocator.
func (c *RecordingContext) Allocator() *tensor.Allocator {
	return c.inner.Allocator()
}

// Config returns the inner context's configuration.
func (c *RecordingContext) Config() execution.Config {
	return c.inner.Config()
}

// Execute runs op on the inner context and records it on the tape.
func (c *RecordingContext) Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error) {
	outputs, err := c.inner.Execute(op, inputs...)
	if err != nil {
		return nil, err
	}
	if !c.tape.ShouldRecord(inputs) {
		return outputs, nil
	}
	fn := c.reg.Build(ops.Record{Op: op, Inputs: inputs, Outputs: outputs})
	if err := c.tape.record(op, inputs, outputs, fn); err != nil {
		tensor.Release(outputs...)
		return nil, errors.Wrapf(err, "recording %s", op)
	}
	return outputs, nil
}

// ForwardFunc computes outputs of a custom-gradient block together with the
// function computing its input gradients.
type ForwardFunc func(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, GradientFunction, error)

// CustomGradient runs forward on the innermost non-recording context with every
// tape of the nested recording contexts paused, then records the whole block as
// one operation with the gradient function forward returned on each of those
// tapes that tracks an input. The custom function overrides whatever gradients
// the forward operations would have had, on every tape.
func CustomGradient(ctx *RecordingContext, inputs []*tensor.Handle, forward ForwardFunc) ([]*tensor.Handle, error) {
	var tapes []*Tape
	var base execution.Context = ctx
	for {
		rc, ok := base.(*RecordingContext)
		if !ok {
			break
		}
		if !slices.Contains(tapes, rc.tape) {
			tapes = append(tapes, rc.tape)
		}
		base = rc.inner
	}

	was := make([]bool, len(tapes))
	for i, t := range tapes {
		was[i], t.recording = t.recording, false
	}
	outputs, fn, err := forward(base, inputs)
	for i, t := range tapes {
		t.recording = was[i]
	}
	if err != nil {
		releaseFunc(fn)
		return nil, err
	}

	var active []*Tape
	for _, t := range tapes {
		if t.ShouldRecord(inputs) {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		releaseFunc(fn)
		return outputs, nil
	}
	var recorded GradientFunction
	if fn != nil {
		recorded = &sharedFunction{fn: fn, refs: len(active)}
	}
	for i, t := range active {
		if err := t.record("custom", inputs, outputs, recorded); err != nil {
			for range active[i+1:] {
				releaseFunc(recorded)
			}
			tensor.Release(outputs...)
			return nil, errors.Wrap(err, "recording custom gradient")
		}
	}
	return outputs, nil
}

// sharedFunction is a gradient function recorded on several tapes. The wrapped
// function is released when the last tape drops its entry.
type sharedFunction struct {
	fn   GradientFunction
	refs int
}

func (s *sharedFunction) Compute(ctx execution.Context, upstream []*tensor.Handle) ([]*tensor.Handle, error) {
	return s.fn.Compute(ctx, upstream)
}

func (s *sharedFunction) Release() {
	s.refs--
	if s.refs == 0 {
		releaseFunc(s.fn)
	}
}
