// Package optim implements optimization algorithms that consume tape gradients.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Updates are computed with operations executed through a context, and each
// step replaces the parameter's handle with a new one.
//
// Example usage:
//
//	params := []*optim.Parameter{optim.NewParameter("w", w)}
//	opt := optim.NewAdam(optim.AdamConfig{LR: 0.01})
//	defer opt.Release()
//
//	for range steps {
//	    grads, _ := tape.ComputeGradient(ctx, []*tensor.Handle{loss}, optim.Values(params), nil)
//	    _ = opt.Step(ctx, params, grads)
//	    tensor.Release(grads...)
//	}
package optim

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step applies one update. grads[i] is the gradient of params[i];
	// parameters with a nil gradient are skipped. Gradients are borrowed.
	Step(ctx execution.Context, params []*Parameter, grads []*tensor.Handle) error

	// LR returns the current learning rate.
	LR() float32

	// Release drops any optimizer state.
	Release()
}

// Parameter is a named trainable value. It owns one reference on Value.
type Parameter struct {
	Name  string
	Value *tensor.Handle
}

// NewParameter creates a parameter taking a new reference on value.
func NewParameter(name string, value *tensor.Handle) *Parameter {
	return &Parameter{Name: name, Value: value.Retain()}
}

// Release gives back the parameter's reference.
func (p *Parameter) Release() {
	if p.Value != nil {
		p.Value.Release()
		p.Value = nil
	}
}

// replace swaps in an owned handle, releasing the old one.
func (p *Parameter) replace(h *tensor.Handle) {
	p.Value.Release()
	p.Value = h
}

// Values returns the parameters' handles without taking references.
func Values(params []*Parameter) []*tensor.Handle {
	out := make([]*tensor.Handle, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// Release releases every parameter.
func Release(params []*Parameter) {
	for _, p := range params {
		p.Release()
	}
}

func checkGrads(params []*Parameter, grads []*tensor.Handle) error {
	if len(params) != len(grads) {
		return errors.Errorf("%d parameters, %d gradients", len(params), len(grads))
	}
	for i, g := range grads {
		if g != nil && !g.Shape().Equal(params[i].Value.Shape()) {
			return errors.Errorf("parameter %s: gradient %s does not match %s", params[i].Name, g, params[i].Value)
		}
	}
	return nil
}

// staged holds the results of one step until every parameter has been updated,
// so a failed step leaves parameters and optimizer state as they were.
type staged struct {
	params []*Parameter
	values []*tensor.Handle
	writes []stateWrite
}

type stateWrite struct {
	state map[*Parameter]*tensor.Handle
	param *Parameter
	value *tensor.Handle
}

func (s *staged) setParam(p *Parameter, h *tensor.Handle) {
	s.params = append(s.params, p)
	s.values = append(s.values, h)
}

func (s *staged) setState(state map[*Parameter]*tensor.Handle, p *Parameter, h *tensor.Handle) {
	s.writes = append(s.writes, stateWrite{state: state, param: p, value: h})
}

// commit installs every staged handle, releasing the ones they replace.
func (s *staged) commit() {
	for i, p := range s.params {
		p.replace(s.values[i])
	}
	for _, w := range s.writes {
		if prev, ok := w.state[w.param]; ok {
			prev.Release()
		}
		w.state[w.param] = w.value
	}
	*s = staged{}
}

// discard releases every staged handle.
func (s *staged) discard() {
	tensor.Release(s.values...)
	for _, w := range s.writes {
		w.value.Release()
	}
	*s = staged{}
}

// update runs one parameter update, holding every intermediate until done.
type update struct {
	ctx   execution.Context
	dtype tensor.DataType
	tmp   []*tensor.Handle
	err   error
}

func newUpdate(ctx execution.Context, dtype tensor.DataType) *update {
	return &update{ctx: ctx, dtype: dtype}
}

func (u *update) keep(h *tensor.Handle, err error) *tensor.Handle {
	if err != nil {
		u.err = err
		return nil
	}
	u.tmp = append(u.tmp, h)
	return h
}

func (u *update) scalar(v float32) *tensor.Handle {
	if u.err != nil {
		return nil
	}
	return u.keep(tensor.Full(u.ctx.Allocator(), tensor.Shape{}, u.dtype, float64(v)))
}

func (u *update) op(name string, inputs ...*tensor.Handle) *tensor.Handle {
	if u.err != nil {
		return nil
	}
	return u.keep(execution.ExecuteOne(u.ctx, name, inputs...))
}

// result takes a reference on h and releases the intermediates.
func (u *update) result(h *tensor.Handle) (*tensor.Handle, error) {
	defer func() {
		tensor.Release(u.tmp...)
		u.tmp = nil
	}()
	if u.err != nil || h == nil {
		return nil, u.err
	}
	return h.Retain(), nil
}

// axpy returns a*x + y.
func (u *update) axpy(a float32, x, y *tensor.Handle) *tensor.Handle {
	return u.op(opset.Add, u.op(opset.Mul, u.scalar(a), x), y)
}
