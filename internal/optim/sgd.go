package optim

import (
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	lr         float32
	momentum   float32
	velocities map[*Parameter]*tensor.Handle
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 `yaml:"lr"`       // Learning rate (default: 0.01)
	Momentum float32 `yaml:"momentum"` // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*Parameter]*tensor.Handle),
	}
}

// Step performs a single optimization step. On error neither the parameters
// nor the velocities change.
func (s *SGD) Step(ctx execution.Context, params []*Parameter, grads []*tensor.Handle) error {
	if err := checkGrads(params, grads); err != nil {
		return err
	}
	var st staged
	for i, p := range params {
		if grads[i] == nil {
			continue
		}
		if err := s.stepOne(ctx, &st, p, grads[i]); err != nil {
			st.discard()
			return err
		}
	}
	st.commit()
	return nil
}

func (s *SGD) stepOne(ctx execution.Context, st *staged, p *Parameter, g *tensor.Handle) error {
	if s.momentum != 0 {
		u := newUpdate(ctx, p.Value.DType())
		v := g
		if prev, ok := s.velocities[p]; ok {
			v = u.axpy(s.momentum, prev, g)
		}
		nv, err := u.result(v)
		if err != nil {
			return errors.Wrapf(err, "sgd velocity of %s", p.Name)
		}
		st.setState(s.velocities, p, nv)
		g = nv
	}
	u := newUpdate(ctx, p.Value.DType())
	next, err := u.result(u.op(opset.Sub, p.Value, u.op(opset.Mul, u.scalar(s.lr), g)))
	if err != nil {
		return errors.Wrapf(err, "sgd update of %s", p.Name)
	}
	st.setParam(p, next)
	return nil
}

// LR returns the current learning rate.
func (s *SGD) LR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}

// Release drops the velocity buffers.
func (s *SGD) Release() {
	for p, v := range s.velocities {
		v.Release()
		delete(s.velocities, p)
	}
}
