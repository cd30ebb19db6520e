package optim

import (
	"math"

	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)   // Parameter update
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	lr    float32
	beta1 float32
	beta2 float32
	eps   float32
	t     int
	m     map[*Parameter]*tensor.Handle
	v     map[*Parameter]*tensor.Handle
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    `yaml:"lr"`    // Learning rate (default: 0.001)
	Betas [2]float32 `yaml:"betas"` // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float32    `yaml:"eps"`   // Term for numerical stability (default: 1e-8)
}

// NewAdam creates a new Adam optimizer with default hyperparameters where unset.
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		lr:    config.LR,
		beta1: config.Betas[0],
		beta2: config.Betas[1],
		eps:   config.Eps,
		m:     make(map[*Parameter]*tensor.Handle),
		v:     make(map[*Parameter]*tensor.Handle),
	}
}

// Step performs a single optimization step. On error neither the parameters
// nor the moment estimates and timestep change.
func (a *Adam) Step(ctx execution.Context, params []*Parameter, grads []*tensor.Handle) error {
	if err := checkGrads(params, grads); err != nil {
		return err
	}
	t := a.t + 1
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(t)))

	var st staged
	for i, p := range params {
		if grads[i] == nil {
			continue
		}
		if err := a.stepOne(ctx, &st, p, grads[i], bc1, bc2); err != nil {
			st.discard()
			return err
		}
	}
	a.t = t
	st.commit()
	return nil
}

func (a *Adam) stepOne(ctx execution.Context, st *staged, p *Parameter, g *tensor.Handle, bc1, bc2 float32) error {
	m, err := a.moment(ctx, a.m, p, a.beta1, g)
	if err != nil {
		return errors.Wrapf(err, "adam first moment of %s", p.Name)
	}
	st.setState(a.m, p, m)

	u := newUpdate(ctx, p.Value.DType())
	defer func() { _, _ = u.result(nil) }()
	sq := u.op(opset.Square, g)
	if u.err != nil {
		return errors.Wrapf(u.err, "adam second moment of %s", p.Name)
	}
	v, err := a.moment(ctx, a.v, p, a.beta2, sq)
	if err != nil {
		return errors.Wrapf(err, "adam second moment of %s", p.Name)
	}
	st.setState(a.v, p, v)

	mHat := u.op(opset.Div, m, u.scalar(bc1))
	vHat := u.op(opset.Div, v, u.scalar(bc2))
	denom := u.op(opset.Add, u.op(opset.Sqrt, vHat), u.scalar(a.eps))
	step := u.op(opset.Mul, u.scalar(a.lr), u.op(opset.Div, mHat, denom))
	next, err := u.result(u.op(opset.Sub, p.Value, step))
	if err != nil {
		return errors.Wrapf(err, "adam update of %s", p.Name)
	}
	st.setParam(p, next)
	return nil
}

// moment returns beta*state[p] + (1-beta)*x as a new reference without
// touching state. Missing state counts as zero.
func (a *Adam) moment(ctx execution.Context, state map[*Parameter]*tensor.Handle, p *Parameter, beta float32, x *tensor.Handle) (*tensor.Handle, error) {
	u := newUpdate(ctx, p.Value.DType())
	scaled := u.op(opset.Mul, u.scalar(1-beta), x)
	if prev, ok := state[p]; ok {
		scaled = u.axpy(beta, prev, scaled)
	}
	return u.result(scaled)
}

// LR returns the current learning rate.
func (a *Adam) LR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float32) {
	a.lr = lr
}

// Timestep returns the number of steps taken.
func (a *Adam) Timestep() int {
	return a.t
}

// Release drops the moment estimates.
func (a *Adam) Release() {
	for _, state := range []map[*Parameter]*tensor.Handle{a.m, a.v} {
		for p, h := range state {
			h.Release()
			delete(state, p)
		}
	}
}
