package models

import (
	"github.com/born-ml/gradtape/internal/autodiff"
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

func init() {
	register(Model{
		Name:        "mlp",
		Description: "loss = sum(tanh(x@w + b)) with gradients for w and b",
		Inputs: []Input{
			{Name: "x", Shape: tensor.Shape{2, 3}, Data: []float32{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}},
			{Name: "w", Shape: tensor.Shape{3, 2}, Data: []float32{0.2, -0.1, 0.4, 0.3, -0.5, 0.6}},
			{Name: "b", Shape: tensor.Shape{2}, Data: []float32{0.05, -0.05}},
		},
		Outputs: []string{"loss", "dloss/dw", "dloss/db"},
		Fn:      MLP,
	})
}

// MLP runs one dense tanh layer reduced to a scalar loss.
// Inputs are [x, w, b]; returns [loss, dloss/dw, dloss/db].
func MLP(ctx execution.Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	x, w, b := inputs[0], inputs[1], inputs[2]
	tape := autodiff.NewTape(false)
	defer tape.Close()
	tape.Watch(w)
	tape.Watch(b)
	rctx := autodiff.NewRecordingContext(ctx, tape, nil)

	s := newSession(rctx)
	defer s.close()
	loss := s.op(opset.Sum, s.op(opset.Tanh, s.op(opset.Add, s.op(opset.MatMul, x, w), b)))
	if s.err != nil {
		return nil, s.err
	}
	grads, err := tape.ComputeGradient(ctx, []*tensor.Handle{loss}, []*tensor.Handle{w, b}, nil)
	if err != nil {
		return nil, err
	}
	return append([]*tensor.Handle{loss.Retain()}, grads...), nil
}
