package ops

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

// d(exp(x))/dx = exp(x) = y.
var expRule = unary(func(b *builder, g, _, y *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, g, y)
})

// d(log(x))/dx = 1/x.
var logRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Div, g, x)
})

var sinRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, g, b.op(opset.Cos, x))
})

var cosRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Neg, b.op(opset.Mul, g, b.op(opset.Sin, x)))
})

// d(tanh(x))/dx = 1 - tanh²(x) = 1 - y².
var tanhRule = unary(func(b *builder, g, _, y *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, g, b.op(opset.Sub, b.op(opset.OnesLike, y), b.op(opset.Square, y)))
})

// d(σ(x))/dx = σ(x)(1 - σ(x)) = y(1 - y).
var sigmoidRule = unary(func(b *builder, g, _, y *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, b.op(opset.Mul, g, y), b.op(opset.Sub, b.op(opset.OnesLike, y), y))
})

// d(relu(x))/dx = 1 if x > 0, else 0.
var reluRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, g, b.op(opset.Step, x))
})
