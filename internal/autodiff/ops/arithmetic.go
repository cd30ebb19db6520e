package ops

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

// d(a+b)/da = 1, d(a+b)/db = 1.
var addRule = binary(func(b *builder, g, a, c, _ *tensor.Handle) (ga, gc *tensor.Handle) {
	return b.reduceTo(g, a), b.reduceTo(g, c)
})

// d(a-b)/da = 1, d(a-b)/db = -1.
var subRule = binary(func(b *builder, g, a, c, _ *tensor.Handle) (ga, gc *tensor.Handle) {
	return b.reduceTo(g, a), b.reduceTo(b.op(opset.Neg, g), c)
})

// d(a*b)/da = b, d(a*b)/db = a.
var mulRule = binary(func(b *builder, g, a, c, _ *tensor.Handle) (ga, gc *tensor.Handle) {
	return b.reduceTo(b.op(opset.Mul, g, c), a), b.reduceTo(b.op(opset.Mul, g, a), c)
})

// d(a/b)/da = 1/b, d(a/b)/db = -a/b² = -y/b.
var divRule = binary(func(b *builder, g, a, c, y *tensor.Handle) (ga, gc *tensor.Handle) {
	ga = b.reduceTo(b.op(opset.Div, g, c), a)
	gy := b.op(opset.Mul, g, y)
	gc = b.reduceTo(b.op(opset.Neg, b.op(opset.Div, gy, c)), c)
	return ga, gc
})

var negRule = unary(func(b *builder, g, _, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Neg, g)
})

var identityRule = unary(func(_ *builder, g, _, _ *tensor.Handle) *tensor.Handle {
	return g
})

// d(x²)/dx = 2x.
var squareRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Mul, g, b.op(opset.Add, x, x))
})

// d(√x)/dx = 1/(2√x) = 1/(2y).
var sqrtRule = unary(func(b *builder, g, _, y *tensor.Handle) *tensor.Handle {
	return b.op(opset.Div, g, b.op(opset.Add, y, y))
})
