package ops

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

// For C = A @ B: dA = grad @ B^T, dB = A^T @ grad.
var matmulRule = binary(func(b *builder, g, a, c, _ *tensor.Handle) (ga, gc *tensor.Handle) {
	ga = b.op(opset.MatMul, g, b.op(opset.Transpose, c))
	gc = b.op(opset.MatMul, b.op(opset.Transpose, a), g)
	return ga, gc
})

var transposeRule = unary(func(b *builder, g, _, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.Transpose, g)
})
