package cpu

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
)

func binaryFunc[T tensor.Float](op string) func(a, b T) T {
	switch op {
	case opset.Add:
		return func(a, b T) T { return a + b }
	case opset.Sub:
		return func(a, b T) T { return a - b }
	case opset.Mul:
		return func(a, b T) T { return a * b }
	default:
		return func(a, b T) T { return a / b }
	}
}

// binary applies an element-wise binary op with NumPy-style broadcasting.
func binary[T tensor.Float](par parallel.Config, op string, dst []T, outShape tensor.Shape,
	a []T, aShape tensor.Shape, b []T, bShape tensor.Shape) {
	f := binaryFunc[T](op)

	// Fast path: same shape, no index mapping.
	if aShape.Equal(bShape) {
		parallel.For(len(dst), par, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				dst[i] = f(a[i], b[i])
			}
		})
		return
	}

	outStrides := outShape.ComputeStrides()
	aStrides := broadcastStrides(aShape, outShape)
	bStrides := broadcastStrides(bShape, outShape)
	parallel.For(len(dst), par, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = f(a[flatIndex(i, outStrides, aStrides)], b[flatIndex(i, outStrides, bStrides)])
		}
	})
}
