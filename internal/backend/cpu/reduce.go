package cpu

import (
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
)

// Reductions run on the calling goroutine so every runtime sums in the same order.

func sum[T tensor.Float](src []T) T {
	var acc T
	for _, v := range src {
		acc += v
	}
	return acc
}

// sumToShape sums src (of srcShape) down to dst (of dstShape), the inverse of broadcasting.
func sumToShape[T tensor.Float](dst []T, dstShape tensor.Shape, src []T, srcShape tensor.Shape) {
	srcStrides := srcShape.ComputeStrides()
	dstStrides := broadcastStrides(dstShape, srcShape)
	for i, v := range src {
		dst[flatIndex(i, srcStrides, dstStrides)] += v
	}
}

// broadcastTo expands src (of srcShape) into dst (of dstShape).
func broadcastTo[T tensor.Float](par parallel.Config, dst []T, dstShape tensor.Shape, src []T, srcShape tensor.Shape) {
	dstStrides := dstShape.ComputeStrides()
	srcStrides := broadcastStrides(srcShape, dstShape)
	parallel.For(len(dst), par, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = src[flatIndex(i, dstStrides, srcStrides)]
		}
	})
}
