package cpu

import (
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
)

// matmul computes C[m,n] = A[m,k] @ B[k,n]. Rows of C are independent, so they are split
// across workers; each element is accumulated in the same order either way.
func matmul[T tensor.Float](par parallel.Config, c, a, b []T, m, k, n int) {
	rowPar := par
	rowPar.MinChunk = max(1, par.MinChunk/max(1, k*n))
	parallel.For(m, rowPar, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			for j := 0; j < n; j++ {
				var acc T
				for p := 0; p < k; p++ {
					acc += a[i*k+p] * b[p*n+j]
				}
				c[i*n+j] = acc
			}
		}
	})
}

// transpose writes the transpose of the [rows, cols] matrix src into dst.
func transpose[T tensor.Float](dst, src []T, rows, cols int) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
}
