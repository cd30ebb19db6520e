package cpu

import (
	"math"

	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/parallel"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

var unaryFuncs = map[string]func(float64) float64{
	opset.Neg:      func(x float64) float64 { return -x },
	opset.Exp:      math.Exp,
	opset.Log:      math.Log,
	opset.Sin:      math.Sin,
	opset.Cos:      math.Cos,
	opset.Tanh:     math.Tanh,
	opset.Sigmoid:  func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
	opset.Relu:     func(x float64) float64 { return max(x, 0) },
	opset.Sqrt:     math.Sqrt,
	opset.Square:   func(x float64) float64 { return x * x },
	opset.Step:     step,
	opset.Identity: func(x float64) float64 { return x },
}

func step(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// checkDomain rejects inputs Log and Sqrt are not defined on.
func checkDomain[T tensor.Float](op string, src []T) error {
	switch op {
	case opset.Log:
		for i, v := range src {
			if v <= 0 {
				return errors.Wrapf(ErrDomain, "non-positive value at index %d: %v", i, v)
			}
		}
	case opset.Sqrt:
		for i, v := range src {
			if v < 0 {
				return errors.Wrapf(ErrDomain, "negative value at index %d: %v", i, v)
			}
		}
	}
	return nil
}

func unary[T tensor.Float](par parallel.Config, op string, dst, src []T) error {
	f, ok := unaryFuncs[op]
	if !ok {
		return errors.Errorf("no unary kernel for %s", op)
	}
	if err := checkDomain(op, src); err != nil {
		return err
	}
	parallel.For(len(dst), par, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = T(f(float64(src[i])))
		}
	})
	return nil
}

func fill[T tensor.Float](par parallel.Config, dst []T, v T) {
	parallel.For(len(dst), par, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = v
		}
	})
}
