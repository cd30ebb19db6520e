package tensor

import (
	"github.com/pkg/errors"
)

// FromSlice creates a concrete handle holding a copy of data with the given shape.
func FromSlice[T Float](a *Allocator, data []T, shape Shape) (*Handle, error) {
	if len(data) != shape.NumElements() {
		return nil, errors.Errorf("data length %d does not match shape %s (%d elements)",
			len(data), shape, shape.NumElements())
	}
	h, err := a.NewConcrete(shape, dataTypeOf[T]())
	if err != nil {
		return nil, err
	}
	switch h.dtype {
	case Float32:
		dst := h.AsFloat32()
		for i, v := range data {
			dst[i] = float32(v)
		}
	case Float64:
		dst := h.AsFloat64()
		for i, v := range data {
			dst[i] = float64(v)
		}
	}
	return h, nil
}

// Scalar creates a rank-0 handle.
func Scalar[T Float](a *Allocator, value T) (*Handle, error) {
	return FromSlice(a, []T{value}, Shape{})
}

// Full creates a handle filled with value.
func Full(a *Allocator, shape Shape, dtype DataType, value float64) (*Handle, error) {
	h, err := a.NewConcrete(shape, dtype)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		v := float32(value)
		for i, dst := 0, h.AsFloat32(); i < len(dst); i++ {
			dst[i] = v
		}
	case Float64:
		for i, dst := 0, h.AsFloat64(); i < len(dst); i++ {
			dst[i] = value
		}
	}
	return h, nil
}
