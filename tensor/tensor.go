// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides reference-counted tensor handles.
//
// Every function returning a new handle transfers one reference to the caller,
// who gives it back with exactly one Release. Retain takes an extra reference
// for another holder.
//
// Example:
//
//	alloc := tensor.NewAllocator()
//	x, _ := tensor.FromSlice(alloc, []float32{1, 2, 3}, tensor.Shape{3})
//	defer x.Release()
//	fmt.Println(x.Float32s())
package tensor

import (
	"github.com/born-ml/gradtape/internal/tensor"
)

// Float is a constraint for tensor element types.
type Float = tensor.Float

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// Handle is a reference-counted handle to a tensor value.
type Handle = tensor.Handle

// Value is a materialized copy of a tensor.
type Value = tensor.Value

// Allocator issues handles and counts the live ones.
type Allocator = tensor.Allocator

// Stats counts handle allocations.
type Stats = tensor.Stats

// ErrSymbolic is returned when the value of a traced handle is requested.
var ErrSymbolic = tensor.ErrSymbolic

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return tensor.NewAllocator()
}

// FromSlice creates a handle holding a copy of data.
func FromSlice[T Float](alloc *Allocator, data []T, shape Shape) (*Handle, error) {
	return tensor.FromSlice(alloc, data, shape)
}

// Scalar creates a rank-0 handle.
func Scalar[T Float](alloc *Allocator, value T) (*Handle, error) {
	return tensor.Scalar(alloc, value)
}

// Full creates a handle of the given shape with every element set to value.
func Full(alloc *Allocator, shape Shape, dtype DataType, value float64) (*Handle, error) {
	return tensor.Full(alloc, shape, dtype, value)
}

// Release releases every non-nil handle.
func Release(hs ...*Handle) {
	tensor.Release(hs...)
}
