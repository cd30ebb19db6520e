package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Errors returned by shape checks.
var (
	ErrInvalidShape = errors.New("tensor: invalid shape")
	ErrBroadcast    = errors.New("tensor: shapes do not broadcast")
)

// Shape is the list of dimensions of a tensor. The empty shape is a scalar.
type Shape []int

// NumElements returns the product of the dimensions, 1 for a scalar.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// String formats the shape as "[2 3]", or "[]" for a scalar.
func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Validate fails with ErrInvalidShape if any dimension is not positive.
func (s Shape) Validate() error {
	for i, d := range s {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidShape, "dimension %d of %s is %d", i, s, d)
		}
	}
	return nil
}

// Equal reports whether both shapes have the same dimensions.
// A nil shape equals an empty one.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Clone returns a copy that does not alias s.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// ComputeStrides returns row-major element strides.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	step := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = step
		step *= s[i]
	}
	return strides
}

// BroadcastShapes returns the NumPy broadcast of a and b, aligning trailing
// dimensions and stretching size-1 ones. The flag reports whether either side
// had to be stretched or padded.
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	rank := max(len(a), len(b))
	out := make(Shape, rank)
	stretched := len(a) != len(b)
	for i := 1; i <= rank; i++ {
		da, db := dimFromEnd(a, i), dimFromEnd(b, i)
		switch {
		case da == db:
			out[rank-i] = da
		case da == 1:
			out[rank-i], stretched = db, true
		case db == 1:
			out[rank-i], stretched = da, true
		default:
			return nil, false, errors.Wrapf(ErrBroadcast, "%s and %s differ at axis %d (%d vs %d)", a, b, rank-i, da, db)
		}
	}
	return out, stretched, nil
}

// dimFromEnd returns the i-th dimension counted from the end, 1 past the rank.
func dimFromEnd(s Shape, i int) int {
	if i > len(s) {
		return 1
	}
	return s[len(s)-i]
}

// ReducibleTo reports whether a tensor of shape s can be summed down to target,
// that is, whether target broadcasts to s.
func (s Shape) ReducibleTo(target Shape) bool {
	out, _, err := BroadcastShapes(s, target)
	return err == nil && out.Equal(s)
}
