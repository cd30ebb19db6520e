// Package tensor provides reference-counted tensor handles and the allocator that issues them.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Float is a constraint for the element types a handle can carry.
type Float interface {
	~float32 | ~float64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic(fmt.Sprintf("unknown data type %d", int(dt)))
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// UnmarshalText parses "float32" or "float64".
func (dt *DataType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "float32":
		*dt = Float32
	case "float64":
		*dt = Float64
	default:
		return errors.Errorf("unknown data type %q", string(text))
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (dt DataType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}

// dataTypeOf infers the DataType from a generic element type.
func dataTypeOf[T Float]() DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	default:
		return Float64
	}
}
