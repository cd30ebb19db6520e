package tensor

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrSymbolic is returned when the value of a symbolic (traced) handle is requested.
var ErrSymbolic = errors.New("tensor: symbolic handle has no value")

// Handle is a reference-counted handle to a tensor value.
//
// A handle is created with one reference owned by the caller. Every holder that
// captures a handle calls Retain, and every owned reference is given back with
// exactly one Release. When the count reaches zero the backing buffer is dropped
// and any further Retain, Release or value access panics.
//
// ID, Shape, DType and String only read identity and never take ownership.
type Handle struct {
	id    uint64
	refs  atomic.Int32
	shape Shape
	dtype DataType
	data  []byte // nil for symbolic handles and after the last release
	sym   bool
	alloc *Allocator
}

// ID returns the stable identity of the handle. IDs are never reused by an allocator.
func (h *Handle) ID() uint64 {
	return h.id
}

// Shape returns the tensor's shape.
func (h *Handle) Shape() Shape {
	return h.shape
}

// DType returns the tensor's data type.
func (h *Handle) DType() DataType {
	return h.dtype
}

// NumElements returns the total number of elements.
func (h *Handle) NumElements() int {
	return h.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (h *Handle) ByteSize() int {
	return h.NumElements() * h.dtype.Size()
}

// IsSymbolic reports whether the handle is a traced placeholder without a value.
func (h *Handle) IsSymbolic() bool {
	return h.sym
}

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	return int(h.refs.Load())
}

// Alive reports whether the handle still has at least one reference.
func (h *Handle) Alive() bool {
	return h.refs.Load() > 0
}

// String returns a diagnostic description. It does not take a reference.
func (h *Handle) String() string {
	kind := "tensor"
	if h.sym {
		kind = "symbolic"
	}
	return fmt.Sprintf("%s#%d%s:%s", kind, h.id, h.shape, h.dtype)
}

// Retain takes one more reference and returns the same handle.
func (h *Handle) Retain() *Handle {
	for {
		n := h.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("tensor: retain of released handle %s", h))
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return h
		}
	}
}

// Release gives back one reference. The last release frees the buffer.
func (h *Handle) Release() {
	var n int32
	for {
		n = h.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("tensor: release of released handle %s", h))
		}
		if h.refs.CompareAndSwap(n, n-1) {
			n--
			break
		}
	}
	if n == 0 {
		h.data = nil
		if h.alloc != nil {
			h.alloc.free(h)
		}
	}
}

// MustBeAlive panics if the handle has no references left.
// Kernels call it on every input before reading it.
func (h *Handle) MustBeAlive() {
	if h.refs.Load() <= 0 {
		panic(fmt.Sprintf("tensor: use of released handle %s", h))
	}
}

// AsFloat32 returns a zero-copy view of the data as []float32.
// Panics if the handle is released, symbolic, or not Float32.
func (h *Handle) AsFloat32() []float32 {
	h.mustHaveData(Float32)
	if len(h.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&h.data[0])), h.NumElements())
}

// AsFloat64 returns a zero-copy view of the data as []float64.
// Panics if the handle is released, symbolic, or not Float64.
func (h *Handle) AsFloat64() []float64 {
	h.mustHaveData(Float64)
	if len(h.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length bounded by NumElements()
	return unsafe.Slice((*float64)(unsafe.Pointer(&h.data[0])), h.NumElements())
}

func (h *Handle) mustHaveData(dt DataType) {
	h.MustBeAlive()
	if h.sym {
		panic(fmt.Sprintf("tensor: data access on symbolic handle %s", h))
	}
	if h.dtype != dt {
		panic(fmt.Sprintf("tensor: handle %s is %s, not %s", h, h.dtype, dt))
	}
}

// Float32s returns a copy of the values converted to float32.
func (h *Handle) Float32s() ([]float32, error) {
	v, err := h.Value()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(v.Data))
	for i, x := range v.Data {
		out[i] = float32(x)
	}
	return out, nil
}

// Float64s returns a copy of the values converted to float64.
func (h *Handle) Float64s() ([]float64, error) {
	v, err := h.Value()
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}

// Item returns the single value of a one-element tensor.
func (h *Handle) Item() (float64, error) {
	v, err := h.Value()
	if err != nil {
		return 0, err
	}
	if len(v.Data) != 1 {
		return 0, errors.Errorf("tensor: Item on %s with %d elements", h, len(v.Data))
	}
	return v.Data[0], nil
}

// Value materializes the handle into a detached copy of its shape and data.
func (h *Handle) Value() (*Value, error) {
	h.MustBeAlive()
	if h.sym {
		return nil, errors.Wrapf(ErrSymbolic, "value of %s", h)
	}
	v := &Value{Shape: h.shape.Clone(), DType: h.dtype, Data: make([]float64, h.NumElements())}
	switch h.dtype {
	case Float32:
		for i, x := range h.AsFloat32() {
			v.Data[i] = float64(x)
		}
	case Float64:
		copy(v.Data, h.AsFloat64())
	}
	return v, nil
}

// Value is a materialized, handle-independent copy of a tensor.
type Value struct {
	Shape Shape
	DType DataType
	Data  []float64
}

// Release releases every non-nil handle in hs.
func Release(hs ...*Handle) {
	for _, h := range hs {
		if h != nil {
			h.Release()
		}
	}
}
