package execution

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrFinalized is returned when a tracing context is used after Finalize or Close.
var ErrFinalized = errors.New("tracing context already finalized")

// node is one traced operation. Inputs and outputs are value indices.
type node struct {
	op      string
	inputs  []int
	outputs []int
}

// constant is a concrete handle captured by a trace.
type constant struct {
	value  int
	handle *tensor.Handle
}

// TracingContext records operations into a function body instead of running them.
//
// Execute returns symbolic handles whose shape and dtype are inferred from the
// operation catalogue. Symbolic handles follow the usual lifetime contract, but
// releasing one does not affect the trace: the body refers to values by index.
type TracingContext struct {
	name   string
	cfg    Config
	alloc  *tensor.Allocator
	values map[uint64]int // handle id -> value index
	sigs   []opset.Signature
	params []int
	nodes  []node
	consts []constant
	done   bool
}

// NewTracingContext starts tracing a function called name.
// Placeholders and symbolic results are allocated from alloc.
func NewTracingContext(name string, alloc *tensor.Allocator, cfg Config) *TracingContext {
	return &TracingContext{
		name:   name,
		cfg:    cfg,
		alloc:  alloc,
		values: make(map[uint64]int),
	}
}

// Name returns the traced function name.
func (c *TracingContext) Name() string {
	return "trace:" + c.name
}

// Allocator returns the allocator symbolic handles come from.
func (c *TracingContext) Allocator() *tensor.Allocator {
	return c.alloc
}

// Config returns the configuration of the context the trace will run in.
func (c *TracingContext) Config() Config {
	return c.cfg
}

func (c *TracingContext) newValue(h *tensor.Handle) int {
	idx := len(c.sigs)
	c.sigs = append(c.sigs, opset.Signature{Shape: h.Shape().Clone(), DType: h.DType()})
	c.values[h.ID()] = idx
	return idx
}

// valueOf resolves a handle to a value index, capturing concrete handles as constants.
func (c *TracingContext) valueOf(h *tensor.Handle) (int, error) {
	h.MustBeAlive()
	if idx, ok := c.values[h.ID()]; ok {
		return idx, nil
	}
	if h.IsSymbolic() {
		return 0, errors.Errorf("%s: %s belongs to another trace", c.Name(), h)
	}
	idx := c.newValue(h)
	c.consts = append(c.consts, constant{value: idx, handle: h.Retain()})
	return idx, nil
}

// CreatePlaceholder adds a function parameter with the shape and dtype of like.
func (c *TracingContext) CreatePlaceholder(like *tensor.Handle) (*tensor.Handle, error) {
	if c.done {
		return nil, ErrFinalized
	}
	like.MustBeAlive()
	h, err := c.alloc.NewSymbolic(like.Shape(), like.DType())
	if err != nil {
		return nil, err
	}
	c.params = append(c.params, c.newValue(h))
	return h, nil
}

// Execute records op and returns symbolic outputs.
func (c *TracingContext) Execute(op string, inputs ...*tensor.Handle) ([]*tensor.Handle, error) {
	if c.done {
		return nil, ErrFinalized
	}
	_, sigs, err := opset.Infer(op, inputs)
	if err != nil {
		return nil, err
	}
	n := node{op: op, inputs: make([]int, len(inputs))}
	for i, h := range inputs {
		if n.inputs[i], err = c.valueOf(h); err != nil {
			return nil, err
		}
	}
	outs := make([]*tensor.Handle, len(sigs))
	for i, s := range sigs {
		h, err := c.alloc.NewSymbolic(s.Shape, s.DType)
		if err != nil {
			tensor.Release(outs...)
			return nil, err
		}
		outs[i] = h
		n.outputs = append(n.outputs, c.newValue(h))
	}
	c.nodes = append(c.nodes, n)
	return outs, nil
}

// Finalize turns the trace into a function returning outputs.
// A nil output stays nil in every call. The function takes over the captured constants; the context cannot be used afterwards.
func (c *TracingContext) Finalize(outputs []*tensor.Handle) (*Function, error) {
	if c.done {
		return nil, ErrFinalized
	}
	f := &Function{
		name:    c.name,
		impl:    c.cfg.Tracing,
		params:  c.params,
		sigs:    c.sigs,
		nodes:   c.nodes,
		outputs: make([]int, len(outputs)),
	}
	for i, h := range outputs {
		if h == nil {
			f.outputs[i] = absentOutput
			continue
		}
		idx, err := c.valueOf(h)
		if err != nil {
			return nil, err
		}
		f.outputs[i] = idx
	}
	f.consts = c.consts
	c.consts = nil
	c.done = true
	if f.impl == TracingCompiled {
		f.compile()
	}
	klog.V(2).Infof("traced function %s (%s): %d params, %d nodes, %d constants, %d outputs",
		f.name, f.impl, len(f.params), len(f.nodes), len(f.consts), len(f.outputs))
	return f, nil
}

// Close releases captured constants if the trace was never finalized.
func (c *TracingContext) Close() {
	tensor.Release(c.constHandles()...)
	c.consts = nil
	c.done = true
}

func (c *TracingContext) constHandles() []*tensor.Handle {
	hs := make([]*tensor.Handle, len(c.consts))
	for i, k := range c.consts {
		hs[i] = k.handle
	}
	return hs
}
