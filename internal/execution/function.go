package execution

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// ErrSignature is returned when a function is called with inputs that do not match its parameters.
var ErrSignature = errors.New("function signature mismatch")

// absentOutput marks a function output traced as nil.
const absentOutput = -1

// Function is a traced, replayable sequence of operations.
type Function struct {
	name    string
	impl    string
	params  []int
	sigs    []opset.Signature
	nodes   []node
	outputs []int
	consts  []constant

	// lastUse[v] is the index of the last node reading value v, -1 if none,
	// or len(nodes) if v is a function output. Only set by compile.
	lastUse []int
}

// Name returns the function name.
func (f *Function) Name() string {
	return f.name
}

// NumNodes returns the number of traced operations.
func (f *Function) NumNodes() int {
	return len(f.nodes)
}

// NumParams returns the number of parameters.
func (f *Function) NumParams() int {
	return len(f.params)
}

// Ops returns the traced operation names in order.
func (f *Function) Ops() []string {
	ops := make([]string, len(f.nodes))
	for i, n := range f.nodes {
		ops[i] = n.op
	}
	return ops
}

func (f *Function) compile() {
	f.lastUse = make([]int, len(f.sigs))
	for i := range f.lastUse {
		f.lastUse[i] = -1
	}
	for ni, n := range f.nodes {
		for _, v := range n.inputs {
			f.lastUse[v] = ni
		}
	}
	for _, v := range f.outputs {
		if v != absentOutput {
			f.lastUse[v] = len(f.nodes)
		}
	}
}

// Call executes the function body on ctx with the given inputs, borrowed for the call.
// Each returned handle is a new reference owned by the caller.
func (f *Function) Call(ctx Context, inputs []*tensor.Handle) ([]*tensor.Handle, error) {
	if len(inputs) != len(f.params) {
		return nil, errors.Wrapf(ErrSignature, "%s: want %d inputs, got %d", f.name, len(f.params), len(inputs))
	}
	for i, h := range inputs {
		want := f.sigs[f.params[i]]
		if !h.Shape().Equal(want.Shape) || h.DType() != want.DType {
			return nil, errors.Wrapf(ErrSignature, "%s: input %d is %s, want %s:%s", f.name, i, h, want.Shape, want.DType)
		}
	}

	env := make([]*tensor.Handle, len(f.sigs))
	defer func() { tensor.Release(env...) }()
	for i, p := range f.params {
		env[p] = inputs[i].Retain()
	}
	for _, k := range f.consts {
		env[k.value] = k.handle.Retain()
	}

	for ni, n := range f.nodes {
		in := make([]*tensor.Handle, len(n.inputs))
		for j, v := range n.inputs {
			in[j] = env[v]
		}
		outs, err := ctx.Execute(n.op, in...)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: node %d", f.name, ni)
		}
		if len(outs) != len(n.outputs) {
			tensor.Release(outs...)
			return nil, errors.Errorf("%s: node %d (%s) returned %d outputs, traced %d",
				f.name, ni, n.op, len(outs), len(n.outputs))
		}
		for j, o := range outs {
			env[n.outputs[j]] = o
		}
		if f.lastUse != nil {
			f.releaseDead(env, n, ni)
		}
	}

	results := make([]*tensor.Handle, len(f.outputs))
	for i, v := range f.outputs {
		if v != absentOutput {
			results[i] = env[v].Retain()
		}
	}
	return results, nil
}

// releaseDead drops values whose last reader is node ni, and outputs of ni nobody reads.
func (f *Function) releaseDead(env []*tensor.Handle, n node, ni int) {
	for _, v := range n.inputs {
		if f.lastUse[v] == ni && env[v] != nil {
			env[v].Release()
			env[v] = nil
		}
	}
	for _, v := range n.outputs {
		if f.lastUse[v] < 0 && env[v] != nil {
			env[v].Release()
			env[v] = nil
		}
	}
}

// Release drops the constants captured by the trace. The function cannot be called afterwards.
func (f *Function) Release() {
	for _, k := range f.consts {
		k.handle.Release()
	}
	f.consts = nil
	f.nodes = nil
	f.outputs = nil
	f.params = nil
}
