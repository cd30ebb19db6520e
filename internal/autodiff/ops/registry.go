package ops

import (
	"slices"

	"github.com/born-ml/gradtape/internal/opset"
)

// Registry maps operation names to gradient rules.
// A registered nil rule marks the operation as not differentiable.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// DefaultRegistry returns a new registry holding the built-in rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(opset.Add, addRule)
	r.Register(opset.Sub, subRule)
	r.Register(opset.Mul, mulRule)
	r.Register(opset.Div, divRule)
	r.Register(opset.Neg, negRule)
	r.Register(opset.Identity, identityRule)
	r.Register(opset.Exp, expRule)
	r.Register(opset.Log, logRule)
	r.Register(opset.Sin, sinRule)
	r.Register(opset.Cos, cosRule)
	r.Register(opset.Tanh, tanhRule)
	r.Register(opset.Sigmoid, sigmoidRule)
	r.Register(opset.Relu, reluRule)
	r.Register(opset.Sqrt, sqrtRule)
	r.Register(opset.Square, squareRule)
	r.Register(opset.MatMul, matmulRule)
	r.Register(opset.Transpose, transposeRule)
	r.Register(opset.Sum, sumRule)
	r.Register(opset.SumToShapeOf, sumToShapeRule)
	r.Register(opset.BroadcastLike, broadcastLikeRule)
	r.Register(opset.Step, nil)
	r.Register(opset.OnesLike, nil)
	r.Register(opset.ZerosLike, nil)
	return r
}

// Register sets the rule for op, replacing any previous one.
func (r *Registry) Register(op string, rule Rule) {
	r.rules[op] = rule
}

// Lookup returns the rule for op. ok is false if op is not registered;
// a registered but non-differentiable op returns a nil rule with ok true.
func (r *Registry) Lookup(op string) (rule Rule, ok bool) {
	rule, ok = r.rules[op]
	return rule, ok
}

// Build returns the gradient function for rec, or nil if the op is not differentiable.
func (r *Registry) Build(rec Record) GradientFunction {
	rule, _ := r.Lookup(rec.Op)
	if rule == nil {
		return nil
	}
	return rule(rec)
}

// Ops returns the registered operation names, sorted.
func (r *Registry) Ops() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
