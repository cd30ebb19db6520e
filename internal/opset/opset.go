// Package opset is the catalogue of operations the executor understands.
//
// Every operation is identified by name and takes an ordered list of input
// handles. The catalogue records each operation's arity and infers the shape
// and dtype of its outputs, which lets a tracing context produce symbolic
// results without running a kernel.
package opset

import (
	"slices"

	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
)

// Operation names.
const (
	Add           = "Add"
	Sub           = "Sub"
	Mul           = "Mul"
	Div           = "Div"
	Neg           = "Neg"
	Exp           = "Exp"
	Log           = "Log"
	Sin           = "Sin"
	Cos           = "Cos"
	Tanh          = "Tanh"
	Sigmoid       = "Sigmoid"
	Relu          = "Relu"
	Sqrt          = "Sqrt"
	Square        = "Square"
	Step          = "Step"
	Identity      = "Identity"
	OnesLike      = "OnesLike"
	ZerosLike     = "ZerosLike"
	MatMul        = "MatMul"
	Transpose     = "Transpose"
	Sum           = "Sum"
	SumToShapeOf  = "SumToShapeOf"
	BroadcastLike = "BroadcastLike"
)

// Errors reported while validating an operation call.
var (
	ErrUnknownOp = errors.New("unknown operation")
	ErrArity     = errors.New("wrong number of inputs")
	ErrShape     = errors.New("incompatible shapes")
)

// Signature is the shape and dtype of one operation output.
type Signature struct {
	Shape tensor.Shape
	DType tensor.DataType
}

// Kind groups operations that share a kernel layout.
type Kind int

// Operation kinds.
const (
	Unary Kind = iota
	Binary
	Constant
	Reduction
	Linear
)

// Def describes one operation.
type Def struct {
	Name  string
	Kind  Kind
	Arity int
	infer func(in []Signature) (Signature, error)
}

// Infer validates the input signatures and returns the output signatures.
func (d *Def) Infer(in []Signature) ([]Signature, error) {
	if len(in) != d.Arity {
		return nil, errors.Wrapf(ErrArity, "%s: want %d, got %d", d.Name, d.Arity, len(in))
	}
	for i := 1; i < len(in); i++ {
		if in[i].DType != in[0].DType {
			return nil, errors.Wrapf(ErrShape, "%s: mixed dtypes %s and %s", d.Name, in[0].DType, in[i].DType)
		}
	}
	out, err := d.infer(in)
	if err != nil {
		return nil, errors.Wrap(err, d.Name)
	}
	return []Signature{out}, nil
}

var registry = map[string]*Def{}

func register(name string, kind Kind, arity int, infer func(in []Signature) (Signature, error)) {
	registry[name] = &Def{Name: name, Kind: kind, Arity: arity, infer: infer}
}

func sameAsFirst(in []Signature) (Signature, error) {
	return Signature{Shape: in[0].Shape.Clone(), DType: in[0].DType}, nil
}

func broadcast(in []Signature) (Signature, error) {
	out, _, err := tensor.BroadcastShapes(in[0].Shape, in[1].Shape)
	if err != nil {
		return Signature{}, errors.Wrap(ErrShape, err.Error())
	}
	return Signature{Shape: out, DType: in[0].DType}, nil
}

func init() {
	for _, name := range []string{Add, Sub, Mul, Div} {
		register(name, Binary, 2, broadcast)
	}
	for _, name := range []string{Neg, Exp, Log, Sin, Cos, Tanh, Sigmoid, Relu, Sqrt, Square, Step, Identity} {
		register(name, Unary, 1, sameAsFirst)
	}
	register(OnesLike, Constant, 1, sameAsFirst)
	register(ZerosLike, Constant, 1, sameAsFirst)

	register(MatMul, Linear, 2, func(in []Signature) (Signature, error) {
		a, b := in[0].Shape, in[1].Shape
		if len(a) != 2 || len(b) != 2 {
			return Signature{}, errors.Wrapf(ErrShape, "only 2D tensors supported, got %s and %s", a, b)
		}
		if a[1] != b[0] {
			return Signature{}, errors.Wrapf(ErrShape, "%s @ %s", a, b)
		}
		return Signature{Shape: tensor.Shape{a[0], b[1]}, DType: in[0].DType}, nil
	})
	register(Transpose, Linear, 1, func(in []Signature) (Signature, error) {
		s := in[0].Shape
		if len(s) != 2 {
			return Signature{}, errors.Wrapf(ErrShape, "only 2D tensors supported, got %s", s)
		}
		return Signature{Shape: tensor.Shape{s[1], s[0]}, DType: in[0].DType}, nil
	})
	register(Sum, Reduction, 1, func(in []Signature) (Signature, error) {
		return Signature{Shape: tensor.Shape{}, DType: in[0].DType}, nil
	})
	register(SumToShapeOf, Reduction, 2, func(in []Signature) (Signature, error) {
		if !in[0].Shape.ReducibleTo(in[1].Shape) {
			return Signature{}, errors.Wrapf(ErrShape, "cannot reduce %s to %s", in[0].Shape, in[1].Shape)
		}
		return Signature{Shape: in[1].Shape.Clone(), DType: in[0].DType}, nil
	})
	register(BroadcastLike, Reduction, 2, func(in []Signature) (Signature, error) {
		if !in[1].Shape.ReducibleTo(in[0].Shape) {
			return Signature{}, errors.Wrapf(ErrShape, "cannot broadcast %s to %s", in[0].Shape, in[1].Shape)
		}
		return Signature{Shape: in[1].Shape.Clone(), DType: in[0].DType}, nil
	})
}

// Lookup returns the definition of the named operation.
func Lookup(name string) (*Def, error) {
	d, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOp, "%q", name)
	}
	return d, nil
}

// Infer looks up name and infers the outputs for the given input handles.
// Inputs must be alive.
func Infer(name string, inputs []*tensor.Handle) (*Def, []Signature, error) {
	d, err := Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	in := make([]Signature, len(inputs))
	for i, h := range inputs {
		if h == nil {
			return nil, nil, errors.Errorf("%s: input %d is nil", name, i)
		}
		h.MustBeAlive()
		in[i] = Signature{Shape: h.Shape(), DType: h.DType()}
	}
	out, err := d.Infer(in)
	if err != nil {
		return nil, nil, err
	}
	return d, out, nil
}

// Names returns every registered operation name, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
