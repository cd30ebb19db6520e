package ops

import (
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
)

// The scalar gradient of a full sum is broadcast back over the input.
var sumRule = unary(func(b *builder, g, x, _ *tensor.Handle) *tensor.Handle {
	return b.op(opset.BroadcastLike, g, x)
})

// SumToShapeOf(x, like) and BroadcastLike(x, like) are adjoint. The shape
// argument like receives no gradient.
var sumToShapeRule = binary(func(b *builder, g, x, _, _ *tensor.Handle) (gx, glike *tensor.Handle) {
	if g.Shape().Equal(x.Shape()) {
		return g, nil
	}
	return b.op(opset.BroadcastLike, g, x), nil
})

var broadcastLikeRule = binary(func(b *builder, g, x, _, _ *tensor.Handle) (gx, glike *tensor.Handle) {
	return b.reduceTo(g, x), nil
})
