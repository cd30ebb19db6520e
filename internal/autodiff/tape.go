// Package autodiff implements tape-based reverse-mode automatic differentiation.
//
// A Tape records operations as they execute. ComputeGradient walks the
// recorded operations in reverse, calling each operation's gradient function
// and summing contributions for tensors used more than once.
//
// Operations are recorded either explicitly with Tape.RecordOperation or by
// running them through a RecordingContext, which looks up the gradient rule of
// each executed operation in an ops.Registry.
package autodiff

import (
	"slices"

	"github.com/born-ml/gradtape/internal/autodiff/ops"
	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/opset"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Errors returned by the tape.
var (
	ErrTapeConsumed  = errors.New("non-persistent tape already used to compute gradients")
	ErrNonCausal     = errors.New("operation recorded out of causal order")
	ErrGradientCount = errors.New("gradient function returned wrong number of gradients")
	ErrSeedCount     = errors.New("output gradients do not match targets")
	ErrNilHandle     = errors.New("nil target or source")
)

// GradientFunction computes input gradients of one recorded operation.
type GradientFunction = ops.GradientFunction

// PassThrough hands the upstream gradient unchanged to the single input.
type PassThrough = ops.PassThrough

// Registry maps operation names to gradient rules.
type Registry = ops.Registry

// entry is one recorded operation. The tape owns one reference on every handle
// and on the gradient function.
type entry struct {
	op      string
	inputs  []*tensor.Handle
	outputs []*tensor.Handle
	fn      GradientFunction
}

// Tape records operations for gradient computation.
//
// A non-persistent tape supports one ComputeGradient call; it releases every
// recorded reference when that call returns. A persistent tape can be replayed
// any number of times and keeps its references until Close.
//
// A Tape is not safe for concurrent use.
type Tape struct {
	persistent bool
	recording  bool
	consumed   bool
	replays    int

	entries  []*entry
	watched  map[uint64]*tensor.Handle
	produced map[uint64]int // output ID -> entry index
	used     map[uint64]int // input ID -> number of recorded uses
}

// NewTape creates a tape. It starts recording immediately.
func NewTape(persistent bool) *Tape {
	return &Tape{
		persistent: persistent,
		recording:  true,
		entries:    make([]*entry, 0, 64),
		watched:    make(map[uint64]*tensor.Handle),
		produced:   make(map[uint64]int),
		used:       make(map[uint64]int),
	}
}

// IsPersistent reports whether the tape can be replayed more than once.
func (t *Tape) IsPersistent() bool {
	return t.persistent
}

// StartRecording enables operation recording.
func (t *Tape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *Tape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape currently accepts operations.
func (t *Tape) IsRecording() bool {
	return t.recording && !t.consumed
}

// NumOps returns the number of recorded operations.
func (t *Tape) NumOps() int {
	return len(t.entries)
}

// Watched reports whether h is watched.
func (t *Tape) Watched(h *tensor.Handle) bool {
	_, ok := t.watched[h.ID()]
	return ok
}

// Watch marks h as a gradient source. The tape takes a reference on first watch;
// watching the same handle again, or watching on a consumed tape, is a no-op.
func (t *Tape) Watch(h *tensor.Handle) {
	if t.consumed {
		klog.V(1).Infof("tape: ignoring watch of %s on consumed tape", h)
		return
	}
	if _, ok := t.watched[h.ID()]; ok {
		return
	}
	t.watched[h.ID()] = h.Retain()
	klog.V(3).Infof("tape: watching %s", h)
}

// isTracked reports whether h is watched or produced by a recorded operation.
func (t *Tape) isTracked(h *tensor.Handle) bool {
	if _, ok := t.watched[h.ID()]; ok {
		return true
	}
	_, ok := t.produced[h.ID()]
	return ok
}

// ShouldRecord reports whether an operation on inputs can contribute to a
// gradient: the tape is recording and at least one input is tracked.
func (t *Tape) ShouldRecord(inputs []*tensor.Handle) bool {
	if !t.IsRecording() {
		return false
	}
	for _, h := range inputs {
		if h != nil && t.isTracked(h) {
			return true
		}
	}
	return false
}

// RecordOperation appends an operation mapping inputs to outputs, with fn
// computing its input gradients. A nil fn marks the operation as not
// differentiable: gradient does not flow through it.
//
// The tape takes a reference on every handle and takes ownership of fn, even
// when it returns an error. Recording is a no-op while the tape is paused.
func (t *Tape) RecordOperation(inputs, outputs []*tensor.Handle, fn GradientFunction) error {
	return t.record("", inputs, outputs, fn)
}

func (t *Tape) record(op string, inputs, outputs []*tensor.Handle, fn GradientFunction) error {
	if t.consumed {
		releaseFunc(fn)
		return ErrTapeConsumed
	}
	if !t.recording {
		releaseFunc(fn)
		return nil
	}
	if err := t.checkRecord(inputs, outputs); err != nil {
		releaseFunc(fn)
		return err
	}
	e := &entry{
		op:      op,
		inputs:  retainAll(inputs),
		outputs: retainAll(outputs),
		fn:      fn,
	}
	idx := len(t.entries)
	t.entries = append(t.entries, e)
	for _, h := range inputs {
		t.used[h.ID()]++
	}
	for _, h := range outputs {
		t.produced[h.ID()] = idx
	}
	klog.V(3).Infof("tape: recorded %s #%d (%d inputs, %d outputs)", e.name(), idx, len(inputs), len(outputs))
	return nil
}

// checkRecord rejects operations that would break the reverse walk: every
// output must be new to the tape and must not be one of the inputs.
func (t *Tape) checkRecord(inputs, outputs []*tensor.Handle) error {
	if len(outputs) == 0 {
		return errors.New("record: operation has no outputs")
	}
	in := make(map[uint64]bool, len(inputs))
	for i, h := range inputs {
		if h == nil {
			return errors.Errorf("record: input %d is nil", i)
		}
		h.MustBeAlive()
		in[h.ID()] = true
	}
	for i, h := range outputs {
		if h == nil {
			return errors.Errorf("record: output %d is nil", i)
		}
		h.MustBeAlive()
		if in[h.ID()] {
			return errors.Wrapf(ErrNonCausal, "%s is both input and output", h)
		}
		if at, ok := t.produced[h.ID()]; ok {
			return errors.Wrapf(ErrNonCausal, "%s already produced by operation #%d", h, at)
		}
		if t.used[h.ID()] > 0 {
			return errors.Wrapf(ErrNonCausal, "%s consumed before it was produced", h)
		}
	}
	return nil
}

// Close releases everything the tape holds. Closing a consumed tape is a no-op.
func (t *Tape) Close() {
	if t.consumed {
		return
	}
	if t.replays == 0 && len(t.entries) > 0 {
		klog.V(1).Infof("tape: closing with %d operations never replayed", len(t.entries))
	}
	t.release()
}

func (t *Tape) release() {
	for _, e := range t.entries {
		releaseFunc(e.fn)
		tensor.Release(e.inputs...)
		tensor.Release(e.outputs...)
	}
	for _, h := range t.watched {
		h.Release()
	}
	t.entries = nil
	t.watched = nil
	t.produced = nil
	t.used = nil
	t.consumed = true
}

// ComputeGradient returns the gradients of targets with respect to sources.
//
// outputGradients seeds the walk: either empty, meaning a ones tensor for every
// target, or one entry per target where nil means ones. The result has one entry
// per source, nil for a source the targets do not depend on through recorded
// operations or that is neither watched nor produced on the tape. Returned
// handles are owned by the caller.
//
// Gradient operations run through ctx; recording on this tape is paused while
// they execute. A nil target or source fails with ErrNilHandle. A non-persistent
// tape is consumed by the call, even on failure.
func (t *Tape) ComputeGradient(
	ctx execution.Context,
	targets, sources, outputGradients []*tensor.Handle,
) ([]*tensor.Handle, error) {
	if t.consumed {
		return nil, ErrTapeConsumed
	}
	if !t.persistent {
		defer t.release()
	}
	if len(outputGradients) != 0 && len(outputGradients) != len(targets) {
		return nil, errors.Wrapf(ErrSeedCount, "%d targets, %d output gradients", len(targets), len(outputGradients))
	}
	if i := slices.Index(targets, nil); i >= 0 {
		return nil, errors.Wrapf(ErrNilHandle, "target %d", i)
	}
	if i := slices.Index(sources, nil); i >= 0 {
		return nil, errors.Wrapf(ErrNilHandle, "source %d", i)
	}

	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()
	t.replays++

	klog.V(1).Infof("tape: gradient of %d targets w.r.t. %d sources over %d operations in %s",
		len(targets), len(sources), len(t.entries), ctx.Name())

	r := &replay{ctx: ctx, grads: make(map[uint64]*tensor.Handle), keep: make(map[uint64]bool, len(sources))}
	defer r.releaseAll()
	for _, h := range sources {
		r.keep[h.ID()] = true
	}

	for i, target := range targets {
		var seed *tensor.Handle
		if len(outputGradients) != 0 {
			seed = outputGradients[i]
		}
		if err := r.seed(target, seed); err != nil {
			return nil, errors.Wrapf(err, "seeding target %d", i)
		}
	}

	for i := len(t.entries) - 1; i >= 0; i-- {
		if err := r.backprop(i, t.entries[i]); err != nil {
			return nil, err
		}
	}

	result := make([]*tensor.Handle, len(sources))
	for i, h := range sources {
		if !t.isTracked(h) {
			continue
		}
		if g := r.grads[h.ID()]; g != nil {
			result[i] = g.Retain()
		}
	}
	return result, nil
}

// replay holds the per-call gradient accumulator. It owns one reference on
// every accumulated gradient.
type replay struct {
	ctx   execution.Context
	grads map[uint64]*tensor.Handle
	keep  map[uint64]bool // sources, never dropped during the walk
}

func (r *replay) seed(target, seed *tensor.Handle) error {
	if seed == nil {
		ones, err := execution.ExecuteOne(r.ctx, opset.OnesLike, target)
		if err != nil {
			return err
		}
		return r.accumulate(target, ones)
	}
	if !seed.Shape().Equal(target.Shape()) {
		return errors.Wrapf(ErrSeedCount, "output gradient %s does not match target %s", seed, target)
	}
	return r.accumulate(target, seed.Retain())
}

// accumulate adds an owned gradient g into the accumulator for h.
func (r *replay) accumulate(h, g *tensor.Handle) error {
	existing, ok := r.grads[h.ID()]
	if !ok {
		r.grads[h.ID()] = g
		return nil
	}
	sum, err := execution.ExecuteOne(r.ctx, opset.Add, existing, g)
	g.Release()
	if err != nil {
		return errors.Wrapf(err, "accumulating gradient of %s", h)
	}
	existing.Release()
	r.grads[h.ID()] = sum
	return nil
}

func (r *replay) backprop(idx int, e *entry) error {
	// Outputs are final once their producer is reached.
	defer r.drop(e.outputs)

	upstream := make([]*tensor.Handle, len(e.outputs))
	reached := false
	for j, out := range e.outputs {
		if g, ok := r.grads[out.ID()]; ok {
			upstream[j] = g
			reached = true
		}
	}
	if !reached || e.fn == nil {
		return nil
	}

	klog.V(2).Infof("tape: backprop %s #%d", e.name(), idx)
	grads, err := e.fn.Compute(r.ctx, upstream)
	if err != nil {
		return errors.Wrapf(err, "gradient of %s #%d", e.name(), idx)
	}
	if len(grads) != len(e.inputs) {
		tensor.Release(grads...)
		return errors.Wrapf(ErrGradientCount, "%s #%d: %d inputs, %d gradients", e.name(), idx, len(e.inputs), len(grads))
	}
	for j, g := range grads {
		if g == nil {
			continue
		}
		if err := r.accumulate(e.inputs[j], g); err != nil {
			tensor.Release(grads[j+1:]...)
			return err
		}
	}
	return nil
}

// drop releases accumulated gradients no longer needed by the walk.
func (r *replay) drop(hs []*tensor.Handle) {
	for _, h := range hs {
		if r.keep[h.ID()] {
			continue
		}
		if g, ok := r.grads[h.ID()]; ok {
			g.Release()
			delete(r.grads, h.ID())
		}
	}
}

func (r *replay) releaseAll() {
	for id, g := range r.grads {
		g.Release()
		delete(r.grads, id)
	}
}

func (e *entry) name() string {
	if e.op == "" {
		return "op"
	}
	return e.op
}

func retainAll(hs []*tensor.Handle) []*tensor.Handle {
	out := make([]*tensor.Handle, len(hs))
	for i, h := range hs {
		out[i] = h.Retain()
	}
	return out
}

func releaseFunc(fn GradientFunction) {
	if r, ok := fn.(ops.Releaser); ok {
		r.Release()
	}
}
