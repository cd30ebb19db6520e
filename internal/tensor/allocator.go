package tensor

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Stats counts handle allocations.
type Stats struct {
	Allocated int // handles handed out
	Released  int // handles whose last reference was released
	Live      int // Allocated - Released
	LiveBytes int // bytes held by live concrete handles
	PeakBytes int // high-water mark of LiveBytes
}

// Allocator issues handles with unique identities and keeps count of the live ones.
// Tests use it to check that every reference was given back.
//
// The zero value is ready to use.
type Allocator struct {
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]int // id -> bytes
	stats  Stats
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NewConcrete allocates a zero-filled handle.
func (a *Allocator) NewConcrete(shape Shape, dtype DataType) (*Handle, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	size := shape.NumElements() * dtype.Size()
	h := &Handle{
		shape: shape.Clone(),
		dtype: dtype,
		data:  make([]byte, size),
		alloc: a,
	}
	a.register(h, size)
	return h, nil
}

// NewSymbolic allocates a handle that only carries shape and dtype.
func (a *Allocator) NewSymbolic(shape Shape, dtype DataType) (*Handle, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	h := &Handle{
		shape: shape.Clone(),
		dtype: dtype,
		sym:   true,
		alloc: a,
	}
	a.register(h, 0)
	return h, nil
}

func (a *Allocator) register(h *Handle, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil {
		a.live = make(map[uint64]int)
	}
	a.nextID++
	h.id = a.nextID
	h.refs.Store(1)
	a.live[h.id] = size
	a.stats.Allocated++
	a.stats.Live++
	a.stats.LiveBytes += size
	a.stats.PeakBytes = max(a.stats.PeakBytes, a.stats.LiveBytes)
}

func (a *Allocator) free(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[h.id]
	if !ok {
		return
	}
	delete(a.live, h.id)
	a.stats.Released++
	a.stats.Live--
	a.stats.LiveBytes -= size
}

// Stats returns a snapshot of the allocation counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// LiveHandles returns the identities of handles that still hold references, sorted.
func (a *Allocator) LiveHandles() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.live))
	for id := range a.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
