// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"sync"

	"github.com/segmentio/fasthash/fnv1a"
)

// Recycler hands out child pools of a common parent and takes them back
// cleared, so short-lived scopes (one per request, say) skip pool creation.
// Pools are sized from the peak usage recently seen for the same key.
//
// Recycler is safe for concurrent use only if the parent's allocator is
// thread-safe.
type Recycler struct {
	parent  *Pool
	maxIdle int

	mu    sync.Mutex
	idle  []*Pool
	sizes map[uint64]*recycledSize
}

// recycledSize tracks the peak usage across the last 50 pools of a key.
type recycledSize struct {
	count      int
	totalBytes int
}

// RecycledPool is a pool lent out by a Recycler.
type RecycledPool struct {
	Pool *Pool
	Key  uint64
}

// RecyclerKey derives a recycler key from a scope name, such as a route or
// a job type.
func RecyclerKey(name string) uint64 {
	return fnv1a.HashString64(name)
}

// NewRecycler creates a recycler that keeps at most maxIdle cleared pools.
func NewRecycler(parent *Pool, maxIdle int) *Recycler {
	return &Recycler{
		parent:  parent,
		maxIdle: maxIdle,
		sizes:   make(map[uint64]*recycledSize),
	}
}

// Acquire returns an idle pool, or creates one sized for key. It fails with
// ErrPoolDestroyed once the parent is gone.
func (r *Recycler) Acquire(key uint64) (*RecycledPool, error) {
	r.mu.Lock()
	if r.parent.Destroyed() {
		// The idle pools went down with the parent.
		r.idle = nil
		r.mu.Unlock()
		return nil, ErrPoolDestroyed
	}
	for n := len(r.idle); n > 0; n = len(r.idle) {
		p := r.idle[n-1]
		r.idle[n-1] = nil
		r.idle = r.idle[:n-1]
		if !p.Destroyed() {
			r.mu.Unlock()
			return &RecycledPool{Pool: p, Key: key}, nil
		}
	}
	size := r.sizeFor(key)
	r.mu.Unlock()

	p, err := Create(r.parent, WithInitialSize(size))
	if err != nil {
		return nil, err
	}
	return &RecycledPool{Pool: p, Key: key}, nil
}

// Release clears the pool and keeps it for reuse, or destroys it if enough
// pools are idle already. It returns the cleanup failures of the clear.
func (r *Recycler) Release(item *RecycledPool) error {
	return r.ReleaseMany([]*RecycledPool{item})
}

// ReleaseMany releases several pools at once.
func (r *Recycler) ReleaseMany(items []*RecycledPool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range items {
		peak := item.Pool.Peak()
		keep(item.Pool.Clear())

		if size, ok := r.sizes[item.Key]; ok {
			if size.count == 50 {
				size.count = 1
				size.totalBytes = size.totalBytes / 50
			}
			size.count++
			size.totalBytes += peak
		} else {
			r.sizes[item.Key] = &recycledSize{count: 1, totalBytes: peak}
		}

		if len(r.idle) < r.maxIdle {
			r.idle = append(r.idle, item.Pool)
		} else {
			keep(item.Pool.Destroy())
		}
		item.Pool = nil
	}
	return firstErr
}

// Close destroys every idle pool.
func (r *Recycler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, p := range r.idle {
		if p.Destroyed() {
			// Destroyed along with the parent.
			continue
		}
		if err := p.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.idle = nil
	return firstErr
}

// sizeFor returns the average recorded peak for key, 0 when unknown.
func (r *Recycler) sizeFor(key uint64) int {
	if size, ok := r.sizes[key]; ok {
		return size.totalBytes / size.count
	}
	return 0
}
