// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"fmt"
	"sync"

	"github.com/alecthomas/units"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// MaxIndex is the number of free-list buckets. Bucket 0 is the sink for
	// nodes whose size class does not fit a direct bucket.
	MaxIndex = 20

	// DefaultBoundarySize is the granularity node sizes are rounded up to.
	DefaultBoundarySize = 4 * units.KiB

	// DefaultMinAllocSize is the smallest node an allocator hands out.
	DefaultMinAllocSize = 8 * units.KiB
)

// Allocator manages size-bucketed free lists of nodes shared by one or more
// pools. Nodes released by pools are kept for reuse and only handed back to
// the heap when the allocator is destroyed.
type Allocator struct {
	mtx *sync.Mutex // nil unless the allocator is thread-safe

	maxIndex int // highest non-empty bucket, 0 when all are empty
	free     [MaxIndex]*node
	owner    *Pool

	heap     Heap
	boundary int
	minAlloc int
	logger   log.Logger
	metrics  *Metrics

	heapAllocs atomic.Int64
	heapFrees  atomic.Int64
	nodeReuses atomic.Int64
	heapBytes  atomic.Int64
	freeBytes  atomic.Int64
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithThreadSafe guards free-list operations and child-list changes of pools
// using this allocator with a mutex.
func WithThreadSafe() AllocatorOption {
	return func(a *Allocator) {
		a.mtx = &sync.Mutex{}
	}
}

// withoutThreadSafe undoes an earlier WithThreadSafe.
func withoutThreadSafe() AllocatorOption {
	return func(a *Allocator) {
		a.mtx = nil
	}
}

// WithHeap sets the source of raw memory blocks.
func WithHeap(h Heap) AllocatorOption {
	return func(a *Allocator) {
		a.heap = h
	}
}

// WithBoundarySize sets the granularity node sizes are rounded to.
func WithBoundarySize(size int) AllocatorOption {
	return func(a *Allocator) {
		a.boundary = size
	}
}

// WithMinAllocSize sets the smallest node size. It is rounded up to the
// boundary size and is never less than two boundaries.
func WithMinAllocSize(size int) AllocatorOption {
	return func(a *Allocator) {
		a.minAlloc = size
	}
}

// WithAllocatorLogger sets the logger used for heap failures and teardown.
func WithAllocatorLogger(logger log.Logger) AllocatorOption {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithAllocatorMetrics makes the allocator report to m.
func WithAllocatorMetrics(m *Metrics) AllocatorOption {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// NewAllocator creates an allocator with empty free lists.
func NewAllocator(opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		heap:     DefaultHeap,
		boundary: int(DefaultBoundarySize),
		minAlloc: int(DefaultMinAllocSize),
		logger:   log.NewNopLogger(),
		metrics:  unregisteredMetrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.boundary < alignment {
		a.boundary = alignment
	}
	// Class 0 is the sink, so the smallest node spans two boundaries.
	a.minAlloc = alignUp(max(a.minAlloc, 2*a.boundary), a.boundary)
	return a
}

// Owner returns the pool that owns the allocator, if any.
func (a *Allocator) Owner() *Pool {
	return a.owner
}

// SetOwner records p as the owner. Destroying the owner destroys the allocator.
func (a *Allocator) SetOwner(p *Pool) {
	a.owner = p
}

// ThreadSafe reports whether the allocator serializes its operations.
func (a *Allocator) ThreadSafe() bool {
	return a.mtx != nil
}

// MinAllocSize returns the size of the smallest node.
func (a *Allocator) MinAllocSize() int {
	return a.minAlloc
}

func (a *Allocator) lock() {
	if a.mtx != nil {
		a.mtx.Lock()
	}
}

func (a *Allocator) unlock() {
	if a.mtx != nil {
		a.mtx.Unlock()
	}
}

// sizeClass rounds size to a node size and returns it with its bucket index.
func (a *Allocator) sizeClass(size int) (int, int, bool) {
	if size < 0 || size > maxNodeSize-a.boundary {
		return 0, 0, false
	}
	size = alignUp(size, a.boundary)
	if size < a.minAlloc {
		size = a.minAlloc
	}
	return size, size/a.boundary - 1, true
}

const maxNodeSize = int(^uint(0)>>1) / 2

// acquire returns a node with at least size usable bytes and its cursor at
// zero. It prefers recycled nodes and falls back to the heap.
func (a *Allocator) acquire(size int) (*node, error) {
	rounded, index, ok := a.sizeClass(size)
	if !ok {
		a.metrics.outOfMemory.Inc()
		return nil, errors.Wrapf(ErrOutOfMemory, "node of %d bytes", size)
	}
	size = rounded

	if n := a.takeFree(index); n != nil {
		n.next, n.prev, n.pos, n.freeIndex = nil, nil, 0, 0
		a.nodeReuses.Inc()
		a.freeBytes.Sub(int64(len(n.buf)))
		a.metrics.nodeReuses.Inc()
		a.metrics.freeListBytes.Sub(float64(len(n.buf)))
		return n, nil
	}

	buf, err := a.heap.Alloc(size)
	if err != nil || len(buf) < size {
		a.metrics.outOfMemory.Inc()
		level.Error(a.logger).Log("msg", "heap allocation failed", "size", humanize.IBytes(uint64(size)), "err", err)
		if err == nil || !errors.Is(err, ErrOutOfMemory) {
			err = errors.Wrapf(ErrOutOfMemory, "heap returned %v", err)
		}
		return nil, err
	}
	a.heapAllocs.Inc()
	a.heapBytes.Add(int64(len(buf)))
	a.metrics.heapAllocs.Inc()
	a.metrics.heapAllocBytes.Add(float64(len(buf)))
	return &node{index: index, buf: buf}, nil
}

// takeFree unlinks a parked node of class index or larger.
func (a *Allocator) takeFree(index int) *node {
	a.lock()
	defer a.unlock()

	if index <= a.maxIndex {
		// free[maxIndex] is never empty, so the scan always finds a node.
		i := index
		for a.free[i] == nil && i < a.maxIndex {
			i++
		}
		n := a.free[i]
		a.free[i] = n.next
		if a.free[i] == nil && i == a.maxIndex {
			for a.maxIndex > 0 && a.free[a.maxIndex] == nil {
				a.maxIndex--
			}
		}
		return n
	}

	// The sink is kept sorted, so the first node that is large enough is also
	// the smallest one that fits.
	ref := &a.free[0]
	for *ref != nil && (*ref).index < index {
		ref = &(*ref).next
	}
	n := *ref
	if n != nil {
		*ref = n.next
	}
	return n
}

// release parks every node of a nil-terminated chain linked through next.
func (a *Allocator) release(chain *node) {
	a.lock()
	defer a.unlock()

	for n := chain; n != nil; {
		next := n.next
		a.park(n)
		n = next
	}
}

func (a *Allocator) park(n *node) {
	n.prev, n.pos, n.freeIndex = nil, 0, 0
	a.freeBytes.Add(int64(len(n.buf)))
	a.metrics.freeListBytes.Add(float64(len(n.buf)))

	if n.index < MaxIndex {
		n.next = a.free[n.index]
		a.free[n.index] = n
		if n.index > a.maxIndex {
			a.maxIndex = n.index
		}
		return
	}

	ref := &a.free[0]
	for *ref != nil && (*ref).index < n.index {
		ref = &(*ref).next
	}
	n.next = *ref
	*ref = n
}

// Destroy hands every parked node back to the heap. Nodes still owned by
// pools are not affected; the allocator must not be used afterwards.
func (a *Allocator) Destroy() {
	a.lock()
	defer a.unlock()

	var freed, bytes int
	for i := range a.free {
		for n := a.free[i]; n != nil; {
			next := n.next
			bytes += len(n.buf)
			freed++
			a.heap.Free(n.buf)
			n.buf, n.next = nil, nil
			n = next
		}
		a.free[i] = nil
	}
	a.maxIndex = 0
	a.owner = nil

	a.heapFrees.Add(int64(freed))
	a.heapBytes.Sub(int64(bytes))
	a.freeBytes.Sub(int64(bytes))
	a.metrics.heapFrees.Add(float64(freed))
	a.metrics.freeListBytes.Sub(float64(bytes))
	level.Debug(a.logger).Log("msg", "allocator destroyed", "nodes", freed, "bytes", humanize.IBytes(uint64(bytes)))
}

// AllocatorStats is a point-in-time view of an allocator's counters.
type AllocatorStats struct {
	HeapAllocs int64 // blocks obtained from the heap
	HeapFrees  int64 // blocks handed back to the heap
	NodeReuses int64 // requests satisfied from a free list
	HeapBytes  int64 // bytes obtained from the heap and not yet freed
	FreeBytes  int64 // bytes parked in free lists
}

func (s AllocatorStats) String() string {
	return fmt.Sprintf("heap=%s (%d allocs, %d frees) free-lists=%s reuses=%d",
		humanize.IBytes(uint64(s.HeapBytes)), s.HeapAllocs, s.HeapFrees,
		humanize.IBytes(uint64(s.FreeBytes)), s.NodeReuses)
}

// Stats returns the allocator's counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		HeapAllocs: a.heapAllocs.Load(),
		HeapFrees:  a.heapFrees.Load(),
		NodeReuses: a.nodeReuses.Load(),
		HeapBytes:  a.heapBytes.Load(),
		FreeBytes:  a.freeBytes.Load(),
	}
}
