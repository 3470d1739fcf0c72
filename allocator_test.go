// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func sinkIndexes(a *Allocator) []int {
	var out []int
	for n := a.free[0]; n != nil; n = n.next {
		out = append(out, n.index)
	}
	return out
}

func TestAllocatorSizeClasses(t *testing.T) {
	a := NewAllocator()

	n, err := a.acquire(1)
	require.NoError(t, err)
	require.Equal(t, 8192, len(n.buf))
	require.Equal(t, 1, n.index)
	require.Equal(t, 0, n.pos)

	n, err = a.acquire(0)
	require.NoError(t, err)
	require.Equal(t, 8192, len(n.buf))

	n, err = a.acquire(8193)
	require.NoError(t, err)
	require.Equal(t, 12288, len(n.buf))
	require.Equal(t, 2, n.index)

	n, err = a.acquire(sizeOfClass(25))
	require.NoError(t, err)
	require.Equal(t, 25, n.index)
}

func TestAllocatorMinAllocNeverSharesTheSink(t *testing.T) {
	a := NewAllocator(WithBoundarySize(1024), WithMinAllocSize(100))
	require.Equal(t, 2048, a.MinAllocSize())

	n, err := a.acquire(1)
	require.NoError(t, err)
	require.Equal(t, 1, n.index)
}

func TestAllocatorRecyclesNodes(t *testing.T) {
	heap := &countingHeap{}
	a := NewAllocator(WithHeap(heap))

	n, err := a.acquire(100)
	require.NoError(t, err)
	a.release(n)
	require.Equal(t, int64(8192), a.Stats().FreeBytes)

	m, err := a.acquire(100)
	require.NoError(t, err)
	require.Same(t, n, m)

	allocs, _, _ := heap.counts()
	require.Equal(t, 1, allocs)
	require.Equal(t, int64(1), a.Stats().NodeReuses)
	require.Equal(t, int64(0), a.Stats().FreeBytes)
}

func TestAllocatorFirstFitScansUpward(t *testing.T) {
	a := NewAllocator()

	n3, err := a.acquire(sizeOfClass(3))
	require.NoError(t, err)
	n5, err := a.acquire(sizeOfClass(5))
	require.NoError(t, err)
	a.release(n3)
	a.release(n5)
	require.Equal(t, 5, a.maxIndex)

	// Class 2 is empty, so the scan settles on class 3.
	got, err := a.acquire(sizeOfClass(2))
	require.NoError(t, err)
	require.Same(t, n3, got)
	require.Equal(t, 5, a.maxIndex)

	// Taking the last node of the top bucket lowers the high-water mark.
	got, err = a.acquire(sizeOfClass(4))
	require.NoError(t, err)
	require.Same(t, n5, got)
	require.Equal(t, 0, a.maxIndex)
}

func TestAllocatorHighWaterRecomputedDownward(t *testing.T) {
	a := NewAllocator()

	n2, err := a.acquire(sizeOfClass(2))
	require.NoError(t, err)
	n6, err := a.acquire(sizeOfClass(6))
	require.NoError(t, err)
	n2.next = n6
	a.release(n2)
	require.Equal(t, 6, a.maxIndex)

	got, err := a.acquire(sizeOfClass(6))
	require.NoError(t, err)
	require.Same(t, n6, got)
	require.Equal(t, 2, a.maxIndex)
	require.Same(t, n2, a.free[2])
}

func TestAllocatorSinkStaysSorted(t *testing.T) {
	a := NewAllocator()

	var nodes []*node
	for _, index := range []int{25, 21, 23, 21} {
		n, err := a.acquire(sizeOfClass(index))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		a.release(n)
	}
	require.Equal(t, []int{21, 21, 23, 25}, sinkIndexes(a))
	require.Equal(t, 0, a.maxIndex)

	got, err := a.acquire(sizeOfClass(22))
	require.NoError(t, err)
	require.Same(t, nodes[2], got)
	require.Equal(t, []int{21, 21, 25}, sinkIndexes(a))

	got, err = a.acquire(sizeOfClass(24))
	require.NoError(t, err)
	require.Same(t, nodes[0], got)
	require.Equal(t, []int{21, 21}, sinkIndexes(a))
}

func TestAllocatorLargeRequestSkipsDirectBuckets(t *testing.T) {
	heap := &countingHeap{}
	a := NewAllocator(WithHeap(heap))

	small, err := a.acquire(sizeOfClass(4))
	require.NoError(t, err)
	a.release(small)

	// A request above the high-water mark only looks at the sink.
	big, err := a.acquire(sizeOfClass(10))
	require.NoError(t, err)
	require.NotSame(t, small, big)
	require.Equal(t, 4, a.maxIndex)

	allocs, _, _ := heap.counts()
	require.Equal(t, 2, allocs)
}

func TestAllocatorReleaseChain(t *testing.T) {
	a := NewAllocator()

	var chain *node
	for i := 0; i < 3; i++ {
		n, err := a.acquire(100)
		require.NoError(t, err)
		n.next = chain
		chain = n
	}
	a.release(chain)

	count := 0
	for n := a.free[1]; n != nil; n = n.next {
		count++
	}
	require.Equal(t, 3, count)
	require.Equal(t, int64(3*8192), a.Stats().FreeBytes)
}

func TestAllocatorDestroyFreesToHeap(t *testing.T) {
	heap := &countingHeap{}
	a := NewAllocator(WithHeap(heap))

	var chain *node
	for _, size := range []int{100, sizeOfClass(7), sizeOfClass(30)} {
		n, err := a.acquire(size)
		require.NoError(t, err)
		n.next = chain
		chain = n
	}
	a.release(chain)
	a.Destroy()

	allocs, frees, live := heap.counts()
	require.Equal(t, 3, allocs)
	require.Equal(t, 3, frees)
	require.Zero(t, live)

	stats := a.Stats()
	require.Equal(t, int64(3), stats.HeapFrees)
	require.Zero(t, stats.HeapBytes)
	require.Zero(t, stats.FreeBytes)
	require.Contains(t, stats.String(), "3 frees")
}

func TestAllocatorHeapFailure(t *testing.T) {
	heap := &countingHeap{failAt: 1}
	m := NewMetrics(prometheus.NewPedanticRegistry())
	a := NewAllocator(WithHeap(heap), WithAllocatorMetrics(m))

	n, err := a.acquire(100)
	require.Nil(t, n)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, float64(1), testutil.ToFloat64(m.outOfMemory))

	_, err = a.acquire(-1)
	require.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestAllocatorThreadSafeOption(t *testing.T) {
	require.False(t, NewAllocator().ThreadSafe())
	require.True(t, NewAllocator(WithThreadSafe()).ThreadSafe())
	require.False(t, NewAllocator(WithThreadSafe(), withoutThreadSafe()).ThreadSafe())
}

func TestAllocatorConcurrentAcquireRelease(t *testing.T) {
	const goroutines = 8

	heap := &countingHeap{}
	a := NewAllocator(WithHeap(heap), WithThreadSafe())
	require.True(t, a.ThreadSafe())

	var g errgroup.Group
	for i := 0; i < goroutines; i++ {
		size := sizeOfClass(1 + i%3)
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				n, err := a.acquire(size)
				if err != nil {
					return err
				}
				n.buf[0] = byte(j)
				a.release(n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Every goroutine holds at most one node at a time.
	allocs, _, _ := heap.counts()
	require.LessOrEqual(t, allocs, goroutines)
}

func BenchmarkAllocatorAcquireRelease(b *testing.B) {
	a := NewAllocator()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n, _ := a.acquire(100)
		a.release(n)
	}
}
