// SPDX-License-Identifier: Apache-2.0

package arena

// Heap is the source of raw memory blocks for an Allocator. It stands in for
// the operating system heap: every node an allocator hands out was obtained
// from Alloc, and nodes only go back through Free when the allocator itself
// is destroyed.
type Heap interface {
	// Alloc returns a block of exactly size bytes, or an error if the memory
	// cannot be obtained. The block does not have to be zeroed.
	Alloc(size int) ([]byte, error)

	// Free returns a block previously obtained from Alloc. The slice passed
	// must be the full block as returned by Alloc.
	Free(b []byte)
}

// GoHeap obtains blocks from the Go runtime. Free drops the reference and
// leaves the memory to the garbage collector.
type GoHeap struct{}

// Alloc satisfies the Heap interface.
func (GoHeap) Alloc(size int) (b []byte, err error) {
	defer func() {
		// make panics on sizes the runtime refuses; report that as OOM.
		if r := recover(); r != nil {
			b, err = nil, ErrOutOfMemory
		}
	}()
	return make([]byte, size), nil
}

// Free satisfies the Heap interface.
func (GoHeap) Free([]byte) {}

// DefaultHeap is used by allocators created without WithHeap.
var DefaultHeap Heap = GoHeap{}
