// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// MmapHeap obtains every block from its own anonymous memory mapping, so
// blocks released by a destroyed allocator are handed back to the operating
// system immediately rather than waiting for the garbage collector.
//
// Blocks must not be used to hold Go pointers.
type MmapHeap struct{}

// Alloc satisfies the Heap interface.
func (MmapHeap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrOutOfMemory, "invalid mapping size %d", size)
	}
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "mmap %d bytes: %v", size, err)
	}
	return m, nil
}

// Free satisfies the Heap interface.
func (MmapHeap) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	m := mmap.MMap(b)
	_ = m.Unmap()
}
