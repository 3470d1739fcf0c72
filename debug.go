// SPDX-License-Identifier: Apache-2.0

package arena

// debugBlocks backs a pool created with WithDebugAllocations. Each
// allocation is a separate heap block so tools watching the heap see every
// allocation on its own; all blocks are freed together when the pool is
// cleared.
type debugBlocks struct {
	heap   Heap
	blocks [][]byte
}

func (d *debugBlocks) alloc(size int) ([]byte, error) {
	// Zero-sized requests still get a distinct block.
	b, err := d.heap.Alloc(max(size, 1))
	if err != nil {
		return nil, ErrOutOfMemory
	}
	d.blocks = append(d.blocks, b)
	return b, nil
}

func (d *debugBlocks) reset() {
	for i, b := range d.blocks {
		d.heap.Free(b)
		d.blocks[i] = nil
	}
	d.blocks = d.blocks[:0]
}
