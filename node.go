// SPDX-License-Identifier: Apache-2.0

package arena

// node is a raw memory block with a bump cursor. While parked in an
// allocator only next is meaningful; while owned by a pool the node sits in
// the pool's circular ring linked through next and prev.
type node struct {
	next *node
	prev *node

	index     int    // size class
	buf       []byte // the whole block as returned by the heap
	pos       int    // offset of the first free byte
	freeIndex int    // free space in boundary units, orders the pool ring
}

func (n *node) free() int {
	return len(n.buf) - n.pos
}

// take hands out size bytes at the cursor. The caller checks free() first.
func (n *node) take(size int) []byte {
	b := n.buf[n.pos : n.pos+size : n.pos+size]
	n.pos += size
	return b
}

// insertBefore links n into a ring right before point.
func (n *node) insertBefore(point *node) {
	n.prev = point.prev
	n.next = point
	point.prev.next = n
	point.prev = n
}

// unlink removes n from its ring and leaves it as a ring of one.
func (n *node) unlink() {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = n
	n.prev = n
}

const alignment = 8

func alignUp(size, to int) int {
	return (size + to - 1) / to * to
}
