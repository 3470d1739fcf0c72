// SPDX-License-Identifier: Apache-2.0

// Package arena implements hierarchical memory pools. A Pool hands out
// memory by bumping a cursor through blocks ("nodes") it obtains from a
// size-bucketed Allocator, owns a tree of child pools, and runs registered
// cleanups when it is cleared or destroyed. Pool memory is plain bytes and
// must not be used to hold Go pointers.
package arena

import (
	"unsafe"
)

// Arena is an interface that describes a memory allocation arena.
type Arena interface {
	// Alloc allocates memory of the given size and returns a pointer to it,
	// or nil if the memory could not be obtained.
	// The alignment parameter specifies the alignment of the allocated memory.
	Alloc(size, alignment uintptr) unsafe.Pointer

	// Reset discards every allocation and keeps the memory for reuse.
	Reset()

	// Release releases the arena's memory. The arena must not be used again.
	Release()

	// Len returns the total number of bytes currently allocated in the arena.
	Len() int

	// Cap returns the total capacity of the memory the arena holds.
	Cap() int

	// Peak returns the high-water mark of Len. It survives Reset.
	Peak() int
}

// Arena exposes the pool through the Arena interface. Reset clears the pool
// and Release destroys it; cleanup failures are logged only.
func (p *Pool) Arena() Arena {
	return poolArena{p}
}

type poolArena struct {
	p *Pool
}

func (a poolArena) Alloc(size, align uintptr) unsafe.Pointer {
	if align <= alignment {
		b, err := a.p.Alloc(int(size))
		if err != nil || len(b) == 0 {
			return nil
		}
		return unsafe.Pointer(unsafe.SliceData(b))
	}
	b, err := a.p.Alloc(int(size + align - 1))
	if err != nil {
		return nil
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), alignUp(int(base), int(align))-int(base))
}

func (a poolArena) Reset() {
	_ = a.p.Clear()
}

func (a poolArena) Release() {
	_ = a.p.Destroy()
}

func (a poolArena) Len() int  { return a.p.Len() }
func (a poolArena) Cap() int  { return a.p.Cap() }
func (a poolArena) Peak() int { return a.p.Peak() }

// New allocates a zeroed T in pool memory. T must not contain Go pointers.
func New[T any](p *Pool) (*T, error) {
	var x T
	b, err := allocAligned(p, int(unsafe.Sizeof(x)), int(unsafe.Alignof(x)))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return new(T), nil
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// MakeSlice allocates a zeroed slice of T in pool memory. T must not contain
// Go pointers.
func MakeSlice[T any](p *Pool, length, capacity int) ([]T, error) {
	if capacity < length {
		capacity = length
	}
	var x T
	b, err := allocAligned(p, int(unsafe.Sizeof(x))*capacity, int(unsafe.Alignof(x)))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return make([]T, length, capacity), nil
	}
	s := unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), capacity)
	return s[:length], nil
}

const growThreshold = 256

// Append appends data to s, moving s into a larger pool slice when its
// capacity runs out. The old backing memory is not reclaimed until the pool
// is cleared.
func Append[T any](p *Pool, s []T, data ...T) ([]T, error) {
	newLen := len(s) + len(data)
	if newLen <= cap(s) {
		return append(s, data...), nil
	}
	newCap := cap(s)
	if newCap == 0 {
		newCap = len(data)
	}
	for newLen > newCap {
		if newCap < growThreshold {
			newCap *= 2
		} else {
			newCap += newCap / 4
		}
	}
	grown, err := MakeSlice[T](p, len(s), newCap)
	if err != nil {
		return s, err
	}
	copy(grown, s)
	return append(grown, data...), nil
}

func allocAligned(p *Pool, size, align int) ([]byte, error) {
	if align <= alignment {
		return p.Calloc(size)
	}
	b, err := p.Calloc(size + align - 1)
	if err != nil {
		return nil, err
	}
	base := int(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	off := alignUp(base, align) - base
	return b[off : off+size : off+size], nil
}
