// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int64
}

func TestPoolArenaAlloc(t *testing.T) {
	p, _ := newTestPool(t)
	a := p.Arena()

	ptr := a.Alloc(24, 8)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%8)
	require.Equal(t, 24, a.Len())
	require.Equal(t, 8192, a.Cap())

	aligned := a.Alloc(32, 64)
	require.NotNil(t, aligned)
	require.Zero(t, uintptr(aligned)%64)

	// Zero-sized requests have no address.
	require.Nil(t, a.Alloc(0, 8))
}

func TestPoolArenaResetAndRelease(t *testing.T) {
	p, _ := newTestPool(t)
	a := p.Arena()

	a.Alloc(1000, 8)
	a.Alloc(20000, 8)
	peak := a.Peak()
	require.Equal(t, 21000, peak)

	a.Reset()
	require.Zero(t, a.Len())
	require.Equal(t, peak, a.Peak())
	require.Equal(t, 8192, a.Cap())

	a.Release()
	require.True(t, p.Destroyed())
	require.Zero(t, a.Cap())
	require.Nil(t, a.Alloc(8, 8))
}

func TestNew(t *testing.T) {
	p, _ := newTestPool(t)

	pt, err := New[point](p)
	require.NoError(t, err)
	require.Equal(t, point{}, *pt)
	require.Zero(t, uintptr(unsafe.Pointer(pt))%unsafe.Alignof(*pt))

	pt.X, pt.Y = 3, 4
	other, err := New[point](p)
	require.NoError(t, err)
	require.NotSame(t, pt, other)
	require.Equal(t, point{X: 3, Y: 4}, *pt)

	empty, err := New[struct{}](p)
	require.NoError(t, err)
	require.NotNil(t, empty)
}

func TestMakeSlice(t *testing.T) {
	p, _ := newTestPool(t)

	s, err := MakeSlice[uint32](p, 4, 16)
	require.NoError(t, err)
	require.Len(t, s, 4)
	require.Equal(t, 16, cap(s))
	require.Equal(t, []uint32{0, 0, 0, 0}, s)

	s, err = MakeSlice[uint32](p, 8, 2)
	require.NoError(t, err)
	require.Len(t, s, 8)
	require.Equal(t, 8, cap(s))

	s, err = MakeSlice[uint32](p, 0, 0)
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestAppend(t *testing.T) {
	p, _ := newTestPool(t)

	var s []int64
	s, err := Append(p, s, 1, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, s)
	require.Equal(t, 3, cap(s))

	for i := int64(4); i <= 100; i++ {
		s, err = Append(p, s, i)
		require.NoError(t, err)
	}
	require.Len(t, s, 100)
	for i, v := range s {
		require.Equal(t, int64(i+1), v)
	}

	// Appending within capacity does not move the slice.
	s = s[:50]
	before := unsafe.SliceData(s)
	s, err = Append(p, s, 0)
	require.NoError(t, err)
	require.Same(t, before, unsafe.SliceData(s))
}

func TestAppendGrowthPolicy(t *testing.T) {
	p, _ := newTestPool(t)

	s, err := MakeSlice[byte](p, 0, 300)
	require.NoError(t, err)
	s = s[:300]

	// Past the threshold capacity grows by a quarter.
	s, err = Append(p, s, 1)
	require.NoError(t, err)
	require.Equal(t, 375, cap(s))

	small, err := MakeSlice[byte](p, 10, 10)
	require.NoError(t, err)
	small, err = Append(p, small, 1)
	require.NoError(t, err)
	require.Equal(t, 20, cap(small))
}

func TestAppendOutOfMemory(t *testing.T) {
	p, heap := newTestPool(t)

	s, err := MakeSlice[byte](p, 8, 8)
	require.NoError(t, err)
	heap.failNext()

	big := make([]byte, 100000)
	got, err := Append(p, s, big...)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Len(t, got, 8)
}
