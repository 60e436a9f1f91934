package alloc_test

import (
	"testing"

	"github.com/lemosyne/lethe/alloc"
	"github.com/stretchr/testify/require"
)

func TestAllocSequential(t *testing.T) {
	a := alloc.New()
	first, err := a.Alloc()
	require.NoError(t, err)
	require.Zero(t, first)

	second, err := a.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, 1, second)
}

func TestDeallocFreesID(t *testing.T) {
	a := alloc.New()
	id, _ := a.Alloc()
	a.Dealloc(id)
	require.False(t, a.IsAllocated(id))

	next, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, id, next) // cursor stays on id, which is free again
}

func TestReserveFailsIfTaken(t *testing.T) {
	a := alloc.New()
	require.NoError(t, a.Reserve(3))
	require.ErrorIs(t, a.Reserve(3), alloc.ErrAlreadyAllocated)
}

func TestReserveExcludesFromAlloc(t *testing.T) {
	a := alloc.New()
	require.NoError(t, a.Reserve(0))
	require.NoError(t, a.Reserve(1))

	id, err := a.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, 2, id)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	a := alloc.New()
	_, _ = a.Alloc()
	_, _ = a.Alloc()
	id3, _ := a.Alloc()
	a.Dealloc(id3)

	blob, err := a.MarshalBinary()
	require.NoError(t, err)

	restored := alloc.New()
	require.NoError(t, restored.UnmarshalBinary(blob))
	require.True(t, restored.IsAllocated(0))
	require.True(t, restored.IsAllocated(1))
	require.False(t, restored.IsAllocated(id3))
}
