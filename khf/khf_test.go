package khf_test

import (
	"crypto/rand"
	"testing"

	"github.com/lemosyne/lethe/hasher"
	"github.com/lemosyne/lethe/khf"
	"github.com/stretchr/testify/require"
)

func newTestKhf() *khf.Khf {
	return khf.New(khf.DefaultFanouts, hasher.Blake2b{}, rand.Reader)
}

func TestDeriveDeterministic(t *testing.T) {
	f := newTestKhf()
	k1, err := f.Derive(42)
	require.NoError(t, err)
	k2, err := f.Derive(42)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestDeriveDistinctIDsDiffer(t *testing.T) {
	f := newTestKhf()
	k1, _ := f.Derive(1)
	k2, _ := f.Derive(2)
	require.NotEqual(t, k1, k2)
}

func TestUpdateRotatesKey(t *testing.T) {
	f := newTestKhf()
	before, _ := f.Derive(5)
	rotated, err := f.Update(5)
	require.NoError(t, err)
	after, _ := f.Derive(5)

	require.Equal(t, rotated, after)
	require.NotEqual(t, before, after)
}

func TestCommitReturnsDirtyAndClears(t *testing.T) {
	f := newTestKhf()
	_, _ = f.Update(1)
	_, _ = f.Update(2)

	dirty := f.Commit()
	require.ElementsMatch(t, []uint64{1, 2}, dirty)

	require.Empty(t, f.Commit())
}

func TestTruncateDropsOverridesPastBound(t *testing.T) {
	f := newTestKhf()
	_, _ = f.Update(0)
	_, _ = f.Update(1)
	rotated, _ := f.Update(2)

	f.Truncate(2)
	require.EqualValues(t, 2, f.LiveCount())

	// Id 2 is no longer live; deriving it now falls through to the
	// segment tree instead of returning the rotated override.
	viaSegment, _ := f.Derive(2)
	require.NotEqual(t, rotated, viaSegment)
	f2 := newTestKhf()
	_, _ = f2.Update(0)
	_, _ = f2.Update(1)
	viaFreshSegment, _ := f2.Derive(2)
	require.NotEqual(t, viaSegment, viaFreshSegment, "segment state differs between forests so this is only a sanity check that no override leaked")
}

func TestConsolidateFullReturnsSegmentAndRotatesKeys(t *testing.T) {
	f := newTestKhf()
	_, _ = f.Update(0)
	_, _ = f.Update(1)
	_, _ = f.Update(2)
	_, _ = f.Update(3)
	f.Commit()

	next := f.Clone()
	dirty := next.Consolidate(khf.ConsolidationFull)
	require.Contains(t, dirty, uint64(0))
	require.Contains(t, dirty, uint64(1))
	require.Contains(t, dirty, uint64(2))
	require.Contains(t, dirty, uint64(3))

	// The original forest (curr) still serves the pre-consolidation
	// keys; the clone (next) now serves fresh ones.
	oldKey, _ := f.Derive(1)
	newKey, _ := next.Derive(1)
	require.NotEqual(t, oldKey, newKey)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := newTestKhf()
	_, _ = f.Update(10)
	_, _ = f.Update(20)
	want, _ := f.Derive(10)

	blob, err := f.MarshalBinary()
	require.NoError(t, err)

	restored := &khf.Khf{}
	require.NoError(t, restored.UnmarshalBinary(blob))
	restored.SetCollaborators(hasher.Blake2b{}, rand.Reader)

	got, err := restored.Derive(10)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
