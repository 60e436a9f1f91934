package objstore_test

import (
	"io"
	"testing"

	"github.com/lemosyne/lethe/objstore"
	"github.com/stretchr/testify/require"
)

func TestFileStoreCreateWriteRead(t *testing.T) {
	dir := t.TempDir()
	store, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Create(4, 0))

	w, err := store.WriteHandle(4)
	require.NoError(t, err)
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, w.Close())

	info, err := store.GetInfo(4)
	require.NoError(t, err)
	require.EqualValues(t, 11, info.Size)

	r, err := store.ReadHandle(4)
	require.NoError(t, err)
	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
	require.NoError(t, r.Close())
}

func TestFileStoreDestroyIsNoOpOnUnknown(t *testing.T) {
	dir := t.TempDir()
	store, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Destroy(999))
}

func TestFileStorePersistAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)

	require.NoError(t, store.Create(5, 7))
	require.NoError(t, store.PersistState())
	require.NoError(t, store.Close())

	store2, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	info, err := store2.GetInfo(5)
	require.NoError(t, err)
	require.EqualValues(t, 7, info.Flags)
}

func TestFileStoreTruncate(t *testing.T) {
	dir := t.TempDir()
	store, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Create(1, 0))
	w, err := store.WriteHandle(1)
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, store.Truncate(1, 4))
	info, err := store.GetInfo(1)
	require.NoError(t, err)
	require.EqualValues(t, 4, info.Size)
}

func TestFileStoreStageAndSwap(t *testing.T) {
	dir := t.TempDir()
	store, err := objstore.NewFileStore(dir, 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Create(9, 0))
	w, err := store.WriteHandle(9)
	require.NoError(t, err)
	_, err = w.Write([]byte("old"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	staging, err := store.Stage()
	require.NoError(t, err)
	require.NotEqual(t, uint64(9), staging)

	sw, err := store.WriteHandle(staging)
	require.NoError(t, err)
	_, err = sw.Write([]byte("new content"))
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	require.NoError(t, store.Swap(staging, 9))

	r, err := store.ReadHandle(9)
	require.NoError(t, err)
	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "new content", string(buf))
	require.NoError(t, r.Close())

	_, err = store.GetInfo(staging)
	require.Error(t, err)
}
