package enclave_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/lemosyne/lethe/enclave"
	"github.com/stretchr/testify/require"
)

func TestMemEnclaveWriteReadAtOffsetZero(t *testing.T) {
	e := enclave.NewMemEnclave()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	_, err := e.Write(key)
	require.NoError(t, err)

	_, err = e.Seek(0, io.SeekStart)
	require.NoError(t, err)

	got := make([]byte, 32)
	n, err := e.Read(got)
	require.NoError(t, err)
	require.Equal(t, 32, n)
	require.Equal(t, key, got)
}

func TestFileEnclaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	e, err := enclave.NewFileEnclave(path)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	key := []byte("0123456789abcdef0123456789abcdef")
	_, err = e.Write(key)
	require.NoError(t, err)

	_, err = e.Seek(0, io.SeekStart)
	require.NoError(t, err)

	got := make([]byte, len(key))
	_, err = io.ReadFull(e, got)
	require.NoError(t, err)
	require.Equal(t, key, got)
}
