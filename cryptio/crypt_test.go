package cryptio_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/lemosyne/lethe/cryptio"
	"github.com/lemosyne/lethe/crypter"
	"github.com/stretchr/testify/require"
)

// memRWS is a trivial growable in-memory ReadWriteSeeker used across
// cryptio's tests to stand in for a backing object handle.
type memRWS struct {
	buf []byte
	pos int64
}

func (m *memRWS) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memRWS) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memRWS) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	}
	m.pos = newPos
	return newPos, nil
}

func TestCryptIoRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	backing := &memRWS{}
	c := cryptio.NewCryptIo(backing, crypter.ChaCha20{}, key)

	plaintext := bytes.Repeat([]byte("a"), 4*4096)
	n, err := c.Write(plaintext)
	require.NoError(t, err)
	require.Equal(t, len(plaintext), n)

	_, err = c.Seek(0, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, len(plaintext))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, plaintext, buf)

	// The backing ciphertext must not equal the plaintext.
	require.NotEqual(t, plaintext, backing.buf)
}
