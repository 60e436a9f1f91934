package cryptio_test

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/lemosyne/lethe/cryptio"
	"github.com/lemosyne/lethe/crypter"
	"github.com/lemosyne/lethe/hasher"
	"github.com/lemosyne/lethe/khf"
	"github.com/stretchr/testify/require"
)

func newAuthority() *khf.Khf {
	return khf.New(khf.DefaultFanouts, hasher.Blake2b{}, rand.Reader)
}

// Scenario 1 (spec §8.1): write 4 blocks of 'a', seek to 3, write 4
// bytes of 'b'; reading back must show the overlay at [3:7] with 'a'
// everywhere else. Grounded on original_source's offset_write test.
func TestBlockCryptIoOffsetWrite(t *testing.T) {
	const blockSize = 4096
	backing := &memRWS{}
	authority := newAuthority()
	io1 := cryptio.NewBlockCryptIo(backing, authority, crypter.ChaCha20{}, blockSize)

	_, err := io1.Write(bytes.Repeat([]byte{'a'}, 4*blockSize))
	require.NoError(t, err)

	_, err = io1.Seek(3, ioSeekStart)
	require.NoError(t, err)
	_, err = io1.Write(bytes.Repeat([]byte{'b'}, 4))
	require.NoError(t, err)

	_, err = io1.Seek(0, ioSeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4*blockSize)
	n, err := readFull(io1, buf)
	require.NoError(t, err)
	require.Equal(t, 4*blockSize, n)

	require.Equal(t, bytes.Repeat([]byte{'a'}, 3), buf[:3])
	require.Equal(t, bytes.Repeat([]byte{'b'}, 4), buf[3:7])
	require.Equal(t, bytes.Repeat([]byte{'a'}, 4*blockSize-7), buf[7:])
}

// Scenario 2 (spec §8.1): write 2 blocks of 'a', overlay a full block of
// 'b' starting mid-block. Grounded on original_source's
// misaligned_write test.
func TestBlockCryptIoMisalignedWrite(t *testing.T) {
	const blockSize = 4096
	backing := &memRWS{}
	authority := newAuthority()
	io1 := cryptio.NewBlockCryptIo(backing, authority, crypter.ChaCha20{}, blockSize)

	_, err := io1.Write(bytes.Repeat([]byte{'a'}, 2*blockSize))
	require.NoError(t, err)

	_, err = io1.Seek(blockSize/2, ioSeekStart)
	require.NoError(t, err)
	_, err = io1.Write(bytes.Repeat([]byte{'b'}, blockSize))
	require.NoError(t, err)

	_, err = io1.Seek(0, ioSeekStart)
	require.NoError(t, err)
	buf := make([]byte, 2*blockSize)
	_, err = readFull(io1, buf)
	require.NoError(t, err)

	require.Equal(t, bytes.Repeat([]byte{'a'}, blockSize/2), buf[:blockSize/2])
	require.Equal(t, bytes.Repeat([]byte{'b'}, blockSize), buf[blockSize/2:blockSize/2+blockSize])
	require.Equal(t, bytes.Repeat([]byte{'a'}, blockSize/2), buf[blockSize/2+blockSize:])
}

// Scenario 3 (spec §8.1): two sequential single-byte writes with no
// seek in between. Grounded on original_source's short_write test.
func TestBlockCryptIoSequentialByteWrites(t *testing.T) {
	const blockSize = 4096
	backing := &memRWS{}
	authority := newAuthority()
	io1 := cryptio.NewBlockCryptIo(backing, authority, crypter.ChaCha20{}, blockSize)

	_, err := io1.Write([]byte{'a'})
	require.NoError(t, err)
	_, err = io1.Write([]byte{'b'})
	require.NoError(t, err)

	_, err = io1.Seek(0, ioSeekStart)
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = readFull(io1, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 'b'}, buf)
}

// Scenario 4 (spec §8.1): a short write followed by an over-long read
// request reports only the bytes that exist.
func TestBlockCryptIoReadShortOfRequestedLength(t *testing.T) {
	const blockSize = 4096
	backing := &memRWS{}
	authority := newAuthority()
	io1 := cryptio.NewBlockCryptIo(backing, authority, crypter.ChaCha20{}, blockSize)

	_, err := io1.Write(bytes.Repeat([]byte{'a'}, 16))
	require.NoError(t, err)

	_, err = io1.Seek(0, ioSeekStart)
	require.NoError(t, err)
	buf := make([]byte, blockSize)
	n, err := io1.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, bytes.Repeat([]byte{'a'}, 16), buf[:16])
}

// Scenario 6 (spec §8.1): rewriting a block changes its ciphertext, and
// the pre-rewrite key cannot decrypt the new ciphertext.
func TestBlockCryptIoKeyRotationPreventsOldKeyDecryption(t *testing.T) {
	const blockSize = 4096
	backing := &memRWS{}
	authority := newAuthority()
	io1 := cryptio.NewBlockCryptIo(backing, authority, crypter.ChaCha20{}, blockSize)

	_, err := io1.Write(bytes.Repeat([]byte{'a'}, 6*blockSize))
	require.NoError(t, err)

	oldKey, err := authority.Derive(5)
	require.NoError(t, err)
	c1 := append([]byte(nil), backing.buf[5*blockSize:6*blockSize]...)

	_, err = io1.Seek(5*blockSize, ioSeekStart)
	require.NoError(t, err)
	_, err = io1.Write(bytes.Repeat([]byte{'z'}, blockSize))
	require.NoError(t, err)

	c2 := append([]byte(nil), backing.buf[5*blockSize:6*blockSize]...)
	require.NotEqual(t, c1, c2)

	cipher := crypter.ChaCha20{}
	wrongPlaintext := cipher.Decrypt(oldKey, c2)
	require.NotEqual(t, bytes.Repeat([]byte{'z'}, blockSize), wrongPlaintext)
}

const ioSeekStart = io.SeekStart

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
