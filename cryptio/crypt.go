package cryptio

import "github.com/lemosyne/lethe/crypter"

// CryptIo wraps an underlying byte sink/source plus a single fixed key.
// There is no per-offset key; this adapter is only used for blob-at-a-
// time persistence (KHF blobs, the reserved metadata blobs), where the
// caller operates on the whole blob monotonically.
type CryptIo struct {
	io     ReadWriteSeeker
	cipher crypter.Cipher
	key    [32]byte
}

// NewCryptIo returns a CryptIo over io, encrypting and decrypting with
// cipher under key.
func NewCryptIo(io ReadWriteSeeker, cipher crypter.Cipher, key [32]byte) *CryptIo {
	return &CryptIo{io: io, cipher: cipher, key: key}
}

// Read reads up to len(p) ciphertext bytes and decrypts them in place
// into p.
func (c *CryptIo) Read(p []byte) (int, error) {
	encrypted := make([]byte, len(p))
	n, err := c.io.Read(encrypted)
	if n > 0 {
		decrypted := c.cipher.Decrypt(c.key, encrypted[:n])
		copy(p, decrypted)
	}
	return n, err
}

// Write one-shot-encrypts p and writes the ciphertext through.
func (c *CryptIo) Write(p []byte) (int, error) {
	encrypted := c.cipher.Encrypt(c.key, p)
	return c.io.Write(encrypted)
}

// Seek delegates to the underlying stream; encryption here has no
// notion of position.
func (c *CryptIo) Seek(offset int64, whence int) (int64, error) {
	return c.io.Seek(offset, whence)
}
