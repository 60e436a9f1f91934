package crypter

import (
	"golang.org/x/crypto/chacha20"
)

// Encrypt XORs plaintext with the ChaCha20 keystream under key and a
// zero nonce.
func (ChaCha20) Encrypt(key [32]byte, plaintext []byte) []byte {
	return xor(key, plaintext)
}

// Decrypt is identical to Encrypt: ChaCha20 is a symmetric keystream
// cipher, so applying it twice under the same key and nonce recovers the
// original buffer.
func (ChaCha20) Decrypt(key [32]byte, ciphertext []byte) []byte {
	return xor(key, ciphertext)
}

func xor(key [32]byte, in []byte) []byte {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// A 32-byte key and a correctly-sized nonce can never fail
		// construction; a failure here means the cipher or key
		// material is corrupt, a fatal invariant violation.
		panic("crypter: chacha20 construction failed: " + err.Error())
	}
	out := make([]byte, len(in))
	c.XORKeyStream(out, in)
	return out
}
