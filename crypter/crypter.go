// Package crypter provides the one-shot block/stream cipher collaborator
// the I/O adapters encrypt and decrypt through. The cipher is explicitly
// out of scope for the forest and I/O layers: they only ever call the two
// pure functions below, and never reuse a (key, position) pair across
// distinct plaintexts, which the per-block key rotation guarantees.
package crypter

// Cipher is a length-preserving stream or counter-mode cipher with a
// fixed implicit IV (the zero nonce). Both operations are one-shot: no
// streaming state is kept across calls.
type Cipher interface {
	// Encrypt returns ciphertext of the same length as plaintext.
	Encrypt(key [32]byte, plaintext []byte) []byte
	// Decrypt returns plaintext of the same length as ciphertext.
	Decrypt(key [32]byte, ciphertext []byte) []byte
}

// ChaCha20 is the default Cipher, backed by golang.org/x/crypto/chacha20
// with a fixed zero nonce - safe here only because every (key, block)
// pair is used to encrypt at most one plaintext, since a block's key is
// rotated on every write.
type ChaCha20 struct{}

var _ Cipher = ChaCha20{}
