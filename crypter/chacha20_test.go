package crypter_test

import (
	"bytes"
	"testing"

	"github.com/lemosyne/lethe/crypter"
	"github.com/stretchr/testify/require"
)

func TestChaCha20RoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i * 3)
	}

	c := crypter.ChaCha20{}
	plaintext := bytes.Repeat([]byte("a"), 4*4096)

	ciphertext := c.Encrypt(key, plaintext)
	require.Len(t, ciphertext, len(plaintext))
	require.NotEqual(t, plaintext, ciphertext)

	decrypted := c.Decrypt(key, ciphertext)
	require.Equal(t, plaintext, decrypted)
}

func TestChaCha20DistinctKeysDiffer(t *testing.T) {
	var k1, k2 [32]byte
	k2[0] = 1

	c := crypter.ChaCha20{}
	plaintext := []byte("the quick brown fox")

	require.NotEqual(t, c.Encrypt(k1, plaintext), c.Encrypt(k2, plaintext))
}
