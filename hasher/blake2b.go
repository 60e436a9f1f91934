package hasher

import (
	"golang.org/x/crypto/blake2b"
)

// Sum implements Hash using BLAKE2b-256 keyed with key. A keying failure
// (e.g. an oversized key) is a programmer error, not a runtime condition
// callers can recover from, so it panics rather than returning an error -
// hash failures are treated as fatal invariant violations.
func (Blake2b) Sum(key [Size]byte, data []byte) [Size]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic("hasher: blake2b keying failed: " + err.Error())
	}
	if _, err := h.Write(data); err != nil {
		panic("hasher: blake2b write failed: " + err.Error())
	}
	var out [Size]byte
	h.Sum(out[:0])
	return out
}
