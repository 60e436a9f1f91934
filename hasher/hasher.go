// Package hasher provides the keyed, fixed-digest-size hash collaborator
// the keyed hash forest derives child keys with. It is an external
// collaborator by design: the forest only ever needs one primitive,
// Sum(key, data), and is agnostic to which keyed hash backs it.
package hasher

// Size is the fixed digest size, matching lethe.KeySize.
const Size = 32

// Hash is a keyed hash function with a fixed-size digest. Implementations
// must be deterministic: the same (key, data) pair always yields the
// same digest, since the forest relies on this for derive to be a pure
// function of its current state.
type Hash interface {
	// Sum returns the keyed digest of data under key.
	Sum(key [Size]byte, data []byte) [Size]byte
}

// Blake2b is the default Hash, backed by BLAKE2b-256 in keyed mode.
type Blake2b struct{}

var _ Hash = Blake2b{}
