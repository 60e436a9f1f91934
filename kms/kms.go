// Package kms defines the key-management authority interface that the
// block-crypto I/O adapters derive and rotate per-block keys through.
// A Khf forest (package khf) is this module's only implementation, but
// the I/O adapters are written against this interface so a recrypt pass
// can swap in two distinct authorities (the current and the next forest)
// without the adapters knowing anything about forests at all.
package kms

// KeyManagementScheme derives and rotates keys for 64-bit ids.
type KeyManagementScheme interface {
	// Derive returns the current key for id without mutating it.
	Derive(id uint64) ([32]byte, error)
	// Update rotates id's key, marks id dirty until the next Commit,
	// and returns the newly-rotated key.
	Update(id uint64) ([32]byte, error)
}
