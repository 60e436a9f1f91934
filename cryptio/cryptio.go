// Package cryptio implements the block-crypto I/O engine: CryptIo (a
// one-shot whole-blob stream cipher adapter), BlockCryptIo (a seekable
// plaintext stream over a seekable ciphertext object, keyed per block by
// a kms.KeyManagementScheme), and BlockRecryptIo (the same shape but
// re-keying from one authority to another during forest consolidation).
//
// Grounded on original_source/src/io/crypt.rs, blockcrypt.rs, and
// recrypt.rs. Unlike the Rust original, BlockCryptIo and BlockRecryptIo
// here hold their underlying handle directly (not re-opened from a
// shared `&mut Lethe` on every call), so plaintext and ciphertext
// offsets always coincide and Seek can delegate straight through - no
// adapter-local offset bookkeeping is needed.
package cryptio

import "io"

// ReadWriteSeeker is the minimal capability BlockCryptIo, BlockRecryptIo,
// and CryptIo need from an underlying handle.
type ReadWriteSeeker interface {
	io.Reader
	io.Writer
	io.Seeker
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
